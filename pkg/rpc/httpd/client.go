package httpd

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/WebFirstLanguage/hivefs/pkg/objecthash"
	"github.com/WebFirstLanguage/hivefs/pkg/objects"
	"github.com/WebFirstLanguage/hivefs/pkg/repo"
	"github.com/WebFirstLanguage/hivefs/pkg/stream"
	"github.com/WebFirstLanguage/hivefs/pkg/wire"
)

// Client speaks the endpoint set against a remote daemon and presents
// it through the repository interface.
type Client struct {
	base string
	http *http.Client

	contained map[objecthash.Hash]struct{}
}

// NewClient creates a client for the daemon at baseURL
func NewClient(baseURL string) *Client {
	return &Client{
		base: strings.TrimSuffix(baseURL, "/"),
		http: &http.Client{Timeout: 5 * time.Minute},
	}
}

// Close implements the remote interface; HTTP needs no teardown
func (c *Client) Close() error {
	return nil
}

// get fetches one endpoint's body
func (c *Client) get(path string) ([]byte, error) {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", wire.ErrTransportClosed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &wire.RemoteError{Message: fmt.Sprintf("%s: %s", path, resp.Status)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", wire.ErrTransportClosed, err)
	}
	return body, nil
}

// post sends a binary request body and fetches the response
func (c *Client) post(path string, body []byte) ([]byte, error) {
	resp, err := c.http.Post(c.base+path, "application/octet-stream", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", wire.ErrTransportClosed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &wire.RemoteError{Message: fmt.Sprintf("%s: %s", path, resp.Status)}
	}
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", wire.ErrTransportClosed, err)
	}
	return out, nil
}

// FSID returns the peer repository's identifier
func (c *Client) FSID() (string, error) {
	body, err := c.get(PathID)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// Version returns the peer repository's store version
func (c *Client) Version() (string, error) {
	body, err := c.get(PathVersion)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// Head returns the peer's head commit
func (c *Client) Head() (objecthash.Hash, error) {
	body, err := c.get(PathHead)
	if err != nil {
		return objecthash.Hash{}, err
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return objecthash.Hash{}, nil
	}
	return objecthash.FromHex(text)
}

// ListObjects returns the descriptors of every object the peer holds
func (c *Client) ListObjects() ([]objects.Info, error) {
	body, err := c.get(PathIndex)
	if err != nil {
		return nil, err
	}
	r := stream.NewReader(stream.NewMemSource(body))
	count, err := r.ReadUInt64()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", wire.ErrProtocol, err)
	}
	out := make([]objects.Info, 0, count)
	for i := uint64(0); i < count; i++ {
		info, err := objects.ReadInfo(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", wire.ErrProtocol, err)
		}
		out = append(out, info)
	}
	return out, nil
}

// ListCommits returns every commit the peer holds
func (c *Client) ListCommits() ([]*objects.Commit, error) {
	body, err := c.get(PathCommits)
	if err != nil {
		return nil, err
	}
	r := stream.NewReader(stream.NewMemSource(body))
	count, err := r.ReadUInt32()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", wire.ErrProtocol, err)
	}
	out := make([]*objects.Commit, 0, count)
	for i := uint32(0); i < count; i++ {
		blob, err := r.ReadPStr()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", wire.ErrProtocol, err)
		}
		commit, err := objects.UnmarshalCommit([]byte(blob))
		if err != nil {
			return nil, err
		}
		out = append(out, commit)
	}
	return out, nil
}

// GetObjectInfo returns the peer's descriptor for one hash
func (c *Client) GetObjectInfo(hash objecthash.Hash) (objects.Info, error) {
	body, err := c.get("/objinfo/" + hash.Hex())
	if err != nil {
		return objects.Info{}, err
	}
	return objects.UnmarshalInfo(body)
}

// hashListBody renders the shared POST body for contains and getobjs
func hashListBody(hashes []objecthash.Hash) ([]byte, error) {
	var buf bytes.Buffer
	w := stream.NewWriter(&buf)
	if err := w.WriteUInt32(uint32(len(hashes))); err != nil {
		return nil, err
	}
	for _, h := range hashes {
		if err := w.WriteHash(h); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Contains asks the peer which of the hashes it holds
func (c *Client) Contains(hashes []objecthash.Hash) ([]bool, error) {
	body, err := hashListBody(hashes)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(PathContains, body)
	if err != nil {
		return nil, err
	}
	if len(resp) != len(hashes) {
		return nil, fmt.Errorf("%w: contains answered %d of %d", wire.ErrProtocol, len(resp), len(hashes))
	}
	out := make([]bool, len(resp))
	for i, b := range resp {
		out[i] = b != 0
	}
	return out, nil
}

// HasObject reports whether the peer holds one hash
func (c *Client) HasObject(hash objecthash.Hash) (bool, error) {
	if c.contained == nil {
		infos, err := c.ListObjects()
		if err != nil {
			return false, err
		}
		set := make(map[objecthash.Hash]struct{}, len(infos))
		for _, info := range infos {
			set[info.Hash] = struct{}{}
		}
		c.contained = set
	}
	_, ok := c.contained[hash]
	return ok, nil
}

// FetchObjects requests objects in their transfer form
func (c *Client) FetchObjects(hashes []objecthash.Hash) ([]repo.PackedObject, error) {
	body, err := hashListBody(hashes)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(PathGetObjs, body)
	if err != nil {
		return nil, err
	}

	var out []repo.PackedObject
	err = wire.ReadPackedStream(stream.NewReader(stream.NewMemSource(resp)),
		func(info objects.Info, packed []byte) error {
			out = append(out, repo.PackedObject{Info: info, Packed: packed})
			return nil
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetObject fetches one object with an in-memory, verified payload
func (c *Client) GetObject(hash objecthash.Hash) (*objects.Object, error) {
	batch, err := c.FetchObjects([]objecthash.Hash{hash})
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, fmt.Errorf("%w: %s on peer", repo.ErrObjectNotFound, hash.Short())
	}
	po := batch[0]
	payload, err := stream.Decompress(po.Info.Compression(), po.Packed, po.Info.PayloadSize)
	if err != nil {
		return nil, err
	}
	if po.Info.Type != objects.TypePurged {
		if got := objecthash.Sum(payload); got != hash {
			return nil, fmt.Errorf("%w: peer sent %s for %s", repo.ErrHashMismatch, got.Short(), hash.Short())
		}
	}
	return objects.NewFromBytes(po.Info, payload), nil
}
