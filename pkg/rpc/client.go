package rpc

import (
	"fmt"
	"sync"
	"time"

	"github.com/WebFirstLanguage/hivefs/pkg/objecthash"
	"github.com/WebFirstLanguage/hivefs/pkg/objects"
	"github.com/WebFirstLanguage/hivefs/pkg/repo"
	"github.com/WebFirstLanguage/hivefs/pkg/stream"
	"github.com/WebFirstLanguage/hivefs/pkg/transport"
	"github.com/WebFirstLanguage/hivefs/pkg/wire"
)

// RemoteRepo speaks the replication protocol over one stream
// connection and presents the peer through the repository interface.
// Calls are synchronous; the struct serializes them.
type RemoteRepo struct {
	conn transport.Conn

	mu sync.Mutex
	r  *stream.Reader
	w  *stream.Writer

	// contained caches the peer's object set for HasObject
	contained map[objecthash.Hash]struct{}
}

// NewRemoteRepo attaches to a freshly opened connection: the server
// leads with a status byte before the first command.
func NewRemoteRepo(conn transport.Conn) (*RemoteRepo, error) {
	c := &RemoteRepo{
		conn: conn,
		r:    stream.NewReader(stream.NewConnSource(conn)),
		w:    stream.NewWriter(conn),
	}
	if err := wire.ReadStatus(c.r); err != nil {
		conn.Close()
		return nil, fmt.Errorf("session open failed: %w", err)
	}
	return c, nil
}

// Close severs the connection; an in-flight call observes the closed
// transport
func (c *RemoteRepo) Close() error {
	return c.conn.Close()
}

// call sends one command and consumes the response status
func (c *RemoteRepo) call(cmd string, sendBody func() error) error {
	if err := wire.WriteCommand(c.w, cmd); err != nil {
		return fmt.Errorf("%w: %v", wire.ErrTransportClosed, err)
	}
	if sendBody != nil {
		if err := sendBody(); err != nil {
			return fmt.Errorf("%w: %v", wire.ErrTransportClosed, err)
		}
	}
	return wire.ReadStatus(c.r)
}

// Hello checks protocol compatibility and returns the peer's protocol
// version string
func (c *RemoteRepo) Hello() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.call(wire.CmdHello, nil); err != nil {
		return "", err
	}
	return c.r.ReadPStr()
}

// Distance measures one round trip through the hello command
func (c *RemoteRepo) Distance() (time.Duration, error) {
	start := time.Now()
	if _, err := c.Hello(); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// FSID returns the peer repository's identifier
func (c *RemoteRepo) FSID() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.call(wire.CmdGetFSID, nil); err != nil {
		return "", err
	}
	return c.r.ReadPStr()
}

// Version returns the peer repository's store version
func (c *RemoteRepo) Version() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.call(wire.CmdGetVersion, nil); err != nil {
		return "", err
	}
	return c.r.ReadPStr()
}

// Head returns the peer's head commit
func (c *RemoteRepo) Head() (objecthash.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.call(wire.CmdGetHead, nil); err != nil {
		return objecthash.Hash{}, err
	}
	return c.r.ReadHash()
}

// ListObjects returns the descriptors of every object the peer holds
func (c *RemoteRepo) ListObjects() ([]objects.Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.call(wire.CmdListObjs, nil); err != nil {
		return nil, err
	}
	count, err := c.r.ReadUInt64()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", wire.ErrProtocol, err)
	}
	out := make([]objects.Info, 0, count)
	for i := uint64(0); i < count; i++ {
		info, err := objects.ReadInfo(c.r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", wire.ErrProtocol, err)
		}
		out = append(out, info)
	}
	return out, nil
}

// ListCommits returns every commit the peer holds
func (c *RemoteRepo) ListCommits() ([]*objects.Commit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.call(wire.CmdListCommits, nil); err != nil {
		return nil, err
	}
	count, err := c.r.ReadUInt32()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", wire.ErrProtocol, err)
	}
	out := make([]*objects.Commit, 0, count)
	for i := uint32(0); i < count; i++ {
		blob, err := c.r.ReadPStr()
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
func (c *RemoteRepo) GetObjectInfo(hash objecthash.Hash) (objects.Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.call(wire.CmdGetObjInfo, func() error {
		return c.w.WriteHash(hash)
	}); err != nil {
		return objects.Info{}, err
	}
	return objects.ReadInfo(c.r)
}

// FetchObjects requests objects in their transfer form
func (c *RemoteRepo) FetchObjects(hashes []objecthash.Hash) ([]repo.PackedObject, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.call(wire.CmdReadObjs, func() error {
		if err := c.w.WriteUInt32(uint32(len(hashes))); err != nil {
			return err
		}
		for _, h := range hashes {
			if err := c.w.WriteHash(h); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	var out []repo.PackedObject
	err := wire.ReadPackedStream(c.r, func(info objects.Info, packed []byte) error {
		out = append(out, repo.PackedObject{Info: info, Packed: packed})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetObject fetches one object and returns it with an in-memory,
// already verified payload
func (c *RemoteRepo) GetObject(hash objecthash.Hash) (*objects.Object, error) {
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

// HasObject reports whether the peer holds a hash, caching the peer's
// object list on first use
func (c *RemoteRepo) HasObject(hash objecthash.Hash) (bool, error) {
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

// ListExt returns the names of the peer's protocol extensions
func (c *RemoteRepo) ListExt() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.call(wire.CmdExtList, nil); err != nil {
		return nil, err
	}
	count, err := c.r.ReadUInt8()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", wire.ErrProtocol, err)
	}
	out := make([]string, 0, count)
	for i := uint8(0); i < count; i++ {
		name, err := c.r.ReadPStr()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", wire.ErrProtocol, err)
		}
		out = append(out, name)
	}
	return out, nil
}

// CallExt invokes a named peer extension with an opaque request body
func (c *RemoteRepo) CallExt(name string, data []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.call(wire.CmdExtCall, func() error {
		if err := c.w.WritePStr(name); err != nil {
			return err
		}
		return c.w.WriteLPStr(string(data))
	}); err != nil {
		return nil, err
	}
	result, err := c.r.ReadLPStr()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", wire.ErrProtocol, err)
	}
	return []byte(result), nil
}
