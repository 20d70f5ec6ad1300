// Package httpd carries the replication protocol over HTTP. The
// endpoint set mirrors the stream commands: identification and head as
// text, the index, commit list and object streams as the same payload
// bytes the stream transports produce.
package httpd

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/WebFirstLanguage/hivefs/pkg/objecthash"
	"github.com/WebFirstLanguage/hivefs/pkg/objects"
	"github.com/WebFirstLanguage/hivefs/pkg/repo"
	"github.com/WebFirstLanguage/hivefs/pkg/stream"
)

// Endpoint paths
const (
	PathID       = "/id"
	PathVersion  = "/version"
	PathHead     = "/HEAD"
	PathIndex    = "/index"
	PathCommits  = "/commits"
	PathContains = "/contains"
	PathGetObjs  = "/getobjs"
	PathObjInfo  = "/objinfo/:hash"
	PathMetrics  = "/metrics"
)

// Handler serves the endpoint set for one repository.
type Handler struct {
	repo   *repo.LocalRepo
	router *httprouter.Router
}

// NewHandler builds the HTTP handler for a repository
func NewHandler(r *repo.LocalRepo) *Handler {
	h := &Handler{repo: r, router: httprouter.New()}

	h.router.GET(PathID, h.getID)
	h.router.GET(PathVersion, h.getVersion)
	h.router.GET(PathHead, h.getHead)
	h.router.GET(PathIndex, h.getIndex)
	h.router.GET(PathCommits, h.getCommits)
	h.router.POST(PathContains, h.contains)
	h.router.POST(PathGetObjs, h.getObjs)
	h.router.GET(PathObjInfo, h.getObjInfo)
	h.router.Handler(http.MethodGet, PathMetrics, promhttp.Handler())

	return h
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func textResponse(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, body)
}

func binaryResponse(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(body)
}

func (h *Handler) getID(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	fsid, err := h.repo.FSID()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	textResponse(w, fsid)
}

func (h *Handler) getVersion(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	version, err := h.repo.Version()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	textResponse(w, version)
}

func (h *Handler) getHead(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	head, err := h.repo.Head()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	textResponse(w, head.Hex())
}

func (h *Handler) getIndex(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	infos, err := h.repo.ListObjects()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	sw := stream.NewWriter(&buf)
	if err := sw.WriteUInt64(uint64(len(infos))); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, info := range infos {
		if err := objects.WriteInfo(sw, info); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	binaryResponse(w, buf.Bytes())
}

func (h *Handler) getCommits(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	commits, err := h.repo.ListCommits()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	sw := stream.NewWriter(&buf)
	if err := sw.WriteUInt32(uint32(len(commits))); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, c := range commits {
		blob, err := c.Marshal()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := sw.WritePStr(string(blob)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	binaryResponse(w, buf.Bytes())
}

// readHashList parses the request body shared by contains and getobjs:
// a u32 count followed by that many raw hashes
func readHashList(r *http.Request) ([]objecthash.Hash, error) {
	sr := stream.NewReader(stream.NewConnSource(r.Body))
	count, err := sr.ReadUInt32()
	if err != nil {
		return nil, fmt.Errorf("malformed hash list: %w", err)
	}
	hashes := make([]objecthash.Hash, 0, count)
	for i := uint32(0); i < count; i++ {
		hash, err := sr.ReadHash()
		if err != nil {
			return nil, fmt.Errorf("malformed hash list: %w", err)
		}
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

func (h *Handler) contains(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	hashes, err := readHashList(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out := make([]byte, len(hashes))
	for i, hash := range hashes {
		present, err := h.repo.HasObject(hash)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if present {
			out[i] = 1
		}
	}
	binaryResponse(w, out)
}

func (h *Handler) getObjs(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	hashes, err := readHashList(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var buf bytes.Buffer
	if err := h.repo.Transmit(stream.NewWriter(&buf), hashes); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	binaryResponse(w, buf.Bytes())
}

func (h *Handler) getObjInfo(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	hash, err := objecthash.FromHex(ps.ByName("hash"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	info, err := h.repo.GetObjectInfo(hash)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	raw, err := info.Marshal()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	binaryResponse(w, raw)
}
