package repo

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/WebFirstLanguage/hivefs/pkg/chunker"
	"github.com/WebFirstLanguage/hivefs/pkg/objecthash"
	"github.com/WebFirstLanguage/hivefs/pkg/objects"
	"github.com/WebFirstLanguage/hivefs/pkg/store/index"
	"github.com/WebFirstLanguage/hivefs/pkg/store/pack"
	"github.com/WebFirstLanguage/hivefs/pkg/stream"
)

// transmitGroupSize bounds how many objects share one group of the
// packed object stream
const transmitGroupSize = 64

// chooseCompression applies the storage policy to one payload
func (r *LocalRepo) chooseCompression(size int) stream.Compression {
	if size < r.opts.CompressThreshold {
		return stream.CompNone
	}
	return r.opts.Compression
}

// AddObject stores a payload under its known type and hash. Adding an
// object that is already present increments its reference count.
func (r *LocalRepo) AddObject(typ objects.Type, hash objecthash.Hash, payload []byte) error {
	if err := r.checkWritable(); err != nil {
		return err
	}
	if hash.IsEmpty() {
		return fmt.Errorf("%w: empty hash", ErrInvalidArgs)
	}

	if r.idx.Has(hash) {
		_, err := r.md.IncRef(hash)
		return err
	}

	info := objects.Info{
		Type:        typ,
		Hash:        hash,
		PayloadSize: uint32(len(payload)),
	}
	info.SetCompression(r.chooseCompression(len(payload)))

	packed, err := stream.Compress(info.Compression(), payload)
	if err != nil {
		return err
	}

	loc, err := r.packs.Append(info, packed)
	if err != nil {
		return err
	}
	if err := r.idx.Update(hash, index.Entry{
		Info:       info,
		Offset:     loc.Offset,
		PackedSize: loc.PackedSize,
		Packfile:   loc.Packfile,
	}); err != nil {
		return err
	}
	r.invalidateContained()
	return r.md.SetRefCount(hash, 1)
}

// AddBlob stores raw file content and returns its hash
func (r *LocalRepo) AddBlob(data []byte) (objecthash.Hash, error) {
	hash := objecthash.Sum(data)
	if err := r.AddObject(objects.TypeBlob, hash, data); err != nil {
		return objecthash.Hash{}, err
	}
	return hash, nil
}

// AddLargeFile chunks the file at path, stores every chunk and the
// descriptor, and returns (descriptor hash, hash of the whole file).
func (r *LocalRepo) AddLargeFile(path string) (objecthash.Hash, objecthash.Hash, error) {
	if err := r.checkWritable(); err != nil {
		return objecthash.Hash{}, objecthash.Hash{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return objecthash.Hash{}, objecthash.Hash{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	lb := &objects.LargeBlob{}
	var chunkErr error
	c, err := chunker.New(r.opts.Chunker, func(span []byte) {
		if chunkErr != nil {
			return
		}
		hash, err := r.AddBlob(span)
		if err != nil {
			chunkErr = err
			return
		}
		chunkErr = lb.AppendChunk(hash, uint32(len(span)))
	})
	if err != nil {
		return objecthash.Hash{}, objecthash.Hash{}, err
	}

	fileHash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(c, fileHash), f); err != nil {
		return objecthash.Hash{}, objecthash.Hash{}, fmt.Errorf("failed to read file: %w", err)
	}
	c.Flush()
	if chunkErr != nil {
		return objecthash.Hash{}, objecthash.Hash{}, chunkErr
	}
	var fullHash objecthash.Hash
	copy(fullHash[:], fileHash.Sum(nil))

	blob, err := lb.Marshal()
	if err != nil {
		return objecthash.Hash{}, objecthash.Hash{}, err
	}
	descHash := objecthash.Sum(blob)
	if err := r.AddObject(objects.TypeLargeBlob, descHash, blob); err != nil {
		return objecthash.Hash{}, objecthash.Hash{}, err
	}

	return descHash, fullHash, nil
}

// AddFile stores the file at path: small files as a single blob, large
// ones through the chunker. The second return value is the whole-file
// hash for chunked files and the empty hash otherwise.
func (r *LocalRepo) AddFile(path string) (objecthash.Hash, objecthash.Hash, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return objecthash.Hash{}, objecthash.Hash{}, fmt.Errorf("failed to stat file: %w", err)
	}

	if fi.Size() < r.opts.LargeFileThreshold {
		data, err := os.ReadFile(path)
		if err != nil {
			return objecthash.Hash{}, objecthash.Hash{}, fmt.Errorf("failed to read file: %w", err)
		}
		hash, err := r.AddBlob(data)
		if err != nil {
			return objecthash.Hash{}, objecthash.Hash{}, err
		}
		return hash, objecthash.Hash{}, nil
	}

	return r.AddLargeFile(path)
}

// entry resolves a hash through the index, mapping the not-found case
// onto the repository error taxonomy
func (r *LocalRepo) entry(hash objecthash.Hash) (index.Entry, error) {
	e, err := r.idx.Get(hash)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return index.Entry{}, fmt.Errorf("%w: %s", ErrObjectNotFound, hash.Short())
		}
		return index.Entry{}, err
	}
	return e, nil
}

// GetObjectInfo returns the descriptor for one hash
func (r *LocalRepo) GetObjectInfo(hash objecthash.Hash) (objects.Info, error) {
	e, err := r.entry(hash)
	if err != nil {
		return objects.Info{}, err
	}
	return e.Info, nil
}

// HasObject reports whether the store holds the hash. The presence set
// is cached until the next write.
func (r *LocalRepo) HasObject(hash objecthash.Hash) (bool, error) {
	r.mu.Lock()
	cache := r.contained
	r.mu.Unlock()

	if cache == nil {
		cache = make(map[objecthash.Hash]struct{})
		for _, info := range r.idx.List() {
			cache[info.Hash] = struct{}{}
		}
		r.mu.Lock()
		r.contained = cache
		r.mu.Unlock()
	}
	_, ok := cache[hash]
	return ok, nil
}

// readLoc converts an index entry into a packfile location
func readLoc(e index.Entry) pack.Loc {
	return pack.Loc{Packfile: e.Packfile, Offset: e.Offset, PackedSize: e.PackedSize}
}

// GetObject returns the object for a hash. Its payload stream
// decompresses lazily on first read.
func (r *LocalRepo) GetObject(hash objecthash.Hash) (*objects.Object, error) {
	e, err := r.entry(hash)
	if err != nil {
		return nil, err
	}

	opener := func() (stream.Source, error) {
		storedInfo, packed, err := r.packs.ReadRecord(readLoc(e))
		if err != nil {
			return nil, err
		}
		if storedInfo.Hash != e.Info.Hash {
			return nil, fmt.Errorf("%w: record for %s holds %s",
				pack.ErrCorrupt, e.Info.Hash.Short(), storedInfo.Hash.Short())
		}
		return stream.NewZipSource(
			stream.NewMemSource(packed),
			e.Info.Compression(),
			stream.ZipDecompress,
			uint64(e.Info.PayloadSize),
		), nil
	}
	return objects.New(e.Info, opener), nil
}

// GetPayload reads and verifies an object's full payload. A hash
// mismatch marks the repository corrupt.
func (r *LocalRepo) GetPayload(hash objecthash.Hash) ([]byte, error) {
	e, err := r.entry(hash)
	if err != nil {
		return nil, err
	}
	if e.Info.Type == objects.TypePurged {
		return nil, fmt.Errorf("%w: %s was purged", ErrObjectNotFound, hash.Short())
	}

	obj, err := r.GetObject(hash)
	if err != nil {
		return nil, err
	}
	payload, err := obj.Payload()
	if err != nil {
		return nil, err
	}
	if got := objecthash.Sum(payload); got != hash {
		r.markCorrupt()
		return nil, fmt.Errorf("%w: %s read back as %s", ErrHashMismatch, hash.Short(), got.Short())
	}
	return payload, nil
}

// GetCommit fetches and parses a commit object
func (r *LocalRepo) GetCommit(hash objecthash.Hash) (*objects.Commit, error) {
	info, err := r.GetObjectInfo(hash)
	if err != nil {
		return nil, err
	}
	if info.Type != objects.TypeCommit {
		return nil, fmt.Errorf("%w: %s is a %s, not a commit", ErrInvalidArgs, hash.Short(), info.Type)
	}
	payload, err := r.GetPayload(hash)
	if err != nil {
		return nil, err
	}
	return objects.UnmarshalCommit(payload)
}

// GetTree fetches and parses a tree object
func (r *LocalRepo) GetTree(hash objecthash.Hash) (*objects.Tree, error) {
	info, err := r.GetObjectInfo(hash)
	if err != nil {
		return nil, err
	}
	if info.Type != objects.TypeTree {
		return nil, fmt.Errorf("%w: %s is a %s, not a tree", ErrInvalidArgs, hash.Short(), info.Type)
	}
	payload, err := r.GetPayload(hash)
	if err != nil {
		return nil, err
	}
	return objects.UnmarshalTree(payload)
}

// GetLargeBlob fetches and parses a large-blob descriptor
func (r *LocalRepo) GetLargeBlob(hash objecthash.Hash) (*objects.LargeBlob, error) {
	payload, err := r.GetPayload(hash)
	if err != nil {
		return nil, err
	}
	return objects.UnmarshalLargeBlob(payload)
}

// ReadLargeFile streams a chunked file's content into w
func (r *LocalRepo) ReadLargeFile(descriptor objecthash.Hash, w io.Writer) error {
	lb, err := r.GetLargeBlob(descriptor)
	if err != nil {
		return err
	}
	for _, chunk := range lb.Chunks {
		payload, err := r.GetPayload(chunk.Hash)
		if err != nil {
			return err
		}
		if uint32(len(payload)) != chunk.Length {
			return fmt.Errorf("%w: chunk %s length %d, descriptor says %d",
				pack.ErrCorrupt, chunk.Hash.Short(), len(payload), chunk.Length)
		}
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("failed to write chunk: %w", err)
		}
	}
	return nil
}

// ListObjects returns the descriptors of every stored object
func (r *LocalRepo) ListObjects() ([]objects.Info, error) {
	return r.idx.List(), nil
}

// ListCommits returns every commit in the store
func (r *LocalRepo) ListCommits() ([]*objects.Commit, error) {
	var out []*objects.Commit
	for _, info := range r.idx.List() {
		if info.Type != objects.TypeCommit {
			continue
		}
		payload, err := r.GetPayload(info.Hash)
		if err != nil {
			return nil, err
		}
		c, err := objects.UnmarshalCommit(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// FetchObjects returns the transfer form of the requested objects,
// silently skipping unknown hashes
func (r *LocalRepo) FetchObjects(hashes []objecthash.Hash) ([]PackedObject, error) {
	out := make([]PackedObject, 0, len(hashes))
	for _, hash := range hashes {
		e, err := r.idx.Get(hash)
		if err != nil {
			if errors.Is(err, index.ErrNotFound) {
				continue
			}
			return nil, err
		}
		_, packed, err := r.packs.ReadRecord(readLoc(e))
		if err != nil {
			return nil, err
		}
		out = append(out, PackedObject{Info: e.Info, Packed: packed})
	}
	return out, nil
}

// AddPackedObject installs one transferred object, verifying its
// payload against its name before it enters the store
func (r *LocalRepo) AddPackedObject(po PackedObject) error {
	if err := r.checkWritable(); err != nil {
		return err
	}
	if r.idx.Has(po.Info.Hash) {
		return nil
	}

	payload, err := stream.Decompress(po.Info.Compression(), po.Packed, po.Info.PayloadSize)
	if err != nil {
		return err
	}
	if po.Info.Type != objects.TypePurged {
		if got := objecthash.Sum(payload); got != po.Info.Hash {
			return fmt.Errorf("%w: transferred object %s hashes to %s",
				ErrHashMismatch, po.Info.Hash.Short(), got.Short())
		}
	}

	loc, err := r.packs.Append(po.Info, po.Packed)
	if err != nil {
		return err
	}
	if err := r.idx.Update(po.Info.Hash, index.Entry{
		Info:       po.Info,
		Offset:     loc.Offset,
		PackedSize: loc.PackedSize,
		Packfile:   loc.Packfile,
	}); err != nil {
		return err
	}
	r.invalidateContained()
	return nil
}

// Transmit writes the packed object stream for the requested hashes:
// groups of records, then a zero group count.
func (r *LocalRepo) Transmit(w *stream.Writer, hashes []objecthash.Hash) error {
	for start := 0; start < len(hashes); start += transmitGroupSize {
		end := start + transmitGroupSize
		if end > len(hashes) {
			end = len(hashes)
		}
		group, err := r.FetchObjects(hashes[start:end])
		if err != nil {
			return err
		}
		if len(group) == 0 {
			continue
		}
		if err := w.WriteUInt32(uint32(len(group))); err != nil {
			return err
		}
		for _, po := range group {
			if err := objects.WriteInfo(w, po.Info); err != nil {
				return err
			}
			if err := w.WriteUInt32(uint32(len(po.Packed))); err != nil {
				return err
			}
			if _, err := w.Write(po.Packed); err != nil {
				return err
			}
		}
	}
	return w.WriteUInt32(0)
}

// Purge drops an object's payload while keeping its hash in the index
// and a tombstone record in a packfile
func (r *LocalRepo) Purge(hash objecthash.Hash) error {
	if err := r.checkWritable(); err != nil {
		return err
	}
	e, err := r.entry(hash)
	if err != nil {
		return err
	}
	if e.Info.Type == objects.TypePurged {
		return nil
	}

	info := objects.Info{Type: objects.TypePurged, Hash: hash, PayloadSize: 0}
	loc, err := r.packs.Append(info, nil)
	if err != nil {
		return err
	}
	if err := r.idx.Update(hash, index.Entry{
		Info:       info,
		Offset:     loc.Offset,
		PackedSize: 0,
		Packfile:   loc.Packfile,
	}); err != nil {
		return err
	}
	r.invalidateContained()
	return nil
}

// Stats summarizes the store contents
type Stats struct {
	Objects     int
	Commits     int
	Trees       int
	Blobs       int
	LargeBlobs  int
	Purged      int
	PayloadSize uint64
	PackedSize  uint64
}

// Stats walks the index and tallies the store
func (r *LocalRepo) Stats() Stats {
	var s Stats
	for _, e := range r.idx.Entries() {
		s.Objects++
		switch e.Info.Type {
		case objects.TypeCommit:
			s.Commits++
		case objects.TypeTree:
			s.Trees++
		case objects.TypeBlob:
			s.Blobs++
		case objects.TypeLargeBlob:
			s.LargeBlobs++
		case objects.TypePurged:
			s.Purged++
		}
		if e.Info.PayloadSize != objects.SizeUnset {
			s.PayloadSize += uint64(e.Info.PayloadSize)
		}
		s.PackedSize += uint64(e.PackedSize)
	}
	return s
}
