// Package index implements the on-disk object index: a single file per
// repository mapping content hashes to packfile locations. Records are
// fixed size with a checksum trailer; the whole file is loaded into an
// in-memory table at open and appended to on every new object.
package index

import (
	"crypto/md5"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/WebFirstLanguage/hivefs/internal/lockorder"
	"github.com/WebFirstLanguage/hivefs/pkg/objecthash"
	"github.com/WebFirstLanguage/hivefs/pkg/objects"
)

const (
	// entryFixedSize is the checksummed portion of a record: object
	// info plus the packfile location fields
	entryFixedSize = objects.InfoSize + 4 + 4 + 4

	// checksumSize is the width of the MD5 trailer
	checksumSize = md5.Size

	// RecordSize is the total on-disk record width
	RecordSize = entryFixedSize + checksumSize
)

var (
	// ErrDirty is returned when the index length is not a whole number
	// of records, typically after a crash mid-append
	ErrDirty = errors.New("index dirty")

	// ErrCorrupt is returned when a record fails its checksum
	ErrCorrupt = errors.New("index corrupt")

	// ErrNotFound is returned for lookups of unknown hashes
	ErrNotFound = errors.New("hash not in index")
)

// Entry locates one object inside the packfile set.
type Entry struct {
	Info       objects.Info
	Offset     uint32
	PackedSize uint32
	Packfile   uint32
}

// marshal produces the checksummed on-disk record
func (e Entry) marshal() ([]byte, error) {
	info, err := e.Info.Marshal()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, RecordSize)
	buf = append(buf, info...)
	buf = append(buf,
		byte(e.Offset>>24), byte(e.Offset>>16), byte(e.Offset>>8), byte(e.Offset))
	buf = append(buf,
		byte(e.PackedSize>>24), byte(e.PackedSize>>16), byte(e.PackedSize>>8), byte(e.PackedSize))
	buf = append(buf,
		byte(e.Packfile>>24), byte(e.Packfile>>16), byte(e.Packfile>>8), byte(e.Packfile))

	sum := md5.Sum(buf)
	buf = append(buf, sum[:]...)
	return buf, nil
}

// unmarshalEntry parses and checks one on-disk record
func unmarshalEntry(rec []byte) (Entry, error) {
	if len(rec) != RecordSize {
		return Entry{}, fmt.Errorf("%w: record size %d", ErrCorrupt, len(rec))
	}

	sum := md5.Sum(rec[:entryFixedSize])
	if string(sum[:]) != string(rec[entryFixedSize:]) {
		return Entry{}, fmt.Errorf("%w: record checksum mismatch", ErrCorrupt)
	}

	info, err := objects.UnmarshalInfo(rec[:objects.InfoSize])
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	p := objects.InfoSize
	u32 := func() uint32 {
		v := uint32(rec[p])<<24 | uint32(rec[p+1])<<16 | uint32(rec[p+2])<<8 | uint32(rec[p+3])
		p += 4
		return v
	}
	return Entry{Info: info, Offset: u32(), PackedSize: u32(), Packfile: u32()}, nil
}

// Index is the open object index. Reads take the shared lock; mutation
// happens under the repository's exclusive lock and the internal write
// lock.
type Index struct {
	path    string
	f       *os.File
	mu      *lockorder.RWMutex
	entries map[objecthash.Hash]Entry
}

// Open loads the index at path, creating it if absent
func Open(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}

	if len(data)%RecordSize != 0 {
		return nil, fmt.Errorf("%w: length %d is not a whole number of records", ErrDirty, len(data))
	}

	entries := make(map[objecthash.Hash]Entry, len(data)/RecordSize)
	for off := 0; off < len(data); off += RecordSize {
		entry, err := unmarshalEntry(data[off : off+RecordSize])
		if err != nil {
			return nil, err
		}
		entries[entry.Info.Hash] = entry
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open index for append: %w", err)
	}

	// A leftover rewrite temp means a previous rewrite did not finish
	os.Remove(path + ".tmp")

	return &Index{
		path:    path,
		f:       f,
		mu:      lockorder.NewRWMutex(lockorder.RankIndex),
		entries: entries,
	}, nil
}

// Close syncs and closes the append handle
func (idx *Index) Close() error {
	if idx.f == nil {
		return nil
	}
	if err := idx.f.Sync(); err != nil {
		idx.f.Close()
		idx.f = nil
		return fmt.Errorf("failed to sync index: %w", err)
	}
	err := idx.f.Close()
	idx.f = nil
	return err
}

// Sync flushes appended records to disk
func (idx *Index) Sync() error {
	return idx.f.Sync()
}

// Len returns the number of indexed objects
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Has reports whether the hash is indexed
func (idx *Index) Has(hash objecthash.Hash) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.entries[hash]
	return ok
}

// Get looks up the entry for a hash
func (idx *Index) Get(hash objecthash.Hash) (Entry, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	entry, ok := idx.entries[hash]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, hash.Short())
	}
	return entry, nil
}

// GetInfo looks up only the object descriptor for a hash
func (idx *Index) GetInfo(hash objecthash.Hash) (objects.Info, error) {
	entry, err := idx.Get(hash)
	if err != nil {
		return objects.Info{}, err
	}
	return entry.Info, nil
}

// Update appends an entry record and installs it in the table. A
// duplicate update is logged but accepted; the newest record wins.
func (idx *Index) Update(hash objecthash.Hash, entry Entry) error {
	if hash.IsEmpty() {
		return fmt.Errorf("cannot index the empty hash")
	}

	rec, err := entry.marshal()
	if err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, err := idx.f.Write(rec); err != nil {
		return fmt.Errorf("failed to append index record: %w", err)
	}
	if _, dup := idx.entries[hash]; dup {
		log.Printf("index: duplicate update for %s", hash.Short())
	}
	idx.entries[hash] = entry
	return nil
}

// Remove drops an entry from the in-memory table. The on-disk file
// still holds the stale record until the next Rewrite.
func (idx *Index) Remove(hash objecthash.Hash) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.entries, hash)
}

// List returns the descriptors of every indexed object, sorted
func (idx *Index) List() []objects.Info {
	idx.mu.RLock()
	infos := make([]objects.Info, 0, len(idx.entries))
	for _, entry := range idx.entries {
		infos = append(infos, entry.Info)
	}
	idx.mu.RUnlock()

	sortInfos(infos)
	return infos
}

// Entries returns a snapshot of every index entry
func (idx *Index) Entries() map[objecthash.Hash]Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make(map[objecthash.Hash]Entry, len(idx.entries))
	for h, e := range idx.entries {
		out[h] = e
	}
	return out
}

// Rewrite produces the canonical single-record-per-object form by
// writing the table to a temp file and renaming it into place.
func (idx *Index) Rewrite() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	tmpPath := idx.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temporary index: %w", err)
	}

	for _, entry := range idx.entries {
		rec, err := entry.marshal()
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		if _, err := tmp.Write(rec); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("failed to write temporary index: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temporary index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, idx.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to install rewritten index: %w", err)
	}

	// Reopen the append handle on the new file
	idx.f.Close()
	f, err := os.OpenFile(idx.path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen index: %w", err)
	}
	idx.f = f
	return nil
}

// sortInfos orders descriptors by hash then type
func sortInfos(infos []objects.Info) {
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Less(infos[j])
	})
}
