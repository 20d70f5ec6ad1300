// Package meta implements the repository metadata store: per-object
// reference counts, optional back-references used to accelerate diffs,
// and the named-head map. All three share one typed key-value file and
// survive crashes through atomic rewrites.
package meta

import (
	"fmt"
	"os"
	"strings"

	"github.com/WebFirstLanguage/hivefs/internal/lockorder"
	"github.com/WebFirstLanguage/hivefs/pkg/codec/kvcodec"
	"github.com/WebFirstLanguage/hivefs/pkg/objecthash"
)

// Key namespaces inside the metadata file
const (
	refcountPrefix = "refcount."
	backrefPrefix  = "backref."
	headPrefix     = "head."
)

// Store is the open metadata file. Single updates are write-through;
// bulk operations batch into one atomic rewrite.
type Store struct {
	path string
	mu   *lockorder.RWMutex
	kv   *kvcodec.Map
}

// Open loads the metadata file at path, creating an empty store if the
// file does not exist
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		mu:   lockorder.NewRWMutex(lockorder.RankMeta),
		kv:   kvcodec.New(),
	}

	blob, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	kv, err := kvcodec.Unmarshal(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	s.kv = kv
	return s, nil
}

// flush writes the table atomically via a temp file rename. Callers
// hold the write lock.
func (s *Store) flush() error {
	blob, err := s.kv.Marshal()
	if err != nil {
		return err
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, blob, 0644); err != nil {
		return fmt.Errorf("failed to write metadata temporary: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to install metadata: %w", err)
	}
	return nil
}

// RefCount returns the stored reference count for hash, zero if absent
func (s *Store) RefCount(hash objecthash.Hash) uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, err := s.kv.GetU32(refcountPrefix + hash.Hex())
	if err != nil {
		return 0
	}
	return n
}

// SetRefCount stores one reference count, write-through
func (s *Store) SetRefCount(hash objecthash.Hash, n uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n == 0 {
		s.kv.Remove(refcountPrefix + hash.Hex())
	} else {
		s.kv.PutU32(refcountPrefix+hash.Hex(), n)
	}
	return s.flush()
}

// IncRef increments a reference count and returns the new value
func (s *Store) IncRef(hash objecthash.Hash) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := refcountPrefix + hash.Hex()
	n, _ := s.kv.GetU32(key)
	n++
	s.kv.PutU32(key, n)
	if err := s.flush(); err != nil {
		return 0, err
	}
	return n, nil
}

// RefCounts returns all stored reference counts
func (s *Store) RefCounts() (map[objecthash.Hash]uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[objecthash.Hash]uint32)
	for _, key := range s.kv.Keys() {
		if !strings.HasPrefix(key, refcountPrefix) {
			continue
		}
		hash, err := objecthash.FromHex(strings.TrimPrefix(key, refcountPrefix))
		if err != nil {
			return nil, fmt.Errorf("malformed refcount key %q: %w", key, err)
		}
		n, err := s.kv.GetU32(key)
		if err != nil {
			return nil, err
		}
		out[hash] = n
	}
	return out, nil
}

// SetAllRefCounts replaces every reference count in one atomic rewrite
func (s *Store) SetAllRefCounts(counts map[objecthash.Hash]uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range s.kv.Keys() {
		if strings.HasPrefix(key, refcountPrefix) {
			s.kv.Remove(key)
		}
	}
	for hash, n := range counts {
		if n > 0 {
			s.kv.PutU32(refcountPrefix+hash.Hex(), n)
		}
	}
	return s.flush()
}

// AddBackref records that referrer (a commit or tree) references obj
func (s *Store) AddBackref(obj, referrer objecthash.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := backrefPrefix + obj.Hex()
	existing, _ := s.kv.GetStr(key)
	for _, hex := range strings.Fields(existing) {
		if hex == referrer.Hex() {
			return nil
		}
	}
	if existing == "" {
		s.kv.PutStr(key, referrer.Hex())
	} else {
		s.kv.PutStr(key, existing+" "+referrer.Hex())
	}
	return s.flush()
}

// Backrefs returns the recorded referrers of obj
func (s *Store) Backrefs(obj objecthash.Hash) ([]objecthash.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	existing, err := s.kv.GetStr(backrefPrefix + obj.Hex())
	if err != nil {
		return nil, nil
	}
	var out []objecthash.Hash
	for _, hex := range strings.Fields(existing) {
		h, err := objecthash.FromHex(hex)
		if err != nil {
			return nil, fmt.Errorf("malformed backref for %s: %w", obj.Short(), err)
		}
		out = append(out, h)
	}
	return out, nil
}

// Head returns the commit a named head points at, or the empty hash
func (s *Store) Head(name string) objecthash.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hex, err := s.kv.GetStr(headPrefix + name)
	if err != nil {
		return objecthash.Hash{}
	}
	hash, err := objecthash.FromHex(hex)
	if err != nil {
		return objecthash.Hash{}
	}
	return hash
}

// SetHead stores a named head, write-through
func (s *Store) SetHead(name string, commit objecthash.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv.PutStr(headPrefix+name, commit.Hex())
	return s.flush()
}

// RemoveHead deletes a named head
func (s *Store) RemoveHead(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv.Remove(headPrefix + name)
	return s.flush()
}

// Heads returns the whole named-head map
func (s *Store) Heads() (map[string]objecthash.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]objecthash.Hash)
	for _, key := range s.kv.Keys() {
		if !strings.HasPrefix(key, headPrefix) {
			continue
		}
		hex, err := s.kv.GetStr(key)
		if err != nil {
			return nil, err
		}
		hash, err := objecthash.FromHex(hex)
		if err != nil {
			return nil, fmt.Errorf("malformed head %q: %w", key, err)
		}
		out[strings.TrimPrefix(key, headPrefix)] = hash
	}
	return out, nil
}
