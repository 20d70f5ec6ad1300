// Package pack implements the append-only packfiles that hold object
// records. A record is an object descriptor followed by its optionally
// compressed payload. Writes are serial and crash-consistent: the
// record is written before the index learns about it, and readers
// locate records through the index alone.
package pack

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/edsrzf/mmap-go"

	"github.com/WebFirstLanguage/hivefs/internal/lockorder"
	"github.com/WebFirstLanguage/hivefs/pkg/objects"
	"github.com/WebFirstLanguage/hivefs/pkg/stream"
)

// DefaultMaxPackfileSize is the rotation threshold for the active
// packfile.
const DefaultMaxPackfileSize = 64 << 20

// ErrCorrupt is returned when a packfile record does not match what the
// index claims about it.
var ErrCorrupt = errors.New("blob store corrupt")

// Loc names the position of a record inside the packfile set.
type Loc struct {
	Packfile   uint32
	Offset     uint32
	PackedSize uint32
}

// reader caches read access to one packfile. Sealed packfiles are
// mapped; the active packfile is read through the descriptor because a
// mapping would not see appends.
type reader struct {
	f    *os.File
	m    mmap.MMap
	size int64
}

func (r *reader) close() {
	if r.m != nil {
		r.m.Unmap()
		r.m = nil
	}
	if r.f != nil {
		r.f.Close()
		r.f = nil
	}
}

// Store manages the packfile directory. One Store instance owns the
// active packfile; appends are serialized by the store lock.
type Store struct {
	dir     string
	maxSize int64

	mu      *lockorder.Mutex
	cur     *os.File
	curID   uint32
	curSize int64
	readers map[uint32]*reader
}

// Open opens the packfile directory, creating it if needed. The active
// packfile is the one with the highest id.
func Open(dir string, maxSize int64) (*Store, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxPackfileSize
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create packfile directory: %w", err)
	}

	ids, err := scanIDs(dir)
	if err != nil {
		return nil, err
	}

	s := &Store{
		dir:     dir,
		maxSize: maxSize,
		mu:      lockorder.NewMutex(lockorder.RankPack),
		readers: make(map[uint32]*reader),
	}

	if len(ids) > 0 {
		s.curID = ids[len(ids)-1]
	}
	if err := s.openCurrent(); err != nil {
		return nil, err
	}
	return s, nil
}

// scanIDs lists the packfile ids present in dir, sorted ascending
func scanIDs(dir string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan packfile directory: %w", err)
	}
	var ids []uint32
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, err := strconv.ParseUint(e.Name(), 10, 32)
		if err != nil {
			// Rewrite temporaries and strays are not packfiles
			continue
		}
		ids = append(ids, uint32(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Path returns the file path of a packfile id
func (s *Store) Path(id uint32) string {
	return filepath.Join(s.dir, strconv.FormatUint(uint64(id), 10))
}

func (s *Store) openCurrent() error {
	f, err := os.OpenFile(s.Path(s.curID), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open packfile %d: %w", s.curID, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat packfile %d: %w", s.curID, err)
	}
	s.cur = f
	s.curSize = fi.Size()
	return nil
}

// Close releases the active packfile and all cached readers
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, r := range s.readers {
		r.close()
		delete(s.readers, id)
	}
	if s.cur == nil {
		return nil
	}
	err := s.cur.Close()
	s.cur = nil
	return err
}

// Sync flushes the active packfile to disk
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	return s.cur.Sync()
}

// Append writes one record to the active packfile and returns its
// location. Rotation to a fresh packfile happens once the active one
// reaches the size threshold.
func (s *Store) Append(info objects.Info, packed []byte) (Loc, error) {
	rec, err := info.Marshal()
	if err != nil {
		return Loc{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.curSize >= s.maxSize {
		if err := s.rotate(); err != nil {
			return Loc{}, err
		}
	}

	loc := Loc{
		Packfile:   s.curID,
		Offset:     uint32(s.curSize),
		PackedSize: uint32(len(packed)),
	}

	if _, err := s.cur.Write(rec); err != nil {
		return Loc{}, fmt.Errorf("failed to append record header: %w", err)
	}
	if _, err := s.cur.Write(packed); err != nil {
		return Loc{}, fmt.Errorf("failed to append record payload: %w", err)
	}
	s.curSize += int64(len(rec) + len(packed))

	return loc, nil
}

// rotate seals the active packfile and starts the next one
func (s *Store) rotate() error {
	if err := s.cur.Sync(); err != nil {
		return fmt.Errorf("failed to sync packfile before rotation: %w", err)
	}
	if err := s.cur.Close(); err != nil {
		return err
	}
	// Drop any reader for the sealed file so the next read maps it
	if r, ok := s.readers[s.curID]; ok {
		r.close()
		delete(s.readers, s.curID)
	}
	s.curID++
	s.cur = nil
	s.curSize = 0
	return s.openCurrent()
}

// ReadRecord reads the record at loc and returns the stored descriptor
// and the packed payload bytes. The descriptor must describe the hash
// the index claims lives there; a mismatch marks the store corrupt.
func (s *Store) ReadRecord(loc Loc) (objects.Info, []byte, error) {
	buf := make([]byte, objects.InfoSize+int(loc.PackedSize))
	if err := s.readAt(loc.Packfile, int64(loc.Offset), buf); err != nil {
		return objects.Info{}, nil, err
	}

	info, err := objects.UnmarshalInfo(buf[:objects.InfoSize])
	if err != nil {
		return objects.Info{}, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return info, buf[objects.InfoSize:], nil
}

// readAt fills buf from the given packfile offset
func (s *Store) readAt(id uint32, off int64, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == s.curID {
		// The active packfile is read through the descriptor
		f, err := os.Open(s.Path(id))
		if err != nil {
			return fmt.Errorf("failed to open packfile %d: %w", id, err)
		}
		defer f.Close()
		if _, err := f.ReadAt(buf, off); err != nil {
			return fmt.Errorf("failed to read packfile %d at %d: %w", id, off, err)
		}
		return nil
	}

	r, err := s.sealedReader(id)
	if err != nil {
		return err
	}
	if off+int64(len(buf)) > r.size {
		return fmt.Errorf("%w: read past end of packfile %d", ErrCorrupt, id)
	}
	copy(buf, r.m[off:off+int64(len(buf))])
	return nil
}

// sealedReader returns the cached mapping for a sealed packfile
func (s *Store) sealedReader(id uint32) (*reader, error) {
	if r, ok := s.readers[id]; ok {
		return r, nil
	}

	f, err := os.Open(s.Path(id))
	if err != nil {
		return nil, fmt.Errorf("failed to open packfile %d: %w", id, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat packfile %d: %w", id, err)
	}

	r := &reader{f: f, size: fi.Size()}
	if fi.Size() > 0 {
		m, err := mmap.Map(f, mmap.RDONLY, 0)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to map packfile %d: %w", id, err)
		}
		r.m = m
	}
	s.readers[id] = r
	return r, nil
}

// KeepFunc decides whether a record survives a packfile rewrite.
type KeepFunc func(info objects.Info) bool

// RelocateFunc learns the new location of each surviving record.
type RelocateFunc func(info objects.Info, loc Loc) error

// SizeFunc recovers the packed length of a record from its descriptor.
// Records do not carry a packed-size field on disk; the index holds it,
// so rewrites consult the index through this oracle.
type SizeFunc func(info objects.Info) (int, bool)

// Rewrite compacts one packfile: surviving records are copied to a
// temporary sibling which is renamed over the original. The relocate
// callback reports each record's new offset so the index can follow.
func (s *Store) Rewrite(id uint32, sizeOf SizeFunc, keep KeepFunc, relocate RelocateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == s.curID && s.cur != nil {
		if err := s.cur.Sync(); err != nil {
			return err
		}
	}

	path := s.Path(id)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read packfile %d for rewrite: %w", id, err)
	}

	tmpPath := path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create rewrite temporary: %w", err)
	}

	var written int64
	off := 0
	for off < len(data) {
		if len(data)-off < objects.InfoSize {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("%w: truncated record header in packfile %d", ErrCorrupt, id)
		}
		info, err := objects.UnmarshalInfo(data[off : off+objects.InfoSize])
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		packedSize, err := recordPackedSize(info, sizeOf)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		recEnd := off + objects.InfoSize + packedSize
		if recEnd > len(data) {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("%w: truncated record payload in packfile %d", ErrCorrupt, id)
		}

		if keep == nil || keep(info) {
			newLoc := Loc{
				Packfile:   id,
				Offset:     uint32(written),
				PackedSize: uint32(packedSize),
			}
			if _, err := tmp.Write(data[off:recEnd]); err != nil {
				tmp.Close()
				os.Remove(tmpPath)
				return fmt.Errorf("failed to write rewrite temporary: %w", err)
			}
			written += int64(recEnd - off)
			if relocate != nil {
				if err := relocate(info, newLoc); err != nil {
					tmp.Close()
					os.Remove(tmpPath)
					return err
				}
			}
		}
		off = recEnd
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync rewrite temporary: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if r, ok := s.readers[id]; ok {
		r.close()
		delete(s.readers, id)
	}
	if id == s.curID && s.cur != nil {
		s.cur.Close()
		s.cur = nil
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to install rewritten packfile: %w", err)
	}

	if id == s.curID {
		if err := s.openCurrent(); err != nil {
			return err
		}
	}
	return nil
}

// recordPackedSize recovers a record's payload length during rewrite
func recordPackedSize(info objects.Info, sizeOf SizeFunc) (int, error) {
	if sizeOf != nil {
		if n, ok := sizeOf(info); ok {
			return n, nil
		}
	}
	if info.Compression() == stream.CompNone && info.PayloadSize != objects.SizeUnset {
		return int(info.PayloadSize), nil
	}
	return 0, fmt.Errorf("%w: cannot determine record size for %s", ErrCorrupt, info.Hash.Short())
}

// IDs returns the packfile ids currently on disk, sorted ascending
func (s *Store) IDs() ([]uint32, error) {
	return scanIDs(s.dir)
}

// ActiveID returns the id of the packfile currently receiving appends
func (s *Store) ActiveID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curID
}
