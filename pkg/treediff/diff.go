// Package treediff implements structural diffs between flattened
// directory trees and the fold that combines two diffs against a common
// base into a merged change set. Conflicting changes are not errors:
// they surface as entries in the resulting diff.
package treediff

import (
	"fmt"

	"github.com/WebFirstLanguage/hivefs/pkg/objecthash"
	"github.com/WebFirstLanguage/hivefs/pkg/objects"
)

// DiffType classifies one entry of a tree diff.
type DiffType byte

const (
	Noop            DiffType = '-'
	NewFile         DiffType = 'A'
	NewDir          DiffType = 'n'
	DeletedFile     DiffType = 'D'
	DeletedDir      DiffType = 'd'
	Modified        DiffType = 'm'
	Renamed         DiffType = 'r'
	MergeConflict   DiffType = 'C'
	FileDirConflict DiffType = 'F'
)

// String returns a short mnemonic for logs and status output
func (t DiffType) String() string {
	switch t {
	case Noop:
		return "noop"
	case NewFile:
		return "newfile"
	case NewDir:
		return "newdir"
	case DeletedFile:
		return "rm"
	case DeletedDir:
		return "rmdir"
	case Modified:
		return "modified"
	case Renamed:
		return "renamed"
	case MergeConflict:
		return "mergeconflict"
	case FileDirConflict:
		return "filedirconflict"
	default:
		return fmt.Sprintf("difftype(%c)", byte(t))
	}
}

// HashPair carries a file's content hash and, for chunked files, the
// hash of its large-blob descriptor.
type HashPair struct {
	Hash      objecthash.Hash
	LargeHash objecthash.Hash
}

// IsEmpty reports whether both hashes are unset
func (p HashPair) IsEmpty() bool {
	return p.Hash.IsEmpty() && p.LargeHash.IsEmpty()
}

// Entry is one element of a tree diff. For ordinary changes Hashes
// holds the new content; for conflicts the three sides are carried in
// HashA, HashB and HashBase with their attribute maps.
type Entry struct {
	Type    DiffType
	Path    string
	NewPath string // rename target

	Hashes   HashPair
	NewAttrs objects.AttrMap

	HashA    HashPair
	HashB    HashPair
	HashBase HashPair

	AttrsA    objects.AttrMap
	AttrsB    objects.AttrMap
	AttrsBase objects.AttrMap
}

// Diff is an ordered sequence of entries plus an index of the most
// recent entry per path, so repeated mutations of the same path can be
// folded in place.
type Diff struct {
	Entries []Entry

	latest map[string]int
}

// New creates an empty diff
func New() *Diff {
	return &Diff{latest: make(map[string]int)}
}

// Append adds an entry at the end of the sequence
func (d *Diff) Append(e Entry) {
	if e.Path == "" || e.Type == Noop {
		panic("treediff: appending an empty or noop entry")
	}
	if d.latest == nil {
		d.latest = make(map[string]int)
	}
	d.Entries = append(d.Entries, e)
	d.latest[e.Path] = len(d.Entries) - 1
}

// Latest returns the most recent live entry for path, or nil
func (d *Diff) Latest(path string) *Entry {
	i, ok := d.latest[path]
	if !ok {
		return nil
	}
	return &d.Entries[i]
}

// resetLatest re-derives the latest index for path after an entry was
// cancelled in place
func (d *Diff) resetLatest(path string) {
	delete(d.latest, path)
	for i := range d.Entries {
		if d.Entries[i].Path == path && d.Entries[i].Type != Noop {
			d.latest[path] = i
		}
	}
}

// DiffTrees computes the changes that turn base into next. Both trees
// are flattened maps from absolute repository path to entry.
func DiffTrees(next, base objects.FlatTree) *Diff {
	d := New()

	for _, path := range next.SortedPaths() {
		entry := next[path]
		baseEntry, inBase := base[path]

		if !inBase {
			// New file or directory
			e := Entry{Path: path}
			if entry.Type == objects.EntryTree {
				e.Type = NewDir
			} else {
				e.Type = NewFile
				e.HashBase = HashPair{Hash: objecthash.EmptyFile}
			}
			e.Hashes = HashPair{Hash: entry.Hash, LargeHash: entry.LargeHash}
			e.NewAttrs = entry.Attrs
			d.Append(e)
			continue
		}

		switch {
		case entry.Type != objects.EntryTree && baseEntry.Type == objects.EntryTree:
			// Directory replaced by a file
			d.Append(Entry{Path: path, Type: DeletedDir})
			d.Append(Entry{
				Path:     path,
				Type:     NewFile,
				Hashes:   HashPair{Hash: entry.Hash, LargeHash: entry.LargeHash},
				NewAttrs: entry.Attrs,
			})
		case entry.Type == objects.EntryTree && baseEntry.Type != objects.EntryTree:
			// File replaced by a directory
			d.Append(Entry{Path: path, Type: DeletedFile})
			d.Append(Entry{
				Path:     path,
				Type:     NewDir,
				Hashes:   HashPair{Hash: entry.Hash, LargeHash: entry.LargeHash},
				NewAttrs: entry.Attrs,
			})
		case entry.Type != objects.EntryTree && entry.Hash != baseEntry.Hash:
			d.Append(Entry{
				Path:      path,
				Type:      Modified,
				Hashes:    HashPair{Hash: entry.Hash, LargeHash: entry.LargeHash},
				HashBase:  HashPair{Hash: baseEntry.Hash, LargeHash: baseEntry.LargeHash},
				NewAttrs:  entry.Attrs,
				AttrsBase: baseEntry.Attrs,
			})
		}
	}

	for _, path := range base.SortedPaths() {
		if _, stillThere := next[path]; stillThere {
			continue
		}
		e := Entry{Path: path}
		if base[path].Type == objects.EntryTree {
			e.Type = DeletedDir
		} else {
			e.Type = DeletedFile
		}
		d.Append(e)
	}

	return d
}

// MergeInto folds one incoming mutation into the diff: depending on
// what the path already carries, the entry is appended, merged into the
// previous entry, or cancels it. The return value reports whether the
// caller must materialize the change immediately (new directories).
func (d *Diff) MergeInto(e Entry) (bool, error) {
	if e.Type == Noop || e.Path == "" {
		return false, fmt.Errorf("cannot merge an empty diff entry")
	}

	if e.Type == Renamed {
		if dest := d.Latest(e.NewPath); dest != nil &&
			dest.Type != DeletedFile && dest.Type != DeletedDir {
			return false, fmt.Errorf("rename target %q already carries changes", e.NewPath)
		}
		d.Append(e)
		return true, nil
	}

	prev := d.Latest(e.Path)
	if prev == nil {
		d.Append(e)
		return e.Type == NewDir, nil
	}

	switch {
	case (prev.Type == NewFile || prev.Type == Modified) && e.Type == Modified:
		prev.Hashes = e.Hashes
		if prev.NewAttrs == nil {
			prev.NewAttrs = make(objects.AttrMap)
		}
		prev.NewAttrs.MergeFrom(e.NewAttrs)
		return false, nil

	case (prev.Type == NewFile && e.Type == DeletedFile) ||
		(prev.Type == NewDir && e.Type == DeletedDir):
		// A creation followed by a deletion cancels out
		prev.Type = Noop
		d.resetLatest(e.Path)
		return false, nil

	case prev.Type == Modified && e.Type == DeletedFile:
		prev.Type = DeletedFile
		return false, nil

	case prev.Type == Modified && e.Type == DeletedDir:
		prev.Type = DeletedDir
		return false, nil

	case (prev.Type == DeletedFile && e.Type == NewDir) ||
		(prev.Type == DeletedDir && e.Type == NewFile):
		// Replacement across the file/dir boundary keeps both entries
		d.Append(e)
		return true, nil

	case (prev.Type == DeletedFile && e.Type == NewFile) ||
		(prev.Type == DeletedDir && e.Type == NewDir):
		prev.Type = Modified
		prev.Hashes = e.Hashes
		if prev.NewAttrs == nil {
			prev.NewAttrs = make(objects.AttrMap)
		}
		prev.NewAttrs.MergeFrom(e.NewAttrs)
		return true, nil

	default:
		return false, fmt.Errorf("cannot fold %s over %s for %q", e.Type, prev.Type, e.Path)
	}
}

// ApplyTo replays the diff onto a flat tree, mutating it in place.
// Conflict entries cannot be applied; resolve them first.
func (d *Diff) ApplyTo(flat objects.FlatTree) error {
	for i := range d.Entries {
		e := &d.Entries[i]
		switch e.Type {
		case Noop:

		case NewFile:
			te := objects.NewFileEntry(e.Hashes.Hash, e.Hashes.LargeHash)
			te.Attrs.MergeFrom(e.NewAttrs)
			flat[e.Path] = te

		case NewDir:
			te := objects.TreeEntry{Type: objects.EntryTree, Hash: e.Hashes.Hash, Attrs: make(objects.AttrMap)}
			te.Attrs.MergeFrom(e.NewAttrs)
			flat[e.Path] = te

		case DeletedFile, DeletedDir:
			delete(flat, e.Path)

		case Modified:
			te, ok := flat[e.Path]
			if !ok {
				return fmt.Errorf("modified path %q is absent from the tree", e.Path)
			}
			te = te.Clone()
			te.Hash = e.Hashes.Hash
			te.LargeHash = e.Hashes.LargeHash
			if te.LargeHash.IsEmpty() {
				te.Type = objects.EntryBlob
			} else {
				te.Type = objects.EntryLargeBlob
			}
			te.Attrs.MergeFrom(e.NewAttrs)
			flat[e.Path] = te

		case Renamed:
			te, ok := flat[e.Path]
			if !ok {
				return fmt.Errorf("renamed path %q is absent from the tree", e.Path)
			}
			delete(flat, e.Path)
			te = te.Clone()
			te.Attrs.MergeFrom(e.NewAttrs)
			flat[e.NewPath] = te

		case MergeConflict, FileDirConflict:
			return fmt.Errorf("cannot apply unresolved %s at %q", e.Type, e.Path)

		default:
			return fmt.Errorf("cannot apply diff entry type %s", e.Type)
		}
	}
	return nil
}
