package objects

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"

	"github.com/WebFirstLanguage/hivefs/pkg/objecthash"
	"github.com/WebFirstLanguage/hivefs/pkg/stream"
)

// Recognized attribute keys. Values are strings; the typed accessors
// below parse the numeric ones.
const (
	AttrSize  = "size"  // decimal unsigned file size
	AttrPerms = "perms" // octal mode, non-type bits only
	AttrUser  = "user"
	AttrGroup = "group"
	AttrCtime = "ctime"
	AttrMtime = "mtime"
)

// PermBits masks a file mode down to the bits an AttrMap records
const PermBits = 0o7777

// basicAttrs are the attributes every tree entry must carry
var basicAttrs = []string{AttrSize, AttrPerms, AttrUser, AttrGroup, AttrCtime, AttrMtime}

// AttrMap carries the file metadata attached to a tree entry.
type AttrMap map[string]string

// Has reports whether the attribute is present
func (a AttrMap) Has(name string) bool {
	_, ok := a[name]
	return ok
}

// GetUint parses a decimal unsigned attribute
func (a AttrMap) GetUint(name string) (uint64, error) {
	v, ok := a[name]
	if !ok {
		return 0, fmt.Errorf("attribute %q not set", name)
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("attribute %q is not a decimal uint: %w", name, err)
	}
	return n, nil
}

// SetUint stores a decimal unsigned attribute
func (a AttrMap) SetUint(name string, v uint64) {
	a[name] = strconv.FormatUint(v, 10)
}

// GetPerms parses the octal perms attribute
func (a AttrMap) GetPerms() (uint32, error) {
	v, ok := a[AttrPerms]
	if !ok {
		return 0, fmt.Errorf("attribute %q not set", AttrPerms)
	}
	n, err := strconv.ParseUint(v, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("attribute %q is not an octal mode: %w", AttrPerms, err)
	}
	return uint32(n) & PermBits, nil
}

// SetPerms stores the octal perms attribute, masked to non-type bits
func (a AttrMap) SetPerms(mode uint32) {
	a[AttrPerms] = strconv.FormatUint(uint64(mode&PermBits), 8)
}

// MergeFrom overwrites attributes with those set in other
func (a AttrMap) MergeFrom(other AttrMap) {
	for k, v := range other {
		a[k] = v
	}
}

// Clone returns an independent copy
func (a AttrMap) Clone() AttrMap {
	out := make(AttrMap, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Equal reports whether two attribute maps hold the same entries
func (a AttrMap) Equal(other AttrMap) bool {
	if len(a) != len(other) {
		return false
	}
	for k, v := range a {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// HasBasicAttrs reports whether all required attributes are present
func (a AttrMap) HasBasicAttrs() bool {
	for _, name := range basicAttrs {
		if !a.Has(name) {
			return false
		}
	}
	return true
}

// EntryType identifies the kind of a tree entry.
type EntryType uint8

const (
	EntryNull EntryType = iota
	EntryTree
	EntryBlob
	EntryLargeBlob
)

// tag returns the serialized four-byte kind of the entry type
func (t EntryType) tag() string {
	switch t {
	case EntryTree:
		return "tree"
	case EntryBlob:
		return "blob"
	case EntryLargeBlob:
		return "lgbl"
	default:
		return ""
	}
}

func entryTypeFromTag(tag string) EntryType {
	switch tag {
	case "tree":
		return EntryTree
	case "blob":
		return EntryBlob
	case "lgbl":
		return EntryLargeBlob
	default:
		return EntryNull
	}
}

// TreeEntry describes one name inside a directory tree. For blobs Hash
// names the content; for large blobs Hash names the original content
// and LargeHash names the descriptor object; for subdirectories Hash
// names another Tree object.
type TreeEntry struct {
	Type      EntryType
	Hash      objecthash.Hash
	LargeHash objecthash.Hash
	Attrs     AttrMap
}

// NewFileEntry builds a file entry. A non-empty largeHash marks the
// entry as a large blob.
func NewFileEntry(hash, largeHash objecthash.Hash) TreeEntry {
	typ := EntryBlob
	if !largeHash.IsEmpty() {
		typ = EntryLargeBlob
	}
	return TreeEntry{Type: typ, Hash: hash, LargeHash: largeHash, Attrs: make(AttrMap)}
}

// IsTree reports whether the entry names a subdirectory
func (e TreeEntry) IsTree() bool {
	return e.Type == EntryTree
}

// Clone returns an independent copy of the entry
func (e TreeEntry) Clone() TreeEntry {
	out := e
	out.Attrs = e.Attrs.Clone()
	return out
}

// Tree is a directory manifest: an ordered map from entry name (one
// path segment) to TreeEntry. Serialization is deterministic; entries
// are written in lexicographic name order.
type Tree struct {
	Entries map[string]TreeEntry
}

// NewTree creates an empty tree
func NewTree() *Tree {
	return &Tree{Entries: make(map[string]TreeEntry)}
}

// sortedNames returns the entry names in serialization order
func (t *Tree) sortedNames() []string {
	names := make([]string, 0, len(t.Entries))
	for name := range t.Entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Marshal produces the canonical serialized form of the tree
func (t *Tree) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	w := stream.NewWriter(&buf)
	w.EnableTypes()

	if err := w.WriteUInt64(uint64(len(t.Entries))); err != nil {
		return nil, err
	}

	for _, name := range t.sortedNames() {
		e := t.Entries[name]
		tag := e.Type.tag()
		if tag == "" {
			return nil, fmt.Errorf("%w: tree entry %q has no type", ErrMalformedObject, name)
		}
		if _, err := w.Write([]byte(tag)); err != nil {
			return nil, err
		}
		if err := w.WriteHash(e.Hash); err != nil {
			return nil, err
		}
		if e.Type == EntryLargeBlob {
			if err := w.WriteHash(e.LargeHash); err != nil {
				return nil, err
			}
		}
		if err := w.WritePStr(name); err != nil {
			return nil, err
		}

		attrNames := make([]string, 0, len(e.Attrs))
		for k := range e.Attrs {
			attrNames = append(attrNames, k)
		}
		sort.Strings(attrNames)

		if err := w.WriteUInt32(uint32(len(attrNames))); err != nil {
			return nil, err
		}
		for _, k := range attrNames {
			if err := w.WritePStr(k); err != nil {
				return nil, err
			}
			if err := w.WritePStr(e.Attrs[k]); err != nil {
				return nil, err
			}
		}
	}

	return buf.Bytes(), nil
}

// UnmarshalTree parses a canonical tree blob
func UnmarshalTree(blob []byte) (*Tree, error) {
	r := stream.NewReader(stream.NewMemSource(blob))
	r.EnableTypes()

	count, err := r.ReadUInt64()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedObject, err)
	}

	t := NewTree()
	for i := uint64(0); i < count; i++ {
		var kind [typeTagSize]byte
		if err := r.ReadExact(kind[:]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedObject, err)
		}

		var e TreeEntry
		e.Type = entryTypeFromTag(string(kind[:]))
		if e.Type == EntryNull {
			return nil, fmt.Errorf("%w: unknown entry kind %q", ErrMalformedObject, kind[:])
		}

		if e.Hash, err = r.ReadHash(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedObject, err)
		}
		if e.Type == EntryLargeBlob {
			if e.LargeHash, err = r.ReadHash(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedObject, err)
			}
		}

		name, err := r.ReadPStr()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedObject, err)
		}

		attrCount, err := r.ReadUInt32()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedObject, err)
		}
		e.Attrs = make(AttrMap, attrCount)
		for j := uint32(0); j < attrCount; j++ {
			k, err := r.ReadPStr()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedObject, err)
			}
			v, err := r.ReadPStr()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedObject, err)
			}
			e.Attrs[k] = v
		}

		t.Entries[name] = e
	}

	return t, nil
}

// Hash computes the content hash of the canonical serialized form
func (t *Tree) Hash() (objecthash.Hash, error) {
	blob, err := t.Marshal()
	if err != nil {
		return objecthash.Hash{}, err
	}
	return objecthash.Sum(blob), nil
}

// FlatTree maps absolute repository paths (leading slash, "/" separated)
// to entries. It is the form tree diff and merge operate on.
type FlatTree map[string]TreeEntry

// Clone returns an independent copy of the flat tree
func (f FlatTree) Clone() FlatTree {
	out := make(FlatTree, len(f))
	for k, v := range f {
		out[k] = v.Clone()
	}
	return out
}

// SortedPaths returns the paths in lexicographic order
func (f FlatTree) SortedPaths() []string {
	paths := make([]string, 0, len(f))
	for p := range f {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
