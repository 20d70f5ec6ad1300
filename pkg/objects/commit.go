package objects

import (
	"bytes"
	"fmt"

	"github.com/WebFirstLanguage/hivefs/pkg/objecthash"
	"github.com/WebFirstLanguage/hivefs/pkg/stream"
)

// Commit is an immutable snapshot of a tree with zero, one or two
// parent commits. An empty parent set identifies the root commit. The
// graft fields record provenance when a subtree was imported from
// another repository; they are either all empty or all populated.
type Commit struct {
	Tree         objecthash.Hash
	Parents      [2]objecthash.Hash
	User         string
	Time         uint64 // seconds since the Unix epoch
	SnapshotName string

	GraftRepo   string
	GraftPath   string
	GraftCommit objecthash.Hash

	Message string
}

// NumParents returns how many parents the commit has
func (c *Commit) NumParents() int {
	if !c.Parents[1].IsEmpty() {
		return 2
	}
	if !c.Parents[0].IsEmpty() {
		return 1
	}
	return 0
}

// IsRoot reports whether this is the root commit
func (c *Commit) IsRoot() bool {
	return c.NumParents() == 0
}

// HasGraft reports whether the graft provenance fields are populated
func (c *Commit) HasGraft() bool {
	return c.GraftRepo != ""
}

// SetGraft records the origin of an imported subtree
func (c *Commit) SetGraft(repo, path string, commit objecthash.Hash) error {
	if repo == "" || path == "" || commit.IsEmpty() {
		return fmt.Errorf("graft fields must all be populated")
	}
	c.GraftRepo = repo
	c.GraftPath = path
	c.GraftCommit = commit
	return nil
}

// Marshal produces the canonical serialized form of the commit
func (c *Commit) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	w := stream.NewWriter(&buf)

	if err := w.WriteHash(c.Tree); err != nil {
		return nil, err
	}

	switch c.NumParents() {
	case 2:
		if err := w.WriteUInt8(2); err != nil {
			return nil, err
		}
		if err := w.WriteHash(c.Parents[0]); err != nil {
			return nil, err
		}
		if err := w.WriteHash(c.Parents[1]); err != nil {
			return nil, err
		}
	case 1:
		if err := w.WriteUInt8(1); err != nil {
			return nil, err
		}
		if err := w.WriteHash(c.Parents[0]); err != nil {
			return nil, err
		}
	default:
		if err := w.WriteUInt8(0); err != nil {
			return nil, err
		}
	}

	if err := w.WritePStr(c.User); err != nil {
		return nil, err
	}
	if err := w.WriteUInt64(c.Time); err != nil {
		return nil, err
	}
	if err := w.WritePStr(c.SnapshotName); err != nil {
		return nil, err
	}

	if c.HasGraft() {
		if c.GraftPath == "" || c.GraftCommit.IsEmpty() {
			return nil, fmt.Errorf("%w: partially populated graft", ErrMalformedObject)
		}
		if err := w.WriteUInt8(1); err != nil {
			return nil, err
		}
		if err := w.WritePStr(c.GraftRepo); err != nil {
			return nil, err
		}
		if err := w.WritePStr(c.GraftPath); err != nil {
			return nil, err
		}
		if err := w.WriteHash(c.GraftCommit); err != nil {
			return nil, err
		}
	} else {
		if err := w.WriteUInt8(0); err != nil {
			return nil, err
		}
	}

	if err := w.WritePStr(c.Message); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// UnmarshalCommit parses a canonical commit blob
func UnmarshalCommit(blob []byte) (*Commit, error) {
	r := stream.NewReader(stream.NewMemSource(blob))
	c := &Commit{}
	var err error

	if c.Tree, err = r.ReadHash(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedObject, err)
	}

	numParents, err := r.ReadUInt8()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedObject, err)
	}
	switch numParents {
	case 2:
		if c.Parents[0], err = r.ReadHash(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedObject, err)
		}
		if c.Parents[1], err = r.ReadHash(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedObject, err)
		}
	case 1:
		if c.Parents[0], err = r.ReadHash(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedObject, err)
		}
	case 0:
	default:
		return nil, fmt.Errorf("%w: commit with %d parents", ErrMalformedObject, numParents)
	}

	if c.User, err = r.ReadPStr(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedObject, err)
	}
	if c.Time, err = r.ReadUInt64(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedObject, err)
	}
	if c.SnapshotName, err = r.ReadPStr(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedObject, err)
	}

	hasGraft, err := r.ReadUInt8()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedObject, err)
	}
	if hasGraft > 0 {
		if c.GraftRepo, err = r.ReadPStr(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedObject, err)
		}
		if c.GraftPath, err = r.ReadPStr(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedObject, err)
		}
		if c.GraftCommit, err = r.ReadHash(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedObject, err)
		}
		if c.GraftRepo == "" || c.GraftPath == "" || c.GraftCommit.IsEmpty() {
			return nil, fmt.Errorf("%w: partially populated graft", ErrMalformedObject)
		}
	}

	if c.Message, err = r.ReadPStr(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedObject, err)
	}

	return c, nil
}

// Hash computes the content hash of the canonical serialized form
func (c *Commit) Hash() (objecthash.Hash, error) {
	blob, err := c.Marshal()
	if err != nil {
		return objecthash.Hash{}, err
	}
	return objecthash.Sum(blob), nil
}
