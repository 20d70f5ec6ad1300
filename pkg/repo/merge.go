package repo

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/WebFirstLanguage/hivefs/pkg/objecthash"
	"github.com/WebFirstLanguage/hivefs/pkg/objects"
	"github.com/WebFirstLanguage/hivefs/pkg/treediff"
)

// CommonAncestor finds the lowest common ancestor of two commits by
// breadth-first search upward through both parent chains in parallel
// until the frontiers intersect.
func (r *LocalRepo) CommonAncestor(c1, c2 objecthash.Hash) (objecthash.Hash, error) {
	if c1.IsEmpty() || c2.IsEmpty() {
		return objecthash.Hash{}, fmt.Errorf("%w: empty commit", ErrInvalidArgs)
	}
	if c1 == c2 {
		return c1, nil
	}

	seen1 := map[objecthash.Hash]struct{}{c1: {}}
	seen2 := map[objecthash.Hash]struct{}{c2: {}}
	frontier1 := []objecthash.Hash{c1}
	frontier2 := []objecthash.Hash{c2}

	step := func(frontier []objecthash.Hash, seen, other map[objecthash.Hash]struct{}) ([]objecthash.Hash, objecthash.Hash, error) {
		var next []objecthash.Hash
		for _, h := range frontier {
			c, err := r.GetCommit(h)
			if err != nil {
				return nil, objecthash.Hash{}, err
			}
			for _, p := range c.Parents {
				if p.IsEmpty() {
					continue
				}
				if _, ok := other[p]; ok {
					return nil, p, nil
				}
				if _, ok := seen[p]; ok {
					continue
				}
				seen[p] = struct{}{}
				next = append(next, p)
			}
		}
		return next, objecthash.Hash{}, nil
	}

	for len(frontier1) > 0 || len(frontier2) > 0 {
		var hit objecthash.Hash
		var err error
		frontier1, hit, err = step(frontier1, seen1, seen2)
		if err != nil {
			return objecthash.Hash{}, err
		}
		if !hit.IsEmpty() {
			return hit, nil
		}
		frontier2, hit, err = step(frontier2, seen2, seen1)
		if err != nil {
			return objecthash.Hash{}, err
		}
		if !hit.IsEmpty() {
			return hit, nil
		}
	}
	return objecthash.Hash{}, ErrNoCommonAncestor
}

// MergeResult reports what a merge produced: the merged tree and
// commit, plus any conflicts that could not be resolved automatically.
type MergeResult struct {
	Tree      objecthash.Hash
	Commit    objecthash.Hash
	Conflicts []treediff.Entry
}

// Merge combines two commits into a merge commit. Diverging text files
// are merged line by line; unresolved conflicts are reported and, when
// the repository has a working tree, leave .base/.yours/.theirs marker
// files beside the conflicted path.
func (r *LocalRepo) Merge(c1, c2 objecthash.Hash, user string, when time.Time) (*MergeResult, error) {
	if err := r.checkWritable(); err != nil {
		return nil, err
	}

	base, err := r.CommonAncestor(c1, c2)
	if err != nil {
		return nil, err
	}

	flatBase, err := r.flattenCommit(base)
	if err != nil {
		return nil, err
	}
	flat1, err := r.flattenCommit(c1)
	if err != nil {
		return nil, err
	}
	flat2, err := r.flattenCommit(c2)
	if err != nil {
		return nil, err
	}

	d1 := treediff.DiffTrees(flat1, flatBase)
	d2 := treediff.DiffTrees(flat2, flatBase)
	merged := treediff.MergeDiffs(d1, d2)

	resolved, conflicts, err := r.resolveTextConflicts(merged)
	if err != nil {
		return nil, err
	}

	out := flatBase.Clone()
	if err := resolved.ApplyTo(out); err != nil {
		return nil, err
	}
	tree, err := r.Unflatten(out)
	if err != nil {
		return nil, err
	}

	result := &MergeResult{Tree: tree, Conflicts: conflicts}
	if len(conflicts) > 0 {
		if err := r.writeConflictMarkers(conflicts); err != nil {
			return nil, err
		}
		return result, nil
	}

	c := &objects.Commit{
		Tree:    tree,
		Parents: [2]objecthash.Hash{c1, c2},
		User:    user,
		Time:    uint64(when.Unix()),
		Message: fmt.Sprintf("Merge %s into %s", c2.Short(), c1.Short()),
	}
	blob, err := c.Marshal()
	if err != nil {
		return nil, err
	}
	hash := objecthash.Sum(blob)
	if err := r.AddObject(objects.TypeCommit, hash, blob); err != nil {
		return nil, err
	}
	result.Commit = hash
	return result, nil
}

// flattenCommit flattens the tree behind a commit
func (r *LocalRepo) flattenCommit(commit objecthash.Hash) (objects.FlatTree, error) {
	c, err := r.GetCommit(commit)
	if err != nil {
		return nil, err
	}
	return r.Flatten(c.Tree)
}

// resolveTextConflicts rewrites a merged diff, replacing every merge
// conflict whose three sides are text with a successful line merge.
// Remaining conflicts are returned.
func (r *LocalRepo) resolveTextConflicts(d *treediff.Diff) (*treediff.Diff, []treediff.Entry, error) {
	out := treediff.New()
	var conflicts []treediff.Entry

	for _, e := range d.Entries {
		if e.Type == treediff.Noop {
			continue
		}
		if e.Type != treediff.MergeConflict {
			if e.Type == treediff.FileDirConflict {
				conflicts = append(conflicts, e)
				continue
			}
			out.Append(e)
			continue
		}

		sideBase, okBase := r.conflictSide(e.HashBase)
		sideA, okA := r.conflictSide(e.HashA)
		sideB, okB := r.conflictSide(e.HashB)
		if !okBase || !okA || !okB ||
			!treediff.IsText(sideBase) || !treediff.IsText(sideA) || !treediff.IsText(sideB) {
			conflicts = append(conflicts, e)
			continue
		}

		mergedText, ok := treediff.Merge3Text(sideBase, sideA, sideB)
		if !ok {
			conflicts = append(conflicts, e)
			continue
		}

		hash, err := r.AddBlob(mergedText)
		if err != nil {
			return nil, nil, err
		}
		attrs := make(objects.AttrMap)
		attrs.MergeFrom(e.AttrsA)
		attrs.MergeFrom(e.AttrsB)
		attrs.SetUint(objects.AttrSize, uint64(len(mergedText)))
		out.Append(treediff.Entry{
			Type:     treediff.Modified,
			Path:     e.Path,
			Hashes:   treediff.HashPair{Hash: hash},
			NewAttrs: attrs,
		})
	}
	return out, conflicts, nil
}

// conflictSide loads one side of a conflict; the empty hash stands for
// the empty file
func (r *LocalRepo) conflictSide(pair treediff.HashPair) ([]byte, bool) {
	hash := pair.Hash
	if hash.IsEmpty() || hash == objecthash.EmptyFile {
		return nil, true
	}
	// Chunked sides read through the descriptor
	if !pair.LargeHash.IsEmpty() {
		var buf bytes.Buffer
		if err := r.ReadLargeFile(pair.LargeHash, &buf); err != nil {
			return nil, false
		}
		return buf.Bytes(), true
	}
	payload, err := r.GetPayload(hash)
	if err != nil {
		return nil, false
	}
	return payload, true
}

// writeConflictMarkers leaves <path>.base, .yours and .theirs files in
// the working tree for every unresolved text-capable conflict
func (r *LocalRepo) writeConflictMarkers(conflicts []treediff.Entry) error {
	wd, err := r.WorkingDir()
	if err != nil {
		// Bare repositories report conflicts without marker files
		return nil
	}

	for _, e := range conflicts {
		if e.Type != treediff.MergeConflict {
			continue
		}
		rel := filepath.FromSlash(strings.TrimPrefix(e.Path, "/"))
		target := filepath.Join(wd, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("failed to create conflict marker directory: %w", err)
		}

		sides := []struct {
			suffix string
			pair   treediff.HashPair
		}{
			{".base", e.HashBase},
			{".yours", e.HashA},
			{".theirs", e.HashB},
		}
		for _, side := range sides {
			data, ok := r.conflictSide(side.pair)
			if !ok {
				continue
			}
			if err := os.WriteFile(target+side.suffix, data, 0644); err != nil {
				return fmt.Errorf("failed to write conflict marker: %w", err)
			}
		}
	}
	return nil
}
