package repo

import (
	"fmt"

	"github.com/WebFirstLanguage/hivefs/pkg/objecthash"
	"github.com/WebFirstLanguage/hivefs/pkg/objects"
	"github.com/WebFirstLanguage/hivefs/pkg/store/pack"
)

// liveHeads gathers every root the garbage collector must keep: the
// current head, all named branches and all snapshots.
func (r *LocalRepo) liveHeads() ([]objecthash.Hash, error) {
	var roots []objecthash.Hash

	head, err := r.Head()
	if err != nil {
		return nil, err
	}
	if !head.IsEmpty() {
		roots = append(roots, head)
	}

	branches, err := r.Branches()
	if err != nil {
		return nil, err
	}
	for _, h := range branches {
		if !h.IsEmpty() {
			roots = append(roots, h)
		}
	}
	for _, h := range r.snaps.List() {
		if !h.IsEmpty() {
			roots = append(roots, h)
		}
	}
	return roots, nil
}

// addReference bumps one hash in the count map and reports whether it
// was newly reached
func addReference(counts map[objecthash.Hash]uint32, hash objecthash.Hash) bool {
	counts[hash]++
	return counts[hash] == 1
}

// RecomputeRefCounts rebuilds the reference-count map from scratch by
// walking every object reachable from the live heads, then persists it
// in one atomic rewrite.
func (r *LocalRepo) RecomputeRefCounts() (map[objecthash.Hash]uint32, error) {
	roots, err := r.liveHeads()
	if err != nil {
		return nil, err
	}

	counts := make(map[objecthash.Hash]uint32)
	var pending []objecthash.Hash
	for _, root := range roots {
		if addReference(counts, root) {
			pending = append(pending, root)
		}
	}

	for len(pending) > 0 {
		hash := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		info, err := r.GetObjectInfo(hash)
		if err != nil {
			return nil, fmt.Errorf("reachable object missing: %w", err)
		}

		switch info.Type {
		case objects.TypeCommit:
			c, err := r.GetCommit(hash)
			if err != nil {
				return nil, err
			}
			if !c.Tree.IsEmpty() {
				if addReference(counts, c.Tree) {
					pending = append(pending, c.Tree)
				}
			}
			for _, p := range c.Parents {
				if p.IsEmpty() {
					continue
				}
				if addReference(counts, p) {
					pending = append(pending, p)
				}
			}

		case objects.TypeTree:
			t, err := r.GetTree(hash)
			if err != nil {
				return nil, err
			}
			for _, entry := range t.Entries {
				child := entry.Hash
				if entry.Type == objects.EntryLargeBlob {
					child = entry.LargeHash
				}
				if child.IsEmpty() {
					continue
				}
				if addReference(counts, child) {
					pending = append(pending, child)
				}
			}

		case objects.TypeLargeBlob:
			lb, err := r.GetLargeBlob(hash)
			if err != nil {
				return nil, err
			}
			for _, chunk := range lb.Chunks {
				if addReference(counts, chunk.Hash) {
					pending = append(pending, chunk.Hash)
				}
			}
		}
	}

	if err := r.md.SetAllRefCounts(counts); err != nil {
		return nil, err
	}
	return counts, nil
}

// RewriteRefCounts persists an externally computed count map
func (r *LocalRepo) RewriteRefCounts(counts map[objecthash.Hash]uint32) error {
	if err := r.checkWritable(); err != nil {
		return err
	}
	return r.md.SetAllRefCounts(counts)
}

// GCResult summarizes a collection pass.
type GCResult struct {
	// Live is the number of reachable objects
	Live int

	// Collected is the number of records dropped from packfiles
	Collected int
}

// GC recomputes reference counts from the live heads and rewrites the
// packfile set, eliding every object whose count is zero. The index is
// rewritten to its canonical form afterwards.
func (r *LocalRepo) GC() (*GCResult, error) {
	if err := r.checkWritable(); err != nil {
		return nil, err
	}

	counts, err := r.RecomputeRefCounts()
	if err != nil {
		return nil, err
	}

	entries := r.idx.Entries()
	sizeOf := func(info objects.Info) (int, bool) {
		e, ok := entries[info.Hash]
		if !ok {
			return 0, false
		}
		return int(e.PackedSize), true
	}

	result := &GCResult{Live: len(counts)}

	ids, err := r.packs.IDs()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		keep := func(info objects.Info) bool {
			if counts[info.Hash] > 0 {
				return true
			}
			// Records of unreachable objects are dropped, stale copies
			// included; reachable duplicates are kept
			result.Collected++
			return false
		}
		relocate := func(info objects.Info, loc pack.Loc) error {
			e, ok := entries[info.Hash]
			if !ok {
				return nil
			}
			// Only follow the record the index actually points at
			if e.Packfile != id {
				return nil
			}
			e.Offset = loc.Offset
			e.PackedSize = loc.PackedSize
			e.Packfile = loc.Packfile
			entries[info.Hash] = e
			return r.idx.Update(info.Hash, e)
		}
		if err := r.packs.Rewrite(id, sizeOf, keep, relocate); err != nil {
			return nil, err
		}
	}

	// Drop unreachable hashes from the in-memory index and rewrite it
	for hash := range entries {
		if counts[hash] == 0 {
			r.idx.Remove(hash)
		}
	}
	if err := r.idx.Rewrite(); err != nil {
		return nil, err
	}
	r.invalidateContained()

	return result, nil
}
