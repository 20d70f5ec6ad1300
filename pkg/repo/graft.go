package repo

import (
	"fmt"
	"strings"
	"time"

	"github.com/WebFirstLanguage/hivefs/pkg/objecthash"
	"github.com/WebFirstLanguage/hivefs/pkg/objects"
)

// GraftSubtree copies the subtree at srcPath in the source repository's
// head into this repository at dstPath, together with every object the
// subtree reaches, and synthesizes a commit whose graft fields record
// the provenance.
func (r *LocalRepo) GraftSubtree(src *LocalRepo, srcPath, dstPath, user string, when time.Time) (objecthash.Hash, error) {
	if err := r.checkWritable(); err != nil {
		return objecthash.Hash{}, err
	}
	if !strings.HasPrefix(srcPath, "/") || !strings.HasPrefix(dstPath, "/") {
		return objecthash.Hash{}, fmt.Errorf("%w: graft paths must be absolute", ErrInvalidArgs)
	}
	srcPath = strings.TrimSuffix(srcPath, "/")
	dstPath = strings.TrimSuffix(dstPath, "/")

	srcHead, err := src.Head()
	if err != nil {
		return objecthash.Hash{}, err
	}
	if srcHead.IsEmpty() {
		return objecthash.Hash{}, fmt.Errorf("%w: source repository has no head", ErrInvalidArgs)
	}
	srcFlat, err := src.flattenCommit(srcHead)
	if err != nil {
		return objecthash.Hash{}, err
	}

	// Collect the subtree and rebase its paths under dstPath
	grafted := make(objects.FlatTree)
	found := false
	for p, entry := range srcFlat {
		if p != srcPath && !strings.HasPrefix(p, srcPath+"/") {
			continue
		}
		found = true
		rebased := dstPath + strings.TrimPrefix(p, srcPath)
		if rebased == "" {
			rebased = dstPath
		}
		grafted[rebased] = entry.Clone()

		if err := r.copyEntryObjects(src, entry); err != nil {
			return objecthash.Hash{}, err
		}
	}
	if !found {
		return objecthash.Hash{}, fmt.Errorf("%w: %s not in source tree", ErrObjectNotFound, srcPath)
	}

	// Overlay the graft onto the current head's tree
	head, err := r.Head()
	if err != nil {
		return objecthash.Hash{}, err
	}
	var flat objects.FlatTree
	if head.IsEmpty() {
		flat = make(objects.FlatTree)
	} else {
		if flat, err = r.flattenCommit(head); err != nil {
			return objecthash.Hash{}, err
		}
	}
	for p, entry := range grafted {
		flat[p] = entry
	}

	tree, err := r.Unflatten(flat)
	if err != nil {
		return objecthash.Hash{}, err
	}

	c := &objects.Commit{
		Tree:    tree,
		Parents: [2]objecthash.Hash{head},
		User:    user,
		Time:    uint64(when.Unix()),
		Message: fmt.Sprintf("Graft %s from %s", srcPath, src.Path()),
	}
	if err := c.SetGraft(src.Path(), srcPath, srcHead); err != nil {
		return objecthash.Hash{}, err
	}
	return r.storeCommit(c, "")
}

// copyEntryObjects transfers one tree entry's objects from src: the
// blob itself, or the descriptor plus every chunk for large files.
// Subtree entries are skipped here because their children appear in the
// flattened source individually; the grafted tree objects are rebuilt
// by Unflatten.
func (r *LocalRepo) copyEntryObjects(src *LocalRepo, entry objects.TreeEntry) error {
	switch entry.Type {
	case objects.EntryTree:
		return nil

	case objects.EntryBlob:
		return r.copyObject(src, entry.Hash)

	case objects.EntryLargeBlob:
		if err := r.copyObject(src, entry.LargeHash); err != nil {
			return err
		}
		lb, err := src.GetLargeBlob(entry.LargeHash)
		if err != nil {
			return err
		}
		for _, chunk := range lb.Chunks {
			if err := r.copyObject(src, chunk.Hash); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("%w: graft entry has no type", ErrInvalidArgs)
	}
}

// copyObject transfers a single object between repositories in its
// packed form
func (r *LocalRepo) copyObject(src *LocalRepo, hash objecthash.Hash) error {
	if r.idx.Has(hash) {
		return nil
	}
	batch, err := src.FetchObjects([]objecthash.Hash{hash})
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return fmt.Errorf("%w: %s in source repository", ErrObjectNotFound, hash.Short())
	}
	return r.AddPackedObject(batch[0])
}
