package repo

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/WebFirstLanguage/hivefs/pkg/objecthash"
	"github.com/WebFirstLanguage/hivefs/pkg/objects"
)

// Flatten expands a tree object into the absolute-path map that diff
// and merge operate on
func (r *LocalRepo) Flatten(treeHash objecthash.Hash) (objects.FlatTree, error) {
	flat := make(objects.FlatTree)
	if treeHash.IsEmpty() {
		return flat, nil
	}
	if err := r.flattenInto("/", treeHash, flat); err != nil {
		return nil, err
	}
	return flat, nil
}

func (r *LocalRepo) flattenInto(prefix string, treeHash objecthash.Hash, flat objects.FlatTree) error {
	tree, err := r.GetTree(treeHash)
	if err != nil {
		return err
	}
	for name, entry := range tree.Entries {
		p := prefix + name
		flat[p] = entry
		if entry.Type == objects.EntryTree {
			if err := r.flattenInto(p+"/", entry.Hash, flat); err != nil {
				return err
			}
		}
	}
	return nil
}

// pathDepth counts the components of an absolute repo path
func pathDepth(p string) int {
	return strings.Count(p, "/")
}

// Unflatten stores a flat tree as nested tree objects and returns the
// root tree's hash. Directory entries are synthesized for any path
// whose parent is missing from the map.
func (r *LocalRepo) Unflatten(flat objects.FlatTree) (objecthash.Hash, error) {
	if err := r.checkWritable(); err != nil {
		return objecthash.Hash{}, err
	}

	// trees maps directory path ("" is the root) to its manifest
	trees := map[string]*objects.Tree{"": objects.NewTree()}
	dirAttrs := map[string]objects.AttrMap{}

	ensureDir := func(dir string) {
		for d := dir; d != "" && d != "/"; d = parentDir(d) {
			if _, ok := trees[d]; !ok {
				trees[d] = objects.NewTree()
			}
		}
	}

	for p, entry := range flat {
		if !strings.HasPrefix(p, "/") {
			return objecthash.Hash{}, fmt.Errorf("%w: path %q is not absolute", ErrInvalidArgs, p)
		}
		switch entry.Type {
		case objects.EntryTree:
			ensureDir(p)
			dirAttrs[p] = entry.Attrs
		case objects.EntryBlob, objects.EntryLargeBlob:
			dir := parentDir(p)
			ensureDir(dir)
			trees[treeKey(dir)].Entries[path.Base(p)] = entry
		default:
			return objecthash.Hash{}, fmt.Errorf("%w: entry %q has no type", ErrInvalidArgs, p)
		}
	}

	// Deepest directories first, so parents can reference child hashes
	dirs := make([]string, 0, len(trees))
	for d := range trees {
		if d != "" {
			dirs = append(dirs, d)
		}
	}
	sort.Slice(dirs, func(i, j int) bool {
		return pathDepth(dirs[i]) > pathDepth(dirs[j])
	})

	for _, d := range dirs {
		blob, err := trees[d].Marshal()
		if err != nil {
			return objecthash.Hash{}, err
		}
		hash := objecthash.Sum(blob)
		if err := r.AddObject(objects.TypeTree, hash, blob); err != nil {
			return objecthash.Hash{}, err
		}

		attrs := dirAttrs[d]
		if attrs == nil {
			attrs = defaultDirAttrs()
		}
		parent := trees[treeKey(parentDir(d))]
		parent.Entries[path.Base(d)] = objects.TreeEntry{
			Type:  objects.EntryTree,
			Hash:  hash,
			Attrs: attrs,
		}
	}

	rootBlob, err := trees[""].Marshal()
	if err != nil {
		return objecthash.Hash{}, err
	}
	rootHash := objecthash.Sum(rootBlob)
	if err := r.AddObject(objects.TypeTree, rootHash, rootBlob); err != nil {
		return objecthash.Hash{}, err
	}
	return rootHash, nil
}

// parentDir returns the directory above an absolute repo path, "/" for
// top-level entries
func parentDir(p string) string {
	d := path.Dir(p)
	return d
}

// treeKey maps a directory path onto the trees table key
func treeKey(dir string) string {
	if dir == "/" {
		return ""
	}
	return dir
}

// defaultDirAttrs fills in attributes for directories that exist only
// implicitly through their children
func defaultDirAttrs() objects.AttrMap {
	attrs := make(objects.AttrMap)
	attrs.SetUint(objects.AttrSize, 0)
	attrs.SetPerms(0o755)
	attrs[objects.AttrUser] = ""
	attrs[objects.AttrGroup] = ""
	attrs.SetUint(objects.AttrCtime, 0)
	attrs.SetUint(objects.AttrMtime, 0)
	return attrs
}

// CommitFromTree creates a commit of the given tree on top of the
// current head and advances the head atomically. A non-empty snapshot
// name also records the commit in the snapshot index.
func (r *LocalRepo) CommitFromTree(tree objecthash.Hash, user, message, snapshotName string, when time.Time) (objecthash.Hash, error) {
	if err := r.checkWritable(); err != nil {
		return objecthash.Hash{}, err
	}

	c := &objects.Commit{
		Tree:         tree,
		User:         user,
		Time:         uint64(when.Unix()),
		SnapshotName: snapshotName,
		Message:      message,
	}
	head, err := r.Head()
	if err != nil {
		return objecthash.Hash{}, err
	}
	c.Parents[0] = head

	return r.storeCommit(c, snapshotName)
}

// storeCommit writes a prepared commit object, advances the head, and
// records its snapshot name if any
func (r *LocalRepo) storeCommit(c *objects.Commit, snapshotName string) (objecthash.Hash, error) {
	blob, err := c.Marshal()
	if err != nil {
		return objecthash.Hash{}, err
	}
	hash := objecthash.Sum(blob)
	if err := r.AddObject(objects.TypeCommit, hash, blob); err != nil {
		return objecthash.Hash{}, err
	}
	if err := r.UpdateHead(hash); err != nil {
		return objecthash.Hash{}, err
	}
	if snapshotName != "" {
		if err := r.Snapshot(snapshotName, hash); err != nil {
			return objecthash.Hash{}, err
		}
	}
	return hash, nil
}

// Checkout materializes a commit's tree into dir. Existing files are
// overwritten; files not in the tree are left alone.
func (r *LocalRepo) Checkout(commitHash objecthash.Hash, dir string) error {
	if dir == "" {
		wd, err := r.WorkingDir()
		if err != nil {
			return err
		}
		dir = wd
	}

	c, err := r.GetCommit(commitHash)
	if err != nil {
		return err
	}
	flat, err := r.Flatten(c.Tree)
	if err != nil {
		return err
	}

	// Directories first, shallow to deep
	paths := flat.SortedPaths()
	for _, p := range paths {
		entry := flat[p]
		target := filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(p, "/")))

		switch entry.Type {
		case objects.EntryTree:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case objects.EntryBlob:
			payload, err := r.GetPayload(entry.Hash)
			if err != nil {
				return err
			}
			if err := writeCheckoutFile(target, payload, entry.Attrs); err != nil {
				return err
			}
		case objects.EntryLargeBlob:
			f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
			if err != nil {
				return fmt.Errorf("failed to create file: %w", err)
			}
			if err := r.ReadLargeFile(entry.LargeHash, f); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			applyAttrs(target, entry.Attrs)
		}
	}
	return nil
}

// writeCheckoutFile writes one blob-backed file and applies its perms
func writeCheckoutFile(target string, payload []byte, attrs objects.AttrMap) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	if err := os.WriteFile(target, payload, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	applyAttrs(target, attrs)
	return nil
}

// applyAttrs best-effort applies stored perms to a checked-out path
func applyAttrs(target string, attrs objects.AttrMap) {
	if perms, err := attrs.GetPerms(); err == nil {
		os.Chmod(target, os.FileMode(perms))
	}
}

// EntryFromFile builds a file tree entry from a path on disk, storing
// its content in the repository
func (r *LocalRepo) EntryFromFile(path string) (objects.TreeEntry, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return objects.TreeEntry{}, fmt.Errorf("failed to stat file: %w", err)
	}

	hash, largeHash, err := r.AddFile(path)
	if err != nil {
		return objects.TreeEntry{}, err
	}

	var entry objects.TreeEntry
	if largeHash.IsEmpty() {
		entry = objects.NewFileEntry(hash, objecthash.Hash{})
	} else {
		// For chunked files the entry's content hash is the whole-file
		// hash and the descriptor rides alongside
		entry = objects.NewFileEntry(largeHash, hash)
	}
	entry.Attrs.SetUint(objects.AttrSize, uint64(fi.Size()))
	entry.Attrs.SetPerms(uint32(fi.Mode().Perm()))
	entry.Attrs[objects.AttrUser] = ""
	entry.Attrs[objects.AttrGroup] = ""
	entry.Attrs.SetUint(objects.AttrCtime, uint64(fi.ModTime().Unix()))
	entry.Attrs.SetUint(objects.AttrMtime, uint64(fi.ModTime().Unix()))
	return entry, nil
}

// CommitDirectory snapshots a directory tree from disk: every file is
// added to the store, the tree objects are built, and a commit is
// created on top of the current head.
func (r *LocalRepo) CommitDirectory(dir, user, message, snapshotName string, when time.Time) (objecthash.Hash, error) {
	flat := make(objects.FlatTree)

	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		// The repository directory itself never enters the tree
		if d.IsDir() && d.Name() == RepoDirName {
			return filepath.SkipDir
		}

		repoPath := "/" + filepath.ToSlash(rel)
		if d.IsDir() {
			fi, err := d.Info()
			if err != nil {
				return err
			}
			attrs := defaultDirAttrs()
			attrs.SetPerms(uint32(fi.Mode().Perm()))
			flat[repoPath] = objects.TreeEntry{Type: objects.EntryTree, Attrs: attrs}
			return nil
		}
		entry, err := r.EntryFromFile(p)
		if err != nil {
			return err
		}
		flat[repoPath] = entry
		return nil
	})
	if err != nil {
		return objecthash.Hash{}, fmt.Errorf("failed to scan %s: %w", dir, err)
	}

	tree, err := r.Unflatten(flat)
	if err != nil {
		return objecthash.Hash{}, err
	}
	return r.CommitFromTree(tree, user, message, snapshotName, when)
}
