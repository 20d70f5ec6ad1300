package repo

import (
	"fmt"
	"os"
	"strings"

	"github.com/WebFirstLanguage/hivefs/pkg/objecthash"
)

// SnapshotIndex is the append-log of named snapshots. Each line is
// "<hex hash> <name>"; the most recent line for a name wins, and a
// trailing partial line from a crashed append is ignored. Deletion
// rewrites the whole file.
type SnapshotIndex struct {
	path      string
	f         *os.File
	snapshots map[string]objecthash.Hash
}

// OpenSnapshotIndex loads the snapshot log at path, creating it if
// absent
func OpenSnapshotIndex(path string) (*SnapshotIndex, error) {
	si := &SnapshotIndex{
		path:      path,
		snapshots: make(map[string]objecthash.Hash),
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read snapshot index: %w", err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		if len(line) < objecthash.HexSize+2 {
			// Crash mid-append leaves a short trailing line
			continue
		}
		hash, err := objecthash.FromHex(line[:objecthash.HexSize])
		if err != nil {
			continue
		}
		si.snapshots[line[objecthash.HexSize+1:]] = hash
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot index for append: %w", err)
	}
	si.f = f

	os.Remove(path + ".tmp")
	return si, nil
}

// Close syncs and closes the append handle
func (si *SnapshotIndex) Close() error {
	if si.f == nil {
		return nil
	}
	si.f.Sync()
	err := si.f.Close()
	si.f = nil
	return err
}

// Add appends a named snapshot
func (si *SnapshotIndex) Add(name string, commit objecthash.Hash) error {
	if commit.IsEmpty() {
		return fmt.Errorf("%w: snapshot cannot name the empty commit", ErrInvalidArgs)
	}
	line := commit.Hex() + " " + name + "\n"
	if _, err := si.f.WriteString(line); err != nil {
		return fmt.Errorf("failed to append snapshot: %w", err)
	}
	si.snapshots[name] = commit
	return nil
}

// Get resolves a snapshot name
func (si *SnapshotIndex) Get(name string) (objecthash.Hash, bool) {
	h, ok := si.snapshots[name]
	return h, ok
}

// List returns a copy of the name map
func (si *SnapshotIndex) List() map[string]objecthash.Hash {
	out := make(map[string]objecthash.Hash, len(si.snapshots))
	for k, v := range si.snapshots {
		out[k] = v
	}
	return out
}

// Remove deletes a snapshot name by rewriting the whole file
func (si *SnapshotIndex) Remove(name string) error {
	if _, ok := si.snapshots[name]; !ok {
		return fmt.Errorf("%w: no snapshot named %q", ErrInvalidArgs, name)
	}
	delete(si.snapshots, name)
	return si.rewrite()
}

// rewrite writes the map to a temp file and renames it into place
func (si *SnapshotIndex) rewrite() error {
	tmpPath := si.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create snapshot index temporary: %w", err)
	}
	for name, hash := range si.snapshots {
		if _, err := tmp.WriteString(hash.Hex() + " " + name + "\n"); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("failed to write snapshot index temporary: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, si.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to install snapshot index: %w", err)
	}

	// Reopen the append handle on the new file
	si.f.Close()
	f, err := os.OpenFile(si.path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen snapshot index: %w", err)
	}
	si.f = f
	return nil
}
