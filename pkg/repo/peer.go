package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Peer describes a replication partner: where to reach it and which
// repository it serves. Each peer is stored as a small text blob under
// the remotes directory.
type Peer struct {
	Name         string
	URL          string
	RepoID       string
	InstaCloning bool

	path string
}

// marshal renders the peer file body
func (p *Peer) marshal() string {
	blob := "url " + p.URL + "\n"
	blob += "repoId " + p.RepoID + "\n"
	if p.InstaCloning {
		blob += "instaCloning\n"
	}
	return blob
}

// parsePeer reads a peer file body
func parsePeer(name, path, blob string) (*Peer, error) {
	p := &Peer{Name: name, path: path}
	for _, line := range strings.Split(blob, "\n") {
		switch {
		case line == "":
		case strings.HasPrefix(line, "url "):
			p.URL = strings.TrimPrefix(line, "url ")
		case strings.HasPrefix(line, "repoId "):
			p.RepoID = strings.TrimPrefix(line, "repoId ")
		case line == "instaCloning":
			p.InstaCloning = true
		default:
			return nil, fmt.Errorf("unsupported peer attribute %q", line)
		}
	}
	return p, nil
}

// Save writes the peer file
func (p *Peer) Save() error {
	if p.path == "" {
		return fmt.Errorf("%w: peer has no backing file", ErrInvalidArgs)
	}
	if err := os.WriteFile(p.path, []byte(p.marshal()), 0644); err != nil {
		return fmt.Errorf("failed to write peer file: %w", err)
	}
	return nil
}

// AddRemote records a replication peer under the given name
func (r *LocalRepo) AddRemote(name, url string) (*Peer, error) {
	if err := r.checkWritable(); err != nil {
		return nil, err
	}
	name, err := NormalizeName(name)
	if err != nil {
		return nil, err
	}
	p := &Peer{
		Name: name,
		URL:  url,
		path: filepath.Join(r.path, dirRemotes, name),
	}
	if err := p.Save(); err != nil {
		return nil, err
	}
	return p, nil
}

// Remote loads one replication peer by name
func (r *LocalRepo) Remote(name string) (*Peer, error) {
	name, err := NormalizeName(name)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(r.path, dirRemotes, name)
	blob, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: remote %q", ErrObjectNotFound, name)
		}
		return nil, fmt.Errorf("failed to read peer file: %w", err)
	}
	return parsePeer(name, path, string(blob))
}

// Remotes lists all replication peers
func (r *LocalRepo) Remotes() ([]*Peer, error) {
	entries, err := os.ReadDir(filepath.Join(r.path, dirRemotes))
	if err != nil {
		return nil, fmt.Errorf("failed to list remotes: %w", err)
	}
	var out []*Peer
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p, err := r.Remote(e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// RemoveRemote deletes a replication peer
func (r *LocalRepo) RemoveRemote(name string) error {
	if err := r.checkWritable(); err != nil {
		return err
	}
	name, err := NormalizeName(name)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(r.path, dirRemotes, name)); err != nil {
		return fmt.Errorf("failed to remove peer file: %w", err)
	}
	return nil
}
