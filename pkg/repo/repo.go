// Package repo implements the repository engine: the local
// content-addressed store with its index, packfiles, metadata and named
// heads, plus the pull machinery that replicates objects from a peer.
package repo

import (
	"github.com/WebFirstLanguage/hivefs/pkg/objecthash"
	"github.com/WebFirstLanguage/hivefs/pkg/objects"
)

// PackedObject is one object in its transfer form: the descriptor plus
// the payload bytes exactly as stored, still compressed per the
// descriptor flags.
type PackedObject struct {
	Info   objects.Info
	Packed []byte
}

// Repo is the capability surface shared by a local repository and the
// remote transports. Pull operates against this interface, so
// the peer can be a directory on disk or a daemon across any transport.
type Repo interface {
	// FSID returns the repository's stable identifier
	FSID() (string, error)

	// Version returns the store/protocol version string
	Version() (string, error)

	// Head returns the current head commit, or the empty hash
	Head() (objecthash.Hash, error)

	// ListObjects returns the descriptors of every stored object
	ListObjects() ([]objects.Info, error)

	// ListCommits returns every commit object in the store
	ListCommits() ([]*objects.Commit, error)

	// GetObjectInfo returns the descriptor for one hash
	GetObjectInfo(hash objecthash.Hash) (objects.Info, error)

	// GetObject returns an object whose payload reads decompress
	// lazily
	GetObject(hash objecthash.Hash) (*objects.Object, error)

	// HasObject reports whether the store holds the hash
	HasObject(hash objecthash.Hash) (bool, error)

	// FetchObjects returns the transfer form of the requested objects.
	// Hashes unknown to the peer are silently absent from the result.
	FetchObjects(hashes []objecthash.Hash) ([]PackedObject, error)
}

// storeVersion is the on-disk store and protocol version
const storeVersion = "HIVE1"
