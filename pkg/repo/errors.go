package repo

import "errors"

var (
	// ErrInvalidArgs is returned for malformed operation arguments
	ErrInvalidArgs = errors.New("invalid arguments")

	// ErrUnsupportedVersion is returned when a repository's on-disk
	// version is not understood by this build
	ErrUnsupportedVersion = errors.New("unsupported repository version")

	// ErrObjectNotFound is returned for hashes absent from the store
	ErrObjectNotFound = errors.New("object not found")

	// ErrHashMismatch is returned when a stored payload does not hash
	// to its name. The containing repository is marked corrupt and
	// refuses further writes.
	ErrHashMismatch = errors.New("object payload hash mismatch")

	// ErrRepoLocked is returned when the exclusive repository lock is
	// held elsewhere
	ErrRepoLocked = errors.New("repository is locked")

	// ErrRepoCorrupt is returned for writes to a repository that has
	// detected a hash mismatch
	ErrRepoCorrupt = errors.New("repository is corrupt")

	// ErrBareRepo is returned for operations that need a working tree
	// on a repository that has none
	ErrBareRepo = errors.New("repository has no working tree")

	// ErrNoCommonAncestor is returned when two commits share no
	// ancestor commit
	ErrNoCommonAncestor = errors.New("commits have no common ancestor")

	// ErrReadOnly is returned for mutations through a read-only handle
	ErrReadOnly = errors.New("repository opened read-only")
)
