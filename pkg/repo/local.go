package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/juju/fslock"
	"golang.org/x/text/unicode/norm"

	"github.com/WebFirstLanguage/hivefs/internal/lockorder"
	"github.com/WebFirstLanguage/hivefs/pkg/chunker"
	"github.com/WebFirstLanguage/hivefs/pkg/identity"
	"github.com/WebFirstLanguage/hivefs/pkg/objecthash"
	"github.com/WebFirstLanguage/hivefs/pkg/store/index"
	"github.com/WebFirstLanguage/hivefs/pkg/store/meta"
	"github.com/WebFirstLanguage/hivefs/pkg/store/pack"
	"github.com/WebFirstLanguage/hivefs/pkg/stream"
)

// RepoDirName is the repository directory created inside a working tree
const RepoDirName = ".hive"

// Repository file and directory names
const (
	fileID        = "id"
	fileVersion   = "version"
	fileHead      = "HEAD"
	fileIndex     = "index"
	fileSnapshots = "snapshots"
	fileMetadata  = "metadata"
	fileLock      = "lock"
	fileUDSSock   = "uds.sock"
	dirObjs       = "objs"
	dirRefs       = "refs"
	dirRemotes    = "remotes"
	dirKeys       = "keys"
	dirTmp        = "tmp"
)

// Options tune a local repository's storage policy.
type Options struct {
	// Chunker parameters for large files
	Chunker chunker.Params

	// LargeFileThreshold is the size at or above which files are
	// chunked. Zero means the chunker's max span.
	LargeFileThreshold int64

	// Compression is the algorithm applied to payloads above the
	// threshold
	Compression stream.Compression

	// CompressThreshold is the payload size below which objects are
	// stored uncompressed
	CompressThreshold int

	// PackfileMaxSize is the rotation threshold for packfiles
	PackfileMaxSize int64
}

// DefaultOptions returns the standard storage policy
func DefaultOptions() Options {
	return Options{
		Chunker:            chunker.DefaultParams(),
		LargeFileThreshold: chunker.DefaultMax,
		Compression:        stream.CompSnappy,
		CompressThreshold:  512,
		PackfileMaxSize:    pack.DefaultMaxPackfileSize,
	}
}

func (o *Options) fillDefaults() {
	if *o == (Options{}) {
		*o = DefaultOptions()
		return
	}
	def := DefaultOptions()
	if o.Chunker.Target == 0 {
		o.Chunker = def.Chunker
	}
	if o.LargeFileThreshold == 0 {
		o.LargeFileThreshold = int64(o.Chunker.Max)
	}
	if o.CompressThreshold == 0 {
		o.CompressThreshold = def.CompressThreshold
	}
	if o.PackfileMaxSize == 0 {
		o.PackfileMaxSize = def.PackfileMaxSize
	}
}

// LocalRepo is an open repository rooted at a directory on disk. A
// writable handle owns the exclusive repository lock for its lifetime;
// read-only handles may open concurrently.
type LocalRepo struct {
	path     string
	workDir  string
	writable bool
	opts     Options

	lock  *fslock.Lock
	idx   *index.Index
	md    *meta.Store
	packs *pack.Store
	snaps *SnapshotIndex

	fsid    string
	version string

	mu      *lockorder.Mutex
	corrupt bool

	// contained caches the set of present hashes; filled lazily,
	// invalidated on any write
	contained map[objecthash.Hash]struct{}
}

// Init creates a fresh repository at path. The directory must not
// already hold one.
func Init(path string) error {
	if _, err := os.Stat(filepath.Join(path, fileID)); err == nil {
		return fmt.Errorf("%w: repository already exists at %s", ErrInvalidArgs, path)
	}

	for _, dir := range []string{
		path,
		filepath.Join(path, dirObjs),
		filepath.Join(path, dirRefs),
		filepath.Join(path, dirRemotes),
		filepath.Join(path, dirKeys),
		filepath.Join(path, dirKeys, "trusted"),
		filepath.Join(path, dirTmp),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	fsid := uuid.NewString()
	if err := os.WriteFile(filepath.Join(path, fileID), []byte(fsid+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write fsid: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, fileVersion), []byte(storeVersion+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write version: %w", err)
	}

	if _, err := identity.LoadOrGenerate(filepath.Join(path, dirKeys, "private")); err != nil {
		return err
	}
	return nil
}

// Open opens the repository at path. A writable open takes the
// exclusive lock and fails with ErrRepoLocked if another writer holds
// it.
func Open(path string, writable bool, opts Options) (*LocalRepo, error) {
	opts.fillDefaults()

	idData, err := os.ReadFile(filepath.Join(path, fileID))
	if err != nil {
		return nil, fmt.Errorf("not a repository at %s: %w", path, err)
	}
	verData, err := os.ReadFile(filepath.Join(path, fileVersion))
	if err != nil {
		return nil, fmt.Errorf("repository missing version file: %w", err)
	}
	version := strings.TrimSpace(string(verData))
	if version != storeVersion {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, version)
	}

	r := &LocalRepo{
		path:     path,
		writable: writable,
		opts:     opts,
		fsid:     strings.TrimSpace(string(idData)),
		version:  version,
		mu:       lockorder.NewMutex(lockorder.RankRepo),
	}
	if filepath.Base(path) == RepoDirName {
		r.workDir = filepath.Dir(path)
	}

	if writable {
		r.lock = fslock.New(filepath.Join(path, fileLock))
		if err := r.lock.TryLock(); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrRepoLocked, path)
		}
	}

	fail := func(err error) (*LocalRepo, error) {
		r.Close()
		return nil, err
	}

	if r.idx, err = index.Open(filepath.Join(path, fileIndex)); err != nil {
		return fail(err)
	}
	if r.md, err = meta.Open(filepath.Join(path, fileMetadata)); err != nil {
		return fail(err)
	}
	if r.packs, err = pack.Open(filepath.Join(path, dirObjs), opts.PackfileMaxSize); err != nil {
		return fail(err)
	}
	if r.snaps, err = OpenSnapshotIndex(filepath.Join(path, fileSnapshots)); err != nil {
		return fail(err)
	}

	return r, nil
}

// Close releases the repository and its lock
func (r *LocalRepo) Close() error {
	var firstErr error
	if r.snaps != nil {
		if err := r.snaps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.snaps = nil
	}
	if r.packs != nil {
		if err := r.packs.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.packs = nil
	}
	if r.idx != nil {
		if err := r.idx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.idx = nil
	}
	if r.lock != nil {
		r.lock.Unlock()
		r.lock = nil
	}
	return firstErr
}

// Path returns the repository directory
func (r *LocalRepo) Path() string {
	return r.path
}

// WorkingDir returns the working tree above the repository directory
func (r *LocalRepo) WorkingDir() (string, error) {
	if r.workDir == "" {
		return "", ErrBareRepo
	}
	return r.workDir, nil
}

// UDSPath returns the local socket path inside the repository
func (r *LocalRepo) UDSPath() string {
	return filepath.Join(r.path, fileUDSSock)
}

// TmpDir returns the repository scratch directory
func (r *LocalRepo) TmpDir() string {
	return filepath.Join(r.path, dirTmp)
}

// Identity loads the repository signing identity
func (r *LocalRepo) Identity() (*identity.Identity, error) {
	return identity.LoadOrGenerate(filepath.Join(r.path, dirKeys, "private"))
}

// TrustStore opens the trusted-key set
func (r *LocalRepo) TrustStore() (*identity.TrustStore, error) {
	return identity.NewTrustStore(filepath.Join(r.path, dirKeys, "trusted"))
}

// FSID returns the repository identifier
func (r *LocalRepo) FSID() (string, error) {
	return r.fsid, nil
}

// Version returns the store version string
func (r *LocalRepo) Version() (string, error) {
	return r.version, nil
}

// checkWritable fails mutations on read-only or corrupt handles
func (r *LocalRepo) checkWritable() error {
	if !r.writable {
		return ErrReadOnly
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.corrupt {
		return ErrRepoCorrupt
	}
	return nil
}

// markCorrupt records a detected hash mismatch; further writes refuse
func (r *LocalRepo) markCorrupt() {
	r.mu.Lock()
	r.corrupt = true
	r.mu.Unlock()
}

// invalidateContained drops the presence cache after any write
func (r *LocalRepo) invalidateContained() {
	r.mu.Lock()
	r.contained = nil
	r.mu.Unlock()
}

// Head returns the current head commit; absent and all-zero both mean
// the empty commit
func (r *LocalRepo) Head() (objecthash.Hash, error) {
	data, err := os.ReadFile(filepath.Join(r.path, fileHead))
	if err != nil {
		if os.IsNotExist(err) {
			return objecthash.Hash{}, nil
		}
		return objecthash.Hash{}, fmt.Errorf("failed to read head: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return objecthash.Hash{}, nil
	}
	hash, err := objecthash.FromHex(text)
	if err != nil {
		return objecthash.Hash{}, fmt.Errorf("malformed head: %w", err)
	}
	return hash, nil
}

// UpdateHead atomically points the head at commit. All referenced
// objects must already be indexed; the store is flushed before the
// head becomes visible.
func (r *LocalRepo) UpdateHead(commit objecthash.Hash) error {
	if err := r.checkWritable(); err != nil {
		return err
	}
	if !commit.IsEmpty() {
		if !r.idx.Has(commit) {
			return fmt.Errorf("%w: head target %s", ErrObjectNotFound, commit.Short())
		}
	}

	// The head must never be visible before its objects
	if err := r.packs.Sync(); err != nil {
		return err
	}
	if err := r.idx.Sync(); err != nil {
		return err
	}

	headPath := filepath.Join(r.path, fileHead)
	tmpPath := headPath + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(commit.Hex()+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write head temporary: %w", err)
	}
	if err := os.Rename(tmpPath, headPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to install head: %w", err)
	}
	return nil
}

// NormalizeName canonicalizes a snapshot or branch name and rejects
// names that cannot live in the refs directory
func NormalizeName(name string) (string, error) {
	name = norm.NFC.String(strings.TrimSpace(name))
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidArgs)
	}
	if strings.ContainsAny(name, "/\\\x00") || name == "." || name == ".." {
		return "", fmt.Errorf("%w: name %q", ErrInvalidArgs, name)
	}
	return name, nil
}

// SetBranch points a named head at a commit, both in the refs
// directory and the metadata head map
func (r *LocalRepo) SetBranch(name string, commit objecthash.Hash) error {
	if err := r.checkWritable(); err != nil {
		return err
	}
	name, err := NormalizeName(name)
	if err != nil {
		return err
	}

	refPath := filepath.Join(r.path, dirRefs, name)
	tmpPath := refPath + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(commit.Hex()+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write ref temporary: %w", err)
	}
	if err := os.Rename(tmpPath, refPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to install ref: %w", err)
	}
	return r.md.SetHead(name, commit)
}

// Branch resolves a named head
func (r *LocalRepo) Branch(name string) (objecthash.Hash, error) {
	name, err := NormalizeName(name)
	if err != nil {
		return objecthash.Hash{}, err
	}
	data, err := os.ReadFile(filepath.Join(r.path, dirRefs, name))
	if err != nil {
		if os.IsNotExist(err) {
			return objecthash.Hash{}, fmt.Errorf("%w: branch %q", ErrObjectNotFound, name)
		}
		return objecthash.Hash{}, fmt.Errorf("failed to read ref: %w", err)
	}
	return objecthash.FromHex(strings.TrimSpace(string(data)))
}

// Branches lists the named heads
func (r *LocalRepo) Branches() (map[string]objecthash.Hash, error) {
	entries, err := os.ReadDir(filepath.Join(r.path, dirRefs))
	if err != nil {
		return nil, fmt.Errorf("failed to list refs: %w", err)
	}
	out := make(map[string]objecthash.Hash)
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		hash, err := r.Branch(e.Name())
		if err != nil {
			return nil, err
		}
		out[e.Name()] = hash
	}
	return out, nil
}

// DeleteBranch removes a named head
func (r *LocalRepo) DeleteBranch(name string) error {
	if err := r.checkWritable(); err != nil {
		return err
	}
	name, err := NormalizeName(name)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(r.path, dirRefs, name)); err != nil {
		return fmt.Errorf("failed to remove ref: %w", err)
	}
	return r.md.RemoveHead(name)
}

// Snapshot records a named snapshot of the given commit
func (r *LocalRepo) Snapshot(name string, commit objecthash.Hash) error {
	if err := r.checkWritable(); err != nil {
		return err
	}
	name, err := NormalizeName(name)
	if err != nil {
		return err
	}
	return r.snaps.Add(name, commit)
}

// Snapshots returns the snapshot name map
func (r *LocalRepo) Snapshots() map[string]objecthash.Hash {
	return r.snaps.List()
}

// ResolveSnapshot looks up a snapshot by name
func (r *LocalRepo) ResolveSnapshot(name string) (objecthash.Hash, bool) {
	return r.snaps.Get(name)
}

// DeleteSnapshot removes a snapshot name
func (r *LocalRepo) DeleteSnapshot(name string) error {
	if err := r.checkWritable(); err != nil {
		return err
	}
	return r.snaps.Remove(name)
}

// Metadata exposes the metadata store to sibling packages
func (r *LocalRepo) Metadata() *meta.Store {
	return r.md
}

// Cleanup removes leftovers of an unclean shutdown: the local socket
// and the scratch directory contents. The repository itself is not
// touched.
func Cleanup(path string) error {
	os.Remove(filepath.Join(path, fileUDSSock))

	tmpDir := filepath.Join(path, dirTmp)
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to scan scratch directory: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(tmpDir, e.Name())); err != nil {
			return fmt.Errorf("failed to clean scratch entry: %w", err)
		}
	}
	return nil
}
