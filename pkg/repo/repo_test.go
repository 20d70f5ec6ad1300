package repo

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/WebFirstLanguage/hivefs/pkg/objecthash"
	"github.com/WebFirstLanguage/hivefs/pkg/objects"
)

// newTestRepo initializes and opens a writable repository under a
// temporary working tree
func newTestRepo(t *testing.T) *LocalRepo {
	t.Helper()
	work := t.TempDir()
	path := filepath.Join(work, RepoDirName)
	require.NoError(t, Init(path))

	r, err := Open(path, true, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestInitLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), RepoDirName)
	require.NoError(t, Init(path))

	for _, name := range []string{"id", "version", "objs", "refs", "remotes", "keys", "tmp"} {
		_, err := os.Stat(filepath.Join(path, name))
		require.NoError(t, err, "missing %s", name)
	}

	// A second init must refuse
	require.Error(t, Init(path))
}

func TestOpenRejectsBadVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), RepoDirName)
	require.NoError(t, Init(path))
	require.NoError(t, os.WriteFile(filepath.Join(path, "version"), []byte("BOGUS9\n"), 0644))

	_, err := Open(path, false, Options{})
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestWriterLockIsExclusive(t *testing.T) {
	r := newTestRepo(t)

	_, err := Open(r.Path(), true, Options{})
	require.ErrorIs(t, err, ErrRepoLocked)

	// Readers may open concurrently
	reader, err := Open(r.Path(), false, Options{})
	require.NoError(t, err)
	reader.Close()
}

func TestBlobRoundTrip(t *testing.T) {
	r := newTestRepo(t)

	// 0x00..0xFF repeated 16 times
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i % 256)
	}

	hash, err := r.AddBlob(data)
	require.NoError(t, err)
	require.Equal(t, objecthash.Hash(sha256.Sum256(data)), hash)

	obj, err := r.GetObject(hash)
	require.NoError(t, err)
	payload, err := obj.Payload()
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, data))

	// Verified read path
	payload2, err := r.GetPayload(hash)
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload2, data))
}

func TestAddBlobDeduplicates(t *testing.T) {
	r := newTestRepo(t)

	data := []byte("stored twice")
	h1, err := r.AddBlob(data)
	require.NoError(t, err)
	h2, err := r.AddBlob(data)
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	// The duplicate add bumped the reference count
	require.Equal(t, uint32(2), r.Metadata().RefCount(h1))

	infos, err := r.ListObjects()
	require.NoError(t, err)
	require.Len(t, infos, 1)
}

func TestAddFileSmallAndLarge(t *testing.T) {
	r := newTestRepo(t)
	dir := t.TempDir()

	small := filepath.Join(dir, "small.txt")
	require.NoError(t, os.WriteFile(small, []byte("tiny"), 0644))
	hash, largeHash, err := r.AddFile(small)
	require.NoError(t, err)
	require.True(t, largeHash.IsEmpty())
	require.Equal(t, objecthash.Sum([]byte("tiny")), hash)

	// Ten 1 MiB runs of the same byte chunk into identical spans,
	// so at most one distinct object
	big := filepath.Join(dir, "big.bin")
	bigData := bytes.Repeat([]byte{0x41}, 10*1024*1024)
	require.NoError(t, os.WriteFile(big, bigData, 0644))

	descHash, fullHash, err := r.AddFile(big)
	require.NoError(t, err)
	require.False(t, fullHash.IsEmpty())
	require.Equal(t, objecthash.Sum(bigData), fullHash)

	lb, err := r.GetLargeBlob(descHash)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(lb.Chunks), 10*128)
	require.Equal(t, uint64(len(bigData)), lb.TotalSize())

	distinct := make(map[objecthash.Hash]struct{})
	for _, c := range lb.Chunks {
		distinct[c.Hash] = struct{}{}
	}
	require.LessOrEqual(t, len(distinct), 1)

	// Reassembly reproduces the file byte for byte
	var buf bytes.Buffer
	require.NoError(t, r.ReadLargeFile(descHash, &buf))
	require.True(t, bytes.Equal(buf.Bytes(), bigData))
}

func TestGetObjectNotFound(t *testing.T) {
	r := newTestRepo(t)
	_, err := r.GetObject(objecthash.Sum([]byte("absent")))
	require.ErrorIs(t, err, ErrObjectNotFound)
}

// helloTree builds the fixture tree {a/b.txt -> "hello"} with fixed
// attributes
func helloTree(t *testing.T, r *LocalRepo) objecthash.Hash {
	t.Helper()
	blobHash, err := r.AddBlob([]byte("hello"))
	require.NoError(t, err)

	fileEntry := objects.NewFileEntry(blobHash, objecthash.Hash{})
	fileEntry.Attrs.SetUint(objects.AttrSize, 5)
	fileEntry.Attrs.SetPerms(0o644)
	fileEntry.Attrs[objects.AttrUser] = "tester"
	fileEntry.Attrs[objects.AttrGroup] = "tester"
	fileEntry.Attrs.SetUint(objects.AttrCtime, 0)
	fileEntry.Attrs.SetUint(objects.AttrMtime, 0)

	dirAttrs := defaultDirAttrs()

	flat := objects.FlatTree{
		"/a":       {Type: objects.EntryTree, Attrs: dirAttrs},
		"/a/b.txt": fileEntry,
	}
	tree, err := r.Unflatten(flat)
	require.NoError(t, err)
	return tree
}

func TestCommitDeterministic(t *testing.T) {
	// The same tree, user and timestamp must produce the same commit
	// hash in two fresh repositories
	mk := func() objecthash.Hash {
		r := newTestRepo(t)
		tree := helloTree(t, r)
		commit, err := r.CommitFromTree(tree, "tester", "", "", time.Unix(0, 0))
		require.NoError(t, err)
		return commit
	}
	require.Equal(t, mk(), mk())
}

func TestCommitAdvancesHead(t *testing.T) {
	r := newTestRepo(t)

	head, err := r.Head()
	require.NoError(t, err)
	require.True(t, head.IsEmpty())

	tree := helloTree(t, r)
	c1, err := r.CommitFromTree(tree, "tester", "first", "", time.Unix(100, 0))
	require.NoError(t, err)

	head, err = r.Head()
	require.NoError(t, err)
	require.Equal(t, c1, head)

	commit, err := r.GetCommit(c1)
	require.NoError(t, err)
	require.True(t, commit.IsRoot())
	require.Equal(t, "first", commit.Message)

	// A second commit chains to the first
	blobHash, err := r.AddBlob([]byte("more"))
	require.NoError(t, err)
	entry := objects.NewFileEntry(blobHash, objecthash.Hash{})
	entry.Attrs = defaultDirAttrs()
	flat, err := r.Flatten(tree)
	require.NoError(t, err)
	flat["/more.txt"] = entry
	tree2, err := r.Unflatten(flat)
	require.NoError(t, err)

	c2, err := r.CommitFromTree(tree2, "tester", "second", "", time.Unix(200, 0))
	require.NoError(t, err)

	second, err := r.GetCommit(c2)
	require.NoError(t, err)
	require.Equal(t, c1, second.Parents[0])
}

func TestFlattenUnflattenIdentity(t *testing.T) {
	r := newTestRepo(t)
	tree := helloTree(t, r)

	flat, err := r.Flatten(tree)
	require.NoError(t, err)
	tree2, err := r.Unflatten(flat)
	require.NoError(t, err)
	require.Equal(t, tree, tree2)
}

func TestCheckout(t *testing.T) {
	r := newTestRepo(t)
	tree := helloTree(t, r)
	commit, err := r.CommitFromTree(tree, "tester", "", "", time.Unix(0, 0))
	require.NoError(t, err)

	dest := t.TempDir()
	require.NoError(t, r.Checkout(commit, dest))

	data, err := os.ReadFile(filepath.Join(dest, "a", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestSnapshots(t *testing.T) {
	r := newTestRepo(t)
	tree := helloTree(t, r)
	commit, err := r.CommitFromTree(tree, "tester", "", "nightly", time.Unix(0, 0))
	require.NoError(t, err)

	got, ok := r.ResolveSnapshot("nightly")
	require.True(t, ok)
	require.Equal(t, commit, got)

	// Snapshot survives a reopen
	require.NoError(t, r.Close())
	r2, err := Open(r.Path(), true, Options{})
	require.NoError(t, err)
	defer r2.Close()

	got, ok = r2.ResolveSnapshot("nightly")
	require.True(t, ok)
	require.Equal(t, commit, got)

	require.NoError(t, r2.DeleteSnapshot("nightly"))
	_, ok = r2.ResolveSnapshot("nightly")
	require.False(t, ok)
}

func TestBranches(t *testing.T) {
	r := newTestRepo(t)
	tree := helloTree(t, r)
	commit, err := r.CommitFromTree(tree, "tester", "", "", time.Unix(0, 0))
	require.NoError(t, err)

	require.NoError(t, r.SetBranch("main", commit))
	got, err := r.Branch("main")
	require.NoError(t, err)
	require.Equal(t, commit, got)

	branches, err := r.Branches()
	require.NoError(t, err)
	require.Len(t, branches, 1)

	require.NoError(t, r.DeleteBranch("main"))
	_, err = r.Branch("main")
	require.Error(t, err)
}

func TestRefCountSoundness(t *testing.T) {
	r := newTestRepo(t)
	tree := helloTree(t, r)
	_, err := r.CommitFromTree(tree, "tester", "", "", time.Unix(0, 0))
	require.NoError(t, err)

	// An unreferenced blob on the side
	orphan, err := r.AddBlob([]byte("orphan"))
	require.NoError(t, err)

	counts, err := r.RecomputeRefCounts()
	require.NoError(t, err)

	head, err := r.Head()
	require.NoError(t, err)
	require.GreaterOrEqual(t, counts[head], uint32(1))

	commit, err := r.GetCommit(head)
	require.NoError(t, err)
	require.GreaterOrEqual(t, counts[commit.Tree], uint32(1))
	require.Zero(t, counts[orphan])
}

func TestGCCollectsUnreachable(t *testing.T) {
	r := newTestRepo(t)
	tree := helloTree(t, r)
	_, err := r.CommitFromTree(tree, "tester", "", "", time.Unix(0, 0))
	require.NoError(t, err)

	orphan, err := r.AddBlob([]byte("doomed"))
	require.NoError(t, err)

	result, err := r.GC()
	require.NoError(t, err)
	require.GreaterOrEqual(t, result.Collected, 1)

	_, err = r.GetObject(orphan)
	require.ErrorIs(t, err, ErrObjectNotFound)

	// Everything reachable survives and still verifies
	head, err := r.Head()
	require.NoError(t, err)
	commit, err := r.GetCommit(head)
	require.NoError(t, err)
	flat, err := r.Flatten(commit.Tree)
	require.NoError(t, err)
	for _, entry := range flat {
		if entry.Type == objects.EntryBlob {
			_, err := r.GetPayload(entry.Hash)
			require.NoError(t, err)
		}
	}
}

func TestPurge(t *testing.T) {
	r := newTestRepo(t)

	hash, err := r.AddBlob([]byte("purge me"))
	require.NoError(t, err)
	require.NoError(t, r.Purge(hash))

	info, err := r.GetObjectInfo(hash)
	require.NoError(t, err)
	require.Equal(t, objects.TypePurged, info.Type)

	_, err = r.GetPayload(hash)
	require.ErrorIs(t, err, ErrObjectNotFound)
}

func TestPullEquivalence(t *testing.T) {
	src := newTestRepo(t)
	tree := helloTree(t, src)
	_, err := src.CommitFromTree(tree, "tester", "sync me", "", time.Unix(42, 0))
	require.NoError(t, err)
	// A large file too, so chunks travel
	dir := t.TempDir()
	big := filepath.Join(dir, "big.bin")
	require.NoError(t, os.WriteFile(big, bytes.Repeat([]byte("payload"), 64*1024), 0644))
	_, _, err = src.AddFile(big)
	require.NoError(t, err)
	_, err = src.RecomputeRefCounts()
	require.NoError(t, err)

	dst := newTestRepo(t)
	result, err := dst.Pull(src, nil)
	require.NoError(t, err)
	require.Greater(t, result.Transferred, 0)

	srcHead, err := src.Head()
	require.NoError(t, err)
	dstHead, err := dst.Head()
	require.NoError(t, err)
	require.Equal(t, srcHead, dstHead)

	srcObjs, err := src.ListObjects()
	require.NoError(t, err)
	dstObjs, err := dst.ListObjects()
	require.NoError(t, err)
	require.Equal(t, srcObjs, dstObjs)

	// Pulling again with no remote change transfers nothing
	result2, err := dst.Pull(src, nil)
	require.NoError(t, err)
	require.Zero(t, result2.Transferred)
	dstHead2, err := dst.Head()
	require.NoError(t, err)
	require.Equal(t, dstHead, dstHead2)
}

func TestMergeTextThreeWay(t *testing.T) {
	r := newTestRepo(t)

	commitText := func(content string, parent objecthash.Hash) objecthash.Hash {
		blobHash, err := r.AddBlob([]byte(content))
		require.NoError(t, err)
		entry := objects.NewFileEntry(blobHash, objecthash.Hash{})
		entry.Attrs = defaultDirAttrs()
		entry.Attrs.SetUint(objects.AttrSize, uint64(len(content)))
		tree, err := r.Unflatten(objects.FlatTree{"/f.txt": entry})
		require.NoError(t, err)

		c := &objects.Commit{Tree: tree, User: "tester", Time: 1}
		c.Parents[0] = parent
		blob, err := c.Marshal()
		require.NoError(t, err)
		hash := objecthash.Sum(blob)
		require.NoError(t, r.AddObject(objects.TypeCommit, hash, blob))
		return hash
	}

	base := commitText("a\nb\nc\n", objecthash.Hash{})
	sideA := commitText("a\nB\nc\n", base)
	sideB := commitText("a\nb\nC\n", base)

	result, err := r.Merge(sideA, sideB, "tester", time.Unix(0, 0))
	require.NoError(t, err)
	require.Empty(t, result.Conflicts)
	require.False(t, result.Commit.IsEmpty())

	merged, err := r.GetCommit(result.Commit)
	require.NoError(t, err)
	flat, err := r.Flatten(merged.Tree)
	require.NoError(t, err)
	payload, err := r.GetPayload(flat["/f.txt"].Hash)
	require.NoError(t, err)
	require.Equal(t, "a\nB\nC\n", string(payload))
}

func TestMergeNoCommonAncestor(t *testing.T) {
	r := newTestRepo(t)

	mkRoot := func(content string) objecthash.Hash {
		blobHash, err := r.AddBlob([]byte(content))
		require.NoError(t, err)
		entry := objects.NewFileEntry(blobHash, objecthash.Hash{})
		entry.Attrs = defaultDirAttrs()
		tree, err := r.Unflatten(objects.FlatTree{"/x": entry})
		require.NoError(t, err)
		c := &objects.Commit{Tree: tree, User: "tester", Time: 1}
		blob, err := c.Marshal()
		require.NoError(t, err)
		hash := objecthash.Sum(blob)
		require.NoError(t, r.AddObject(objects.TypeCommit, hash, blob))
		return hash
	}

	// Two unrelated root commits with different trees
	c1 := mkRoot("one")
	c2 := mkRoot("two")

	_, err := r.Merge(c1, c2, "tester", time.Unix(0, 0))
	require.ErrorIs(t, err, ErrNoCommonAncestor)
}

func TestGraftSubtree(t *testing.T) {
	src := newTestRepo(t)
	tree := helloTree(t, src)
	srcHead, err := src.CommitFromTree(tree, "tester", "", "", time.Unix(0, 0))
	require.NoError(t, err)

	dst := newTestRepo(t)
	grafted, err := dst.GraftSubtree(src, "/a", "/imported", "tester", time.Unix(50, 0))
	require.NoError(t, err)

	c, err := dst.GetCommit(grafted)
	require.NoError(t, err)
	require.True(t, c.HasGraft())
	require.Equal(t, "/a", c.GraftPath)
	require.Equal(t, srcHead, c.GraftCommit)

	flat, err := dst.Flatten(c.Tree)
	require.NoError(t, err)
	entry, ok := flat["/imported/b.txt"]
	require.True(t, ok)
	payload, err := dst.GetPayload(entry.Hash)
	require.NoError(t, err)
	require.Equal(t, "hello", string(payload))
}

func TestRemotes(t *testing.T) {
	r := newTestRepo(t)

	p, err := r.AddRemote("backup", "tcp://peer.example:27460")
	require.NoError(t, err)
	require.Equal(t, "backup", p.Name)

	got, err := r.Remote("backup")
	require.NoError(t, err)
	require.Equal(t, "tcp://peer.example:27460", got.URL)

	got.RepoID = "some-fsid"
	require.NoError(t, got.Save())
	again, err := r.Remote("backup")
	require.NoError(t, err)
	require.Equal(t, "some-fsid", again.RepoID)

	require.NoError(t, r.RemoveRemote("backup"))
	_, err = r.Remote("backup")
	require.Error(t, err)
}

func TestSnapshotIndexToleratesPartialLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshots")

	hash := objecthash.Sum([]byte("snap"))
	content := hash.Hex() + " good\n" + hash.Hex()[:20] // crashed append
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	si, err := OpenSnapshotIndex(path)
	require.NoError(t, err)
	defer si.Close()

	_, ok := si.Get("good")
	require.True(t, ok)
	require.Len(t, si.List(), 1)
}

func TestReadOnlyHandleRefusesWrites(t *testing.T) {
	rw := newTestRepo(t)
	require.NoError(t, rw.Close())

	r, err := Open(rw.Path(), false, Options{})
	require.NoError(t, err)
	defer r.Close()

	_, err = r.AddBlob([]byte("nope"))
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestCleanupRemovesScratch(t *testing.T) {
	r := newTestRepo(t)
	scratch := filepath.Join(r.TmpDir(), "leftover")
	require.NoError(t, os.WriteFile(scratch, []byte("x"), 0644))
	require.NoError(t, r.Close())

	require.NoError(t, Cleanup(r.Path()))
	_, err := os.Stat(scratch)
	require.True(t, errors.Is(err, os.ErrNotExist))
}
