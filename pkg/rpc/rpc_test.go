package rpc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/WebFirstLanguage/hivefs/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/hivefs/pkg/objecthash"
	"github.com/WebFirstLanguage/hivefs/pkg/objects"
	"github.com/WebFirstLanguage/hivefs/pkg/repo"
	"github.com/WebFirstLanguage/hivefs/pkg/transport/uds"
)

// startServer serves a repository on a Unix socket and returns a
// connected client
func startServer(t *testing.T, r *repo.LocalRepo) *RemoteRepo {
	t.Helper()

	sock := filepath.Join(t.TempDir(), "uds.sock")
	tr := uds.New()
	l, err := tr.Listen(context.Background(), sock, nil)
	require.NoError(t, err)

	server := NewServer(r)
	ctx, cancel := context.WithCancel(context.Background())
	go server.Serve(ctx, l, "uds")
	t.Cleanup(func() {
		cancel()
		server.Shutdown()
		l.Close()
	})

	conn, err := tr.Dial(context.Background(), sock, nil)
	require.NoError(t, err)
	client, err := NewRemoteRepo(conn)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

// seededRepo creates a repository holding one commit of a small tree
func seededRepo(t *testing.T) *repo.LocalRepo {
	t.Helper()
	path := filepath.Join(t.TempDir(), repo.RepoDirName)
	require.NoError(t, repo.Init(path))
	r, err := repo.Open(path, true, repo.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	work := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(work, "docs"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(work, "docs", "note.txt"), []byte("note contents"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(work, "top.txt"), []byte("top"), 0644))

	_, err = r.CommitDirectory(work, "tester", "seed", "", time.Unix(1000, 0))
	require.NoError(t, err)
	return r
}

func TestSessionBasics(t *testing.T) {
	r := seededRepo(t)
	client := startServer(t, r)

	version, err := client.Hello()
	require.NoError(t, err)
	require.NotEmpty(t, version)

	fsid, err := client.FSID()
	require.NoError(t, err)
	localFSID, _ := r.FSID()
	require.Equal(t, localFSID, fsid)

	storeVersion, err := client.Version()
	require.NoError(t, err)
	localVersion, _ := r.Version()
	require.Equal(t, localVersion, storeVersion)

	head, err := client.Head()
	require.NoError(t, err)
	localHead, _ := r.Head()
	require.Equal(t, localHead, head)
}

func TestListAndFetch(t *testing.T) {
	r := seededRepo(t)
	client := startServer(t, r)

	remoteInfos, err := client.ListObjects()
	require.NoError(t, err)
	localInfos, err := r.ListObjects()
	require.NoError(t, err)
	require.Equal(t, localInfos, remoteInfos)

	commits, err := client.ListCommits()
	require.NoError(t, err)
	require.Len(t, commits, 1)
	require.Equal(t, "seed", commits[0].Message)

	// Fetch every object and verify payloads against their names
	var hashes []objecthash.Hash
	for _, info := range remoteInfos {
		hashes = append(hashes, info.Hash)
	}
	fetched, err := client.FetchObjects(hashes)
	require.NoError(t, err)
	require.Len(t, fetched, len(hashes))

	// Unknown hashes are silently absent
	fetched, err = client.FetchObjects([]objecthash.Hash{objecthash.Sum([]byte("nope"))})
	require.NoError(t, err)
	require.Empty(t, fetched)
}

func TestGetObjectVerifies(t *testing.T) {
	r := seededRepo(t)
	client := startServer(t, r)

	head, err := client.Head()
	require.NoError(t, err)
	obj, err := client.GetObject(head)
	require.NoError(t, err)
	require.Equal(t, objects.TypeCommit, obj.Info.Type)
	require.NoError(t, obj.VerifyPayload())
}

func TestGetObjInfoErrorResponse(t *testing.T) {
	r := seededRepo(t)
	client := startServer(t, r)

	_, err := client.GetObjectInfo(objecthash.Sum([]byte("missing")))
	require.Error(t, err)

	// The session survives an error response
	_, err = client.Head()
	require.NoError(t, err)
}

func TestExtensions(t *testing.T) {
	r := seededRepo(t)
	client := startServer(t, r)

	names, err := client.ListExt()
	require.NoError(t, err)
	require.Contains(t, names, "stats")

	result, err := client.CallExt("stats", nil)
	require.NoError(t, err)

	var stats repo.Stats
	require.NoError(t, cborcanon.Unmarshal(result, &stats))
	require.Greater(t, stats.Objects, 0)

	_, err = client.CallExt("no-such-ext", nil)
	require.Error(t, err)
}

func TestPullThroughSession(t *testing.T) {
	src := seededRepo(t)
	client := startServer(t, src)

	dstPath := filepath.Join(t.TempDir(), repo.RepoDirName)
	require.NoError(t, repo.Init(dstPath))
	dst, err := repo.Open(dstPath, true, repo.Options{})
	require.NoError(t, err)
	defer dst.Close()

	result, err := dst.Pull(client, nil)
	require.NoError(t, err)
	require.Greater(t, result.Transferred, 0)

	srcHead, _ := src.Head()
	dstHead, _ := dst.Head()
	require.Equal(t, srcHead, dstHead)

	srcObjs, err := src.ListObjects()
	require.NoError(t, err)
	dstObjs, err := dst.ListObjects()
	require.NoError(t, err)
	require.Equal(t, srcObjs, dstObjs)
}

func TestShutdownSeversSessions(t *testing.T) {
	r := seededRepo(t)

	sock := filepath.Join(t.TempDir(), "uds.sock")
	tr := uds.New()
	l, err := tr.Listen(context.Background(), sock, nil)
	require.NoError(t, err)

	server := NewServer(r)
	ctx := context.Background()
	go server.Serve(ctx, l, "uds")

	conn, err := tr.Dial(context.Background(), sock, nil)
	require.NoError(t, err)
	client, err := NewRemoteRepo(conn)
	require.NoError(t, err)

	_, err = client.Hello()
	require.NoError(t, err)

	l.Close()
	server.Shutdown()

	// The severed session fails subsequent calls
	_, err = client.Hello()
	require.Error(t, err)
}
