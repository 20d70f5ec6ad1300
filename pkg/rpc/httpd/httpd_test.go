package httpd

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/WebFirstLanguage/hivefs/pkg/objecthash"
	"github.com/WebFirstLanguage/hivefs/pkg/repo"
)

// testServer serves a seeded repository over an HTTP test listener
func testServer(t *testing.T) (*repo.LocalRepo, *Client) {
	t.Helper()

	path := filepath.Join(t.TempDir(), repo.RepoDirName)
	require.NoError(t, repo.Init(path))
	r, err := repo.Open(path, true, repo.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	work := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(work, "file.txt"), []byte("served over http"), 0644))
	_, err = r.CommitDirectory(work, "tester", "http seed", "", time.Unix(7, 0))
	require.NoError(t, err)

	srv := httptest.NewServer(NewHandler(r))
	t.Cleanup(srv.Close)

	return r, NewClient(srv.URL)
}

func TestTextEndpoints(t *testing.T) {
	r, client := testServer(t)

	fsid, err := client.FSID()
	require.NoError(t, err)
	localFSID, _ := r.FSID()
	require.Equal(t, localFSID, fsid)

	version, err := client.Version()
	require.NoError(t, err)
	localVersion, _ := r.Version()
	require.Equal(t, localVersion, version)

	head, err := client.Head()
	require.NoError(t, err)
	localHead, _ := r.Head()
	require.Equal(t, localHead, head)
}

func TestIndexAndCommits(t *testing.T) {
	r, client := testServer(t)

	remoteInfos, err := client.ListObjects()
	require.NoError(t, err)
	localInfos, err := r.ListObjects()
	require.NoError(t, err)
	require.Equal(t, localInfos, remoteInfos)

	commits, err := client.ListCommits()
	require.NoError(t, err)
	require.Len(t, commits, 1)
	require.Equal(t, "http seed", commits[0].Message)
}

func TestContains(t *testing.T) {
	r, client := testServer(t)

	head, _ := r.Head()
	present, err := client.Contains([]objecthash.Hash{
		head,
		objecthash.Sum([]byte("definitely absent")),
	})
	require.NoError(t, err)
	require.Equal(t, []bool{true, false}, present)
}

func TestObjInfoEndpoint(t *testing.T) {
	r, client := testServer(t)

	head, _ := r.Head()
	info, err := client.GetObjectInfo(head)
	require.NoError(t, err)
	require.Equal(t, head, info.Hash)

	_, err = client.GetObjectInfo(objecthash.Sum([]byte("missing")))
	require.Error(t, err)
}

func TestPullOverHTTP(t *testing.T) {
	src, client := testServer(t)

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

	// The transferred payload reads back intact
	commit, err := dst.GetCommit(dstHead)
	require.NoError(t, err)
	flat, err := dst.Flatten(commit.Tree)
	require.NoError(t, err)
	payload, err := dst.GetPayload(flat["/file.txt"].Hash)
	require.NoError(t, err)
	require.Equal(t, "served over http", string(payload))
}

func TestGetObjectOverHTTP(t *testing.T) {
	r, client := testServer(t)

	head, _ := r.Head()
	obj, err := client.GetObject(head)
	require.NoError(t, err)
	require.NoError(t, obj.VerifyPayload())

	_, err = client.GetObject(objecthash.Sum([]byte("absent")))
	require.ErrorIs(t, err, repo.ErrObjectNotFound)
}
