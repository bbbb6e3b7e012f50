// SPDX-License-Identifier: MPL-2.0

package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"gosh-builder/internal/core/serverbase"
	"gosh-builder/internal/gitcache"
	"gosh-builder/internal/ledger"
	"gosh-builder/internal/testutil"
)

const fixtureFile = "hello from a/b.txt\n"

func init() {
	gin.SetMode(gin.TestMode)
}

func newFixtureRepo(t *testing.T) (dir, hash string) {
	t.Helper()
	r, hash := testutil.NewRepo(t, map[string]string{"a/b.txt": fixtureFile})
	return r.Dir, hash
}

// startService starts a service on an ephemeral port whose dumb surface maps
// every repository to remote.
func startService(t *testing.T, remote string, opts ...Option) (*Service, *ledger.Ledger) {
	t.Helper()

	registry, err := gitcache.NewRegistry(t.TempDir())
	require.NoError(t, err)
	l := ledger.New()

	cfg := Config{
		Addr:            "127.0.0.1:0",
		ShutdownTimeout: 2 * time.Second,
		RemoteURL:       func(_, _, _ string) string { return remote },
	}
	svc := New(cfg, registry, l, opts...)
	require.NoError(t, svc.Start(context.Background()))
	testutil.StopOnCleanup(t, svc)
	return svc, l
}

func dial(t *testing.T, svc *Service) *Client {
	t.Helper()
	c, err := Dial(svc.Address())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func get(t *testing.T, url string) (int, string, http.Header) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body), resp.Header
}

func TestService_GoshGet(t *testing.T) {
	testutil.RequireGit(t)
	t.Parallel()

	remote, hash := newFixtureRepo(t)
	svc, l := startService(t, remote)
	client := dial(t, svc)
	ctx := context.Background()

	t.Run("raw file returns committed bytes", func(t *testing.T) {
		body, err := client.File(ctx, remote, "HEAD", "a/b.txt", true)
		require.NoError(t, err)
		assert.Equal(t, fixtureFile, string(body))
	})

	t.Run("compressed file", func(t *testing.T) {
		body, err := client.File(ctx, remote, hash[:8], "a/b.txt", false)
		require.NoError(t, err)
		dec, err := zstd.NewReader(nil)
		require.NoError(t, err)
		defer dec.Close()
		plain, err := dec.DecodeAll(body, nil)
		require.NoError(t, err)
		assert.Equal(t, fixtureFile, string(plain))
	})

	t.Run("commit archive", func(t *testing.T) {
		body, err := client.Commit(ctx, remote, "HEAD")
		require.NoError(t, err)
		files := untar(t, body)
		assert.Equal(t, fixtureFile, string(files["a/b.txt"]))
	})

	t.Run("missing path is not found", func(t *testing.T) {
		_, err := client.File(ctx, remote, "HEAD", "no/such/file", true)
		assert.Equal(t, codes.NotFound, status.Code(err))
	})

	t.Run("missing commit is not found", func(t *testing.T) {
		_, err := client.Commit(ctx, remote, "0123456789abcdef0123456789abcdef01234567")
		assert.Equal(t, codes.NotFound, status.Code(err))
	})

	t.Run("records use the normalized commit", func(t *testing.T) {
		ids := make(map[string]ledger.Classification)
		for _, rec := range l.Records() {
			ids[rec.ID] = rec.Class
		}
		assert.Equal(t, ledger.File, ids[ledger.FileID(remote, hash, "a/b.txt")])
		assert.Equal(t, ledger.Commit, ids[ledger.CommitID(remote, hash)])
		assert.NotContains(t, ids, ledger.FileID(remote, hash, "no/such/file"))
	})
}

func TestService_Dumb(t *testing.T) {
	testutil.RequireGit(t)
	t.Parallel()

	remote, _ := newFixtureRepo(t)
	svc, l := startService(t, remote)
	base := "http://" + svc.Address() + "/0:abc/dao/repo"

	code, body, _ := get(t, base+"/info/refs")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "refs/heads/")

	code, body, header := get(t, base+"/")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "text/html; charset=utf-8", header.Get("Content-Type"))
	assert.Contains(t, body, `<a href="/0:abc/dao/repo/objects/">objects/</a>`)

	code, _, _ = get(t, base+"/no-such-file")
	assert.Equal(t, http.StatusNotFound, code)

	records := l.Records()
	require.Len(t, records, 1)
	assert.Equal(t, ledger.Record{Class: ledger.Repository, ID: remote}, records[0])
}

func TestService_Ancillary(t *testing.T) {
	t.Parallel()

	svc, _ := startService(t, "unused")
	base := "http://" + svc.Address()

	code, body, _ := get(t, base+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, body)

	code, body, _ = get(t, base+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "gosh_cache_clones_total")
	assert.Contains(t, body, "gosh_ledger_records")
	assert.Contains(t, body, `gosh_proxy_requests_total{route="/healthz",status="200",surface="http"} 1`)
}

func TestService_RemoteHelper(t *testing.T) {
	t.Parallel()

	pool := NewSessionPool(t.TempDir(), WithSessionCommand(helperCommand))
	svc, l := startService(t, "unused", WithSessionPool(pool))
	client := dial(t, svc)
	ctx := context.Background()

	require.NoError(t, client.Spawn(ctx, "s1", []string{"origin", "gosh://0:abc/dao/repo"}))

	out, err := client.Command(ctx, "s1", []byte("capabilities\n"))
	require.NoError(t, err)
	assert.Equal(t, "fetch\noption\n", string(out))

	_, err = client.Command(ctx, "s1", []byte("write\n"))
	require.NoError(t, err)
	archive, err := client.GetArchive(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "fetched\n", string(untar(t, archive)["marker"]))

	_, err = client.Command(ctx, "nope", []byte("capabilities\n"))
	assert.Equal(t, codes.NotFound, status.Code(err))

	assert.Equal(t, []ledger.Record{{Class: ledger.Repository, ID: "origin:gosh://0:abc/dao/repo"}}, l.Records())
}

func TestService_Lifecycle(t *testing.T) {
	t.Parallel()

	registry, err := gitcache.NewRegistry(t.TempDir())
	require.NoError(t, err)
	svc := New(Config{Addr: "127.0.0.1:0"}, registry, ledger.New())

	assert.Empty(t, svc.Address())
	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, serverbase.StateRunning, svc.State())
	addr := svc.Address()
	assert.NotEmpty(t, addr)

	require.NoError(t, svc.Stop())
	assert.Equal(t, serverbase.StateStopped, svc.State())
	require.NoError(t, svc.Stop())

	_, err = http.Get("http://" + addr + "/healthz")
	assert.Error(t, err)
}

func TestService_StartOnBusyAddress(t *testing.T) {
	t.Parallel()

	first, _ := startService(t, "unused")

	registry, err := gitcache.NewRegistry(t.TempDir())
	require.NoError(t, err)
	pool := NewSessionPool(t.TempDir())
	second := New(Config{Addr: first.Address()}, registry, ledger.New(), WithSessionPool(pool))
	err = second.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, serverbase.StateFailed, second.State())

	// A failed start releases the helper pool without waiting for Stop.
	assert.ErrorIs(t, pool.Spawn(context.Background(), "late", nil), ErrPoolClosed)
	assert.Zero(t, pool.Len())
	require.NoError(t, second.Stop())
}

func TestRPCError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want codes.Code
	}{
		{&gitcache.CacheError{Op: "show", Err: gitcache.ErrNotFound}, codes.NotFound},
		{ErrSessionNotFound, codes.NotFound},
		{gitcache.ErrInvalidRef, codes.InvalidArgument},
		{context.Canceled, codes.Canceled},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, status.Code(rpcError(tt.err)), tt.err.Error())
	}
}
