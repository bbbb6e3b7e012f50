// SPDX-License-Identifier: MPL-2.0

package gitcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gosh-builder/internal/issue"
)

// fakeGit records git invocations and runs TestHelperProcess in their place.
type fakeGit struct {
	mu       sync.Mutex
	calls    [][]string
	delay    time.Duration
	exitCode int
}

func (f *fakeGit) command(ctx context.Context, name string, args ...string) *exec.Cmd {
	f.mu.Lock()
	f.calls = append(f.calls, slices.Clone(args))
	exitCode := f.exitCode
	f.mu.Unlock()

	time.Sleep(f.delay)

	cs := append([]string{"-test.run=TestHelperProcess", "--", name}, args...)
	cmd := exec.CommandContext(ctx, os.Args[0], cs...) //nolint:gosec // test helper process
	cmd.Env = []string{
		"GO_WANT_HELPER_PROCESS=1",
		fmt.Sprintf("GO_HELPER_EXIT_CODE=%d", exitCode),
	}
	return cmd
}

func (f *fakeGit) count(subcommand string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c) > 0 && c[0] == subcommand {
			n++
		}
	}
	return n
}

func (f *fakeGit) setExitCode(code int) {
	f.mu.Lock()
	f.exitCode = code
	f.mu.Unlock()
}

// TestHelperProcess stands in for git when a test injects fakeGit.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	if stderr := os.Getenv("GO_HELPER_STDERR"); stderr != "" {
		fmt.Fprint(os.Stderr, stderr)
	}
	exitCode := 0
	if code := os.Getenv("GO_HELPER_EXIT_CODE"); code != "" {
		fmt.Sscanf(code, "%d", &exitCode)
	}
	os.Exit(exitCode)
}

func newFakeRegistry(t *testing.T, fake *fakeGit) *Registry {
	t.Helper()
	r, err := NewRegistry(t.TempDir(), WithExecCommand(fake.command))
	require.NoError(t, err)
	return r
}

func TestRepoKey_DirName(t *testing.T) {
	t.Parallel()

	a := RepoKey("gosh://0:abc/dao/repo")
	b := RepoKey("gosh://0:abc/dao/other")

	assert.Equal(t, a.DirName(), a.DirName())
	assert.NotEqual(t, a.DirName(), b.DirName())
	assert.Len(t, a.DirName(), 16)
}

func TestRegistry_ConcurrentFirstResolveClonesOnce(t *testing.T) {
	t.Parallel()

	fake := &fakeGit{delay: 50 * time.Millisecond}
	r := newFakeRegistry(t, fake)

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Go(func() {
			_, err := r.Resolve(context.Background(), "gosh://0:abc/dao/repo")
			errs <- err
		})
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, fake.count("clone"))
	assert.Equal(t, int64(1), r.Stats().Clones())
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_DistinctKeysInitializeIndependently(t *testing.T) {
	t.Parallel()

	fake := &fakeGit{}
	r := newFakeRegistry(t, fake)

	h1, err := r.Resolve(context.Background(), "gosh://0:abc/dao/one")
	require.NoError(t, err)
	h2, err := r.Resolve(context.Background(), "gosh://0:abc/dao/two")
	require.NoError(t, err)

	assert.NotEqual(t, h1.Entry().Dir(), h2.Entry().Dir())
	assert.Equal(t, 2, fake.count("clone"))
}

func TestRegistry_HeldEntryDoesNotBlockOtherKeys(t *testing.T) {
	t.Parallel()

	fake := &fakeGit{}
	r := newFakeRegistry(t, fake)

	h, err := r.Resolve(context.Background(), "gosh://0:abc/dao/busy")
	require.NoError(t, err)
	require.NoError(t, h.Lock(context.Background()))
	defer h.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = r.Resolve(ctx, "gosh://0:abc/dao/free")
	require.NoError(t, err)
}

func TestRegistry_ResolveIsSingleShotPerProcess(t *testing.T) {
	t.Parallel()

	fake := &fakeGit{}
	r := newFakeRegistry(t, fake)

	for range 3 {
		_, err := r.Resolve(context.Background(), "gosh://0:abc/dao/repo")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, fake.count("clone"))
	assert.Equal(t, 0, fake.count("pull"))
}

func TestRegistry_WarmDirectoryRefreshesInsteadOfCloning(t *testing.T) {
	t.Parallel()

	fake := &fakeGit{}
	r := newFakeRegistry(t, fake)

	url := "gosh://0:abc/dao/repo"
	warm := filepath.Join(r.Root(), RepoKey(url).DirName(), ".git")
	require.NoError(t, os.MkdirAll(warm, 0o755))

	_, err := r.Resolve(context.Background(), url)
	require.NoError(t, err)

	assert.Equal(t, 0, fake.count("clone"))
	assert.Equal(t, 1, fake.count("pull"))
	assert.Equal(t, int64(1), r.Stats().Refreshes())
}

func TestRegistry_FailedCloneKeepsEntryAndReportsContext(t *testing.T) {
	t.Parallel()

	fake := &fakeGit{exitCode: 128}
	r := newFakeRegistry(t, fake)

	url := "gosh://0:abc/dao/broken"
	_, err := r.Resolve(context.Background(), url)
	require.Error(t, err)
	assert.True(t, errors.Is(err, issue.ErrCache))

	var cacheErr *CacheError
	require.True(t, errors.As(err, &cacheErr))
	assert.Equal(t, "clone", cacheErr.Op)
	assert.Equal(t, url, cacheErr.URL)
	assert.Equal(t, filepath.Join(r.Root(), RepoKey(url).DirName()), cacheErr.Dir)

	assert.Equal(t, 1, r.Len())
	assert.Equal(t, int64(1), r.Stats().Failures())

	// the next caller initializes again instead of using a broken entry
	fake.setExitCode(0)
	_, err = r.Resolve(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.count("clone"))
}

func TestRegistry_ResolveHonoursContextWhileWaiting(t *testing.T) {
	t.Parallel()

	fake := &fakeGit{}
	r := newFakeRegistry(t, fake)

	url := "gosh://0:abc/dao/repo"
	h, err := r.Resolve(context.Background(), url)
	require.NoError(t, err)
	require.NoError(t, h.Lock(context.Background()))
	defer h.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Resolve(ctx, url)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEntry_RejectsOptionLikeRefs(t *testing.T) {
	t.Parallel()

	fake := &fakeGit{}
	r := newFakeRegistry(t, fake)

	_, err := r.Normalize(context.Background(), "gosh://0:abc/dao/repo", "--all")
	assert.ErrorIs(t, err, ErrInvalidRef)
	assert.Equal(t, 0, fake.count("rev-list"))
}
