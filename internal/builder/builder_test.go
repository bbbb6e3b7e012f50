// SPDX-License-Identifier: MPL-2.0

package builder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gosh-builder/internal/config"
	"gosh-builder/internal/container"
	"gosh-builder/internal/gitcache"
	"gosh-builder/internal/issue"
	"gosh-builder/internal/ledger"
	"gosh-builder/internal/proxy"
	"gosh-builder/internal/testutil"
)

// fetch is one request a fake build makes through the proxy.
type fetch struct {
	remote, commit, path string
}

// fakeEngine stands in for docker: it records the options it was given and
// performs fetches through the proxy like a real build would.
type fakeEngine struct {
	fetches  []fetch
	exitCode int

	opts      container.BuildOptions
	fetchErrs []error
}

func (e *fakeEngine) Name() string {
	return "fake"
}

func (e *fakeEngine) Available() bool {
	return true
}

func (e *fakeEngine) Version(context.Context) (string, error) {
	return "1.0", nil
}

func (e *fakeEngine) Build(ctx context.Context, opts container.BuildOptions) (*container.BuildResult, error) {
	e.opts = opts

	client, err := proxy.Dial(opts.ProxyAddr)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	for _, f := range e.fetches {
		_, err := client.File(ctx, f.remote, f.commit, f.path, true)
		e.fetchErrs = append(e.fetchErrs, err)
	}

	if e.exitCode != 0 {
		return &container.BuildResult{ExitCode: e.exitCode},
			&issue.BuildError{ExitCode: e.exitCode, Engine: e.Name()}
	}
	return &container.BuildResult{ImageID: "sha256:feed"}, nil
}

// localConfig writes a build description and Dockerfile into a temp dir.
func localConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Gosh.yaml"), []byte(
		"dockerfile:\n  path: Dockerfile\ntag: app:test\nargs:\n  VERSION: ${APP_VERSION}\n"), 0o644))
	return filepath.Join(dir, "Gosh.yaml")
}

func testSettings(t *testing.T, configPath string) *config.Settings {
	t.Helper()
	return &config.Settings{
		Socket:          "127.0.0.1:0",
		ConfigPath:      configPath,
		Engine:          "docker",
		SBOMPath:        filepath.Join(t.TempDir(), "sbom.spdx.json"),
		ShutdownTimeout: 2 * time.Second,
	}
}

func newTestBuilder(t *testing.T, settings *config.Settings, engine container.Engine) *Builder {
	t.Helper()
	registry, err := gitcache.NewRegistry(t.TempDir())
	require.NoError(t, err)
	b, err := New(settings, WithEngine(engine), WithRegistry(registry),
		WithEnv(func(k string) string {
			if k == "APP_VERSION" {
				return "1.2.3"
			}
			return ""
		}))
	require.NoError(t, err)
	return b
}

func TestRun_PersistsBillOfMaterials(t *testing.T) {
	testutil.RequireGit(t)
	t.Parallel()

	fixture, _ := testutil.NewRepo(t, map[string]string{"a/b.txt": "b\n", "c.txt": "c\n"})
	remote := fixture.Dir
	settings := testSettings(t, localConfig(t))
	engine := &fakeEngine{fetches: []fetch{{remote, "HEAD", "a/b.txt"}, {remote, "HEAD", "a/b.txt"}}}

	result, err := newTestBuilder(t, settings, engine).Run(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, "sha256:feed", result.ImageID)
	assert.False(t, result.Validated)
	assert.Equal(t, "FROM scratch\n", engine.opts.Dockerfile)
	assert.Equal(t, "app:test", engine.opts.Tag)
	assert.Equal(t, map[string]string{"VERSION": "1.2.3"}, engine.opts.BuildArgs)
	for _, err := range engine.fetchErrs {
		require.NoError(t, err)
	}

	// Duplicate fetches collapse into one record.
	require.Equal(t, 1, result.Ledger.Len())

	bom, err := ledger.Load(settings.SBOMPath)
	require.NoError(t, err)
	assert.True(t, result.Ledger.Compare(bom))
	assert.NotEmpty(t, engine.opts.ProxyAddr)
}

func TestRun_Validate(t *testing.T) {
	testutil.RequireGit(t)
	t.Parallel()

	fixture, _ := testutil.NewRepo(t, map[string]string{"a/b.txt": "b\n", "c.txt": "c\n"})
	remote := fixture.Dir
	configPath := localConfig(t)
	settings := testSettings(t, configPath)

	first := &fakeEngine{fetches: []fetch{{remote, "HEAD", "a/b.txt"}}}
	_, err := newTestBuilder(t, settings, first).Run(context.Background(), "")
	require.NoError(t, err)

	t.Run("identical build passes", func(t *testing.T) {
		s := *settings
		s.Validate = true
		again := &fakeEngine{fetches: []fetch{{remote, "HEAD", "a/b.txt"}}}
		result, err := newTestBuilder(t, &s, again).Run(context.Background(), "")
		require.NoError(t, err)
		assert.True(t, result.Validated)
	})

	t.Run("extra fetch fails", func(t *testing.T) {
		s := *settings
		s.Validate = true
		extra := &fakeEngine{fetches: []fetch{{remote, "HEAD", "a/b.txt"}, {remote, "HEAD", "c.txt"}}}
		_, err := newTestBuilder(t, &s, extra).Run(context.Background(), "")

		var ve *issue.ValidationError
		require.True(t, errors.As(err, &ve), "got %v", err)
		assert.Empty(t, ve.Missing)
		require.Len(t, ve.Unexpected, 1)
		assert.Contains(t, ve.Unexpected[0], "c.txt")
		assert.Equal(t, issue.ExitValidation, issue.ExitCode(err))
	})

	t.Run("validation leaves the committed document untouched", func(t *testing.T) {
		bom, err := ledger.Load(settings.SBOMPath)
		require.NoError(t, err)
		require.NotNil(t, bom.Components)
		assert.Len(t, *bom.Components, 1)
	})
}

func TestRun_ValidateWithoutDocument(t *testing.T) {
	t.Parallel()

	settings := testSettings(t, localConfig(t))
	settings.Validate = true

	_, err := newTestBuilder(t, settings, &fakeEngine{}).Run(context.Background(), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, issue.ErrValidation)
	assert.False(t, errors.As(err, new(*issue.ValidationError)))
	assert.Equal(t, issue.Get(issue.BomUnreadableId), issue.ForError(err))
}

func TestRun_BuildFailure(t *testing.T) {
	t.Parallel()

	settings := testSettings(t, localConfig(t))
	engine := &fakeEngine{exitCode: 42}

	_, err := newTestBuilder(t, settings, engine).Run(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, 42, issue.ExitCode(err))

	_, statErr := os.Stat(settings.SBOMPath)
	assert.True(t, os.IsNotExist(statErr), "no document is written for a failed build")
}

func TestRun_ConfigErrors(t *testing.T) {
	t.Parallel()

	t.Run("missing local config", func(t *testing.T) {
		settings := testSettings(t, filepath.Join(t.TempDir(), "Gosh.yaml"))
		_, err := newTestBuilder(t, settings, &fakeEngine{}).Run(context.Background(), "")
		assert.ErrorIs(t, err, issue.ErrConfig)
		assert.Equal(t, issue.ExitConfig, issue.ExitCode(err))
	})

	t.Run("absolute config with remote context", func(t *testing.T) {
		settings := testSettings(t, "/abs/Gosh.yaml")
		_, err := newTestBuilder(t, settings, &fakeEngine{}).Run(context.Background(), "gosh://0:abc/dao/repo")
		assert.ErrorIs(t, err, issue.ErrConfig)
		assert.ErrorIs(t, err, ErrOutsideContext)
	})
}

func TestRun_RemoteContext(t *testing.T) {
	testutil.RequireGit(t)
	t.Parallel()

	fixture, _ := testutil.NewRepo(t, map[string]string{
		"app/Gosh.yaml":         "dockerfile:\n  path: docker/Dockerfile\n",
		"app/docker/Dockerfile": "FROM alpine\n",
	})
	remote := fixture.Dir
	settings := testSettings(t, "Gosh.yaml")
	engine := &fakeEngine{}

	_, err := newTestBuilder(t, settings, engine).Run(context.Background(), remote+"#HEAD:app")
	require.NoError(t, err)
	assert.Equal(t, "FROM alpine\n", engine.opts.Dockerfile)
}

func TestRemoteSource_RejectsEscapes(t *testing.T) {
	t.Parallel()

	src := &RemoteSource{subDir: "app"}
	for _, name := range []string{"/etc/passwd", "../../x", "../.."} {
		_, err := src.ReadFile(context.Background(), name)
		assert.ErrorIs(t, err, ErrOutsideContext, name)
	}
}
