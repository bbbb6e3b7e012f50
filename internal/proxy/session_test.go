// SPDX-License-Identifier: MPL-2.0

package proxy

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helperCommand starts TestSessionHelperProcess in place of the remote helper.
func helperCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cs := append([]string{"-test.run=TestSessionHelperProcess", "--", name}, args...)
	cmd := exec.CommandContext(ctx, os.Args[0], cs...)
	cmd.Env = append(os.Environ(), "GO_WANT_SESSION_HELPER=1")
	return cmd
}

// TestSessionHelperProcess is a minimal line-oriented remote helper.
func TestSessionHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_SESSION_HELPER") != "1" {
		return
	}

	args := os.Args[slices.Index(os.Args, "--")+2:]
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		switch sc.Text() {
		case "capabilities":
			fmt.Print("fetch\noption\n\n")
		case "gitdir":
			fmt.Printf("%s\n\n", os.Getenv("GIT_DIR"))
		case "args":
			fmt.Printf("%s\n\n", strings.Join(args, " "))
		case "write":
			_ = os.WriteFile(filepath.Join(os.Getenv("GIT_DIR"), "marker"), []byte("fetched\n"), 0o644)
			fmt.Print("ok\n\n")
		case "crash":
			fmt.Fprintln(os.Stderr, "crashing")
			os.Exit(3)
		default:
			fmt.Print("unsupported\n\n")
		}
	}
	os.Exit(0)
}

func newTestPool(t *testing.T) *SessionPool {
	t.Helper()
	p := NewSessionPool(t.TempDir(), WithSessionCommand(helperCommand))
	t.Cleanup(p.Close)
	return p
}

func untar(t *testing.T, compressed []byte) map[string][]byte {
	t.Helper()
	dec, err := zstd.NewReader(bytes.NewReader(compressed))
	require.NoError(t, err)
	defer dec.Close()

	files := make(map[string][]byte)
	tr := tar.NewReader(dec)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[hdr.Name] = data
	}
}

func TestSessionPool_Command(t *testing.T) {
	t.Parallel()

	p := newTestPool(t)
	ctx := context.Background()
	require.NoError(t, p.Spawn(ctx, "s1", []string{"origin", "gosh://0:abc/dao/repo"}))
	assert.Equal(t, 1, p.Len())

	out, err := p.Command(ctx, "s1", []byte("capabilities\n"))
	require.NoError(t, err)
	assert.Equal(t, "fetch\noption\n", string(out))

	// A body without a trailing newline is terminated for the helper.
	out, err = p.Command(ctx, "s1", []byte("args"))
	require.NoError(t, err)
	assert.Equal(t, "origin gosh://0:abc/dao/repo\n", string(out))

	out, err = p.Command(ctx, "s1", []byte("gitdir\n"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(p.root, "s1")+"\n", string(out))
}

func TestSessionPool_CustomSentinel(t *testing.T) {
	t.Parallel()

	p := NewSessionPool(t.TempDir(), WithSessionCommand(helperCommand), WithSentinel("option"))
	t.Cleanup(p.Close)
	ctx := context.Background()
	require.NoError(t, p.Spawn(ctx, "s", nil))

	out, err := p.Command(ctx, "s", []byte("capabilities\n"))
	require.NoError(t, err)
	assert.Equal(t, "fetch\n", string(out))
}

func TestSessionPool_Archive(t *testing.T) {
	t.Parallel()

	p := newTestPool(t)
	ctx := context.Background()
	require.NoError(t, p.Spawn(ctx, "s1", nil))

	_, err := p.Command(ctx, "s1", []byte("write\n"))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, p.Archive(ctx, "s1", &buf))

	files := untar(t, buf.Bytes())
	assert.Equal(t, "fetched\n", string(files["marker"]))
	assert.Contains(t, files, "HEAD")
	assert.Contains(t, files, "objects/")
}

func TestSessionPool_Errors(t *testing.T) {
	t.Parallel()

	p := newTestPool(t)
	ctx := context.Background()

	_, err := p.Command(ctx, "missing", []byte("capabilities\n"))
	assert.ErrorIs(t, err, ErrSessionNotFound)

	assert.ErrorIs(t, p.Archive(ctx, "missing", io.Discard), ErrSessionNotFound)

	for _, id := range []string{"", "..", "a/b", `a\b`} {
		assert.ErrorIs(t, p.Spawn(ctx, id, nil), ErrInvalidSessionID, id)
	}
}

func TestSessionPool_HelperExit(t *testing.T) {
	t.Parallel()

	p := newTestPool(t)
	ctx := context.Background()
	require.NoError(t, p.Spawn(ctx, "s", nil))

	_, err := p.Command(ctx, "s", []byte("crash\n"))
	require.Error(t, err)
}

func TestSessionPool_RespawnReplaces(t *testing.T) {
	t.Parallel()

	p := newTestPool(t)
	ctx := context.Background()
	require.NoError(t, p.Spawn(ctx, "s", []string{"first"}))
	require.NoError(t, p.Spawn(ctx, "s", []string{"second"}))
	assert.Equal(t, 1, p.Len())

	out, err := p.Command(ctx, "s", []byte("args\n"))
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(out))
}

func TestSessionPool_Close(t *testing.T) {
	t.Parallel()

	p := NewSessionPool(t.TempDir(), WithSessionCommand(helperCommand))
	ctx := context.Background()
	require.NoError(t, p.Spawn(ctx, "s", nil))

	p.Close()
	assert.Equal(t, 0, p.Len())
	assert.ErrorIs(t, p.Spawn(ctx, "t", nil), ErrPoolClosed)
}
