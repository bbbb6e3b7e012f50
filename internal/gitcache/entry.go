// SPDX-License-Identifier: MPL-2.0

package gitcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/klauspost/compress/zstd"

	"gosh-builder/internal/procio"
)

const (
	// EncodingZstd compresses file content with zstd.
	EncodingZstd Encoding = iota
	// EncodingRaw returns file content as stored.
	EncodingRaw
)

// stderr fragments that mean the repository itself is unusable rather than
// the requested object being absent.
var hardFailures = []string{
	"not a git repository",
	"permission denied",
	"corrupt",
	"unable to read",
	"cannot lock",
}

type (
	// Encoding selects how Show writes file content.
	Encoding int

	// ExecCommandFunc creates the exec.Cmd for a git invocation.
	// Tests inject fakes through WithExecCommand.
	ExecCommandFunc func(ctx context.Context, name string, arg ...string) *exec.Cmd

	// Entry is one on-disk clone of a remote repository. Entry methods are not
	// safe for concurrent use; the Registry serializes them per entry through
	// the owning Handle.
	Entry struct {
		url         string
		dir         string
		gitBinary   string
		execCommand ExecCommandFunc
		logger      *log.Logger
		stats       *Stats
	}
)

func (e Encoding) String() string {
	switch e {
	case EncodingZstd:
		return "zstd"
	case EncodingRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// URL returns the remote URL the entry mirrors.
func (e *Entry) URL() string {
	return e.url
}

// Dir returns the working tree directory of the clone.
func (e *Entry) Dir() string {
	return e.dir
}

// Exists reports whether the clone is present on disk.
func (e *Entry) Exists() bool {
	_, err := os.Stat(filepath.Join(e.dir, ".git"))
	return err == nil
}

// InitializeOrRefresh clones the remote when the entry has no clone on disk
// and pulls all remotes otherwise.
func (e *Entry) InitializeOrRefresh(ctx context.Context) error {
	if e.Exists() {
		return e.refresh(ctx)
	}
	return e.clone(ctx)
}

func (e *Entry) clone(ctx context.Context) error {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return e.fail("clone", "", err)
	}

	e.logger.Info("cloning repository", "url", e.url, "dir", e.dir)
	e.stats.clones.Add(1)

	if stderr, err := e.run(ctx, nil, "clone", "--", e.url, "."); err != nil {
		e.stats.failures.Add(1)
		return e.fail("clone", stderr, err)
	}
	return nil
}

func (e *Entry) refresh(ctx context.Context) error {
	e.logger.Info("refreshing repository", "url", e.url, "dir", e.dir)
	e.stats.refreshes.Add(1)

	if stderr, err := e.run(ctx, nil, "pull", "--all"); err != nil {
		e.stats.failures.Add(1)
		return e.fail("refresh", stderr, err)
	}
	return nil
}

// ExposeDumb regenerates the auxiliary files needed by dumb HTTP clients and
// returns the directory to serve statically.
func (e *Entry) ExposeDumb(ctx context.Context) (string, error) {
	if stderr, err := e.run(ctx, nil, "update-server-info"); err != nil {
		return "", e.fail("update-server-info", stderr, err)
	}
	return filepath.Join(e.dir, ".git"), nil
}

// Archive streams a zstd-compressed tar of the tree at commit into w.
func (e *Entry) Archive(ctx context.Context, commit string, w io.Writer) error {
	if err := checkRef(commit); err != nil {
		return e.fail("archive", "", err)
	}

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return e.fail("archive", "", err)
	}

	stderr, runErr := e.run(ctx, enc, "archive", "--format=tar", commit)
	closeErr := enc.Close()
	if runErr != nil {
		return e.fail("archive", stderr, e.classify(stderr, runErr))
	}
	if closeErr != nil {
		return e.fail("archive", "", closeErr)
	}
	return nil
}

// Show writes the content of path at commit into w using the requested encoding.
// A path or commit that does not exist yields an error matching ErrNotFound.
func (e *Entry) Show(ctx context.Context, commit, path string, w io.Writer, encoding Encoding) error {
	if err := checkRef(commit); err != nil {
		return e.fail("show", "", err)
	}

	object := commit + ":" + strings.TrimPrefix(path, "/")

	if encoding == EncodingRaw {
		stderr, err := e.run(ctx, w, "show", object)
		if err != nil {
			return e.fail("show", stderr, e.classify(stderr, err))
		}
		return nil
	}

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return e.fail("show", "", err)
	}
	stderr, runErr := e.run(ctx, enc, "show", object)
	closeErr := enc.Close()
	if runErr != nil {
		return e.fail("show", stderr, e.classify(stderr, runErr))
	}
	if closeErr != nil {
		return e.fail("show", "", closeErr)
	}
	return nil
}

// Normalize resolves ref (branch, tag, short hash or symbolic ref) to the
// full commit hash. An empty ref means HEAD.
func (e *Entry) Normalize(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		ref = "HEAD"
	}
	if err := checkRef(ref); err != nil {
		return "", e.fail("normalize", "", err)
	}

	var out procio.Capture
	stderr, err := e.runLines(ctx, out.Sink(), "rev-list", "--no-walk", ref)
	if err != nil {
		return "", e.fail("normalize", stderr, e.classify(stderr, err))
	}

	hash := strings.TrimSpace(out.String())
	if !plumbing.IsHash(hash) {
		return "", e.fail("normalize", "", fmt.Errorf("can't normalize `%s` to commit hash: %w", ref, ErrNotFound))
	}
	return hash, nil
}

// run executes git in the entry directory. stdout goes to w when set and is
// logged otherwise. The captured stderr is returned for classification.
func (e *Entry) run(ctx context.Context, w io.Writer, args ...string) (string, error) {
	cmd := e.command(ctx, args...)
	var stdout procio.Sink
	if w != nil {
		cmd.Stdout = w
	} else {
		stdout = procio.LogSink(e.logger, "stdout")
	}

	var stderr procio.Capture
	err := procio.Run(ctx, cmd, stdout, procio.Tee(procio.LogSink(e.logger, "stderr"), stderr.Sink()))
	return stderr.String(), err
}

func (e *Entry) runLines(ctx context.Context, stdout procio.Sink, args ...string) (string, error) {
	cmd := e.command(ctx, args...)
	var stderr procio.Capture
	err := procio.Run(ctx, cmd, stdout, procio.Tee(procio.LogSink(e.logger, "stderr"), stderr.Sink()))
	return stderr.String(), err
}

func (e *Entry) command(ctx context.Context, args ...string) *exec.Cmd {
	e.logger.Debug("git", "args", args, "dir", e.dir)
	cmd := e.execCommand(ctx, e.gitBinary, args...)
	cmd.Dir = e.dir
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")
	return cmd
}

// classify turns a non-zero git exit into ErrNotFound unless stderr shows the
// repository itself is broken.
func (e *Entry) classify(stderr string, err error) error {
	if _, ok := procio.ExitCode(err); !ok {
		return err
	}
	lower := strings.ToLower(stderr)
	for _, frag := range hardFailures {
		if strings.Contains(lower, frag) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrNotFound, err)
}

func (e *Entry) fail(op, stderr string, err error) error {
	if errors.Is(err, fs.ErrNotExist) && !e.Exists() {
		err = fmt.Errorf("repository not initialized: %w", err)
	}
	return &CacheError{
		Op:     op,
		URL:    e.url,
		Dir:    e.dir,
		Stderr: strings.TrimSpace(stderr),
		Err:    err,
	}
}

func checkRef(ref string) error {
	if ref == "" || strings.HasPrefix(ref, "-") {
		return fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return nil
}
