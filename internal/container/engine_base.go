// SPDX-License-Identifier: MPL-2.0

package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"

	"github.com/charmbracelet/log"

	"gosh-builder/internal/config"
	"gosh-builder/internal/issue"
	"gosh-builder/internal/procio"
)

type (
	// ExecCommandFunc is the function signature for creating exec.Cmd.
	// This allows injection of mock implementations for testing.
	ExecCommandFunc func(ctx context.Context, name string, arg ...string) *exec.Cmd

	// BaseCLIEngineOption configures a BaseCLIEngine.
	BaseCLIEngineOption func(*BaseCLIEngine)

	// BaseCLIEngine provides the build implementation shared by CLI engines.
	// Docker and Podman differ only in the subcommand that starts a build and
	// in their availability probes.
	BaseCLIEngine struct {
		name         string // Engine name for error messages (e.g., "docker", "podman")
		binaryPath   string
		execCommand  ExecCommandFunc
		buildCommand []string
	}
)

// WithName sets the engine name used in error messages.
func WithName(name string) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.name = name
	}
}

// WithExecCommand sets a custom exec command function for testing.
func WithExecCommand(fn ExecCommandFunc) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.execCommand = fn
	}
}

// WithBinaryPath overrides the engine executable found on PATH.
func WithBinaryPath(path string) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.binaryPath = path
	}
}

// withBuildCommand sets the subcommand that starts a build.
func withBuildCommand(args ...string) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.buildCommand = args
	}
}

// NewBaseCLIEngine creates a new base engine with the given binary path.
func NewBaseCLIEngine(binaryPath string, opts ...BaseCLIEngineOption) *BaseCLIEngine {
	e := &BaseCLIEngine{
		binaryPath:   binaryPath,
		execCommand:  exec.CommandContext,
		buildCommand: []string{"build"},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BinaryPath returns the path to the engine executable.
func (e *BaseCLIEngine) BinaryPath() string {
	return e.binaryPath
}

// ProxyURL is the value of every proxy build argument for addr.
func ProxyURL(addr string) string {
	return "http://" + addr
}

// BuildArgs constructs the argument list for a build.
//
// Generated command: <binary> <build command> --no-cache --network=host
// [--tag T] [--quiet] [--build-arg K=V ...] <proxy build args> -
func (e *BaseCLIEngine) BuildArgs(opts BuildOptions) []string {
	args := slices.Clone(e.buildCommand)
	args = append(args, "--no-cache", "--network=host")

	if opts.Tag != "" {
		args = append(args, "--tag", opts.Tag)
	}
	if opts.Quiet {
		args = append(args, "--quiet")
	}

	for _, k := range slices.Sorted(maps.Keys(opts.BuildArgs)) {
		args = append(args, "--build-arg", fmt.Sprintf("%s=%s", k, opts.BuildArgs[k]))
	}

	if opts.ProxyAddr != "" {
		proxy := ProxyURL(opts.ProxyAddr)
		for _, name := range []string{config.ArgHTTPProxy, config.ArgHTTPSProxy, config.ArgGoshHTTPProxy} {
			args = append(args, "--build-arg", name+"="+proxy)
		}
	}

	// Dockerfile and an empty build context come from stdin.
	return append(args, "-")
}

// RunBuild executes a build and waits for it. In quiet mode stdout is
// captured as the image id and stderr is logged line by line; otherwise both
// streams are mirrored to opts.Stdout and opts.Stderr.
func (e *BaseCLIEngine) RunBuild(ctx context.Context, opts BuildOptions) (*BuildResult, error) {
	cmd := e.CreateCommand(ctx, e.BuildArgs(opts)...)
	cmd.Stdin = strings.NewReader(opts.Dockerfile)

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	var (
		captured       procio.Capture
		stdout, stderr procio.Sink
	)
	if opts.Quiet {
		stdout = captured.Sink()
		stderr = procio.LogSink(logger, e.name)
	} else {
		cmd.Stdout = writerOr(opts.Stdout, os.Stdout)
		cmd.Stderr = writerOr(opts.Stderr, os.Stderr)
	}

	if err := procio.Run(ctx, cmd, stdout, stderr); err != nil {
		if code, ok := procio.ExitCode(err); ok && code != 0 {
			return &BuildResult{ExitCode: code}, &issue.BuildError{ExitCode: code, Engine: e.name, Cause: err}
		}
		return nil, buildContainerError(e.name, opts, err)
	}

	result := &BuildResult{}
	if opts.Quiet {
		result.ImageID = strings.TrimSpace(captured.String())
	}
	return result, nil
}

// RunCommandWithOutput runs a command and returns its stdout.
func (e *BaseCLIEngine) RunCommandWithOutput(ctx context.Context, args ...string) (string, error) {
	cmd := e.CreateCommand(ctx, args...)
	var out bytes.Buffer
	cmd.Stdout = &out

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("command %s %v failed: %w", e.binaryPath, args, err)
	}

	return out.String(), nil
}

// CreateCommand creates an exec.Cmd for the given arguments.
func (e *BaseCLIEngine) CreateCommand(ctx context.Context, args ...string) *exec.Cmd {
	return e.execCommand(ctx, e.binaryPath, args...)
}

func writerOr(w, fallback io.Writer) io.Writer {
	if w != nil {
		return w
	}
	return fallback
}

// buildContainerError creates an actionable error for builds that could not run.
func buildContainerError(engine string, opts BuildOptions, cause error) error {
	ctx := issue.NewErrorContext().
		WithKind(issue.ErrBuild).
		WithOperation("build container image")

	if opts.Tag != "" {
		ctx.WithResource(opts.Tag)
	}

	ctx.WithSuggestion("Verify that " + engine + " is installed and on your PATH")
	if engine == string(EngineTypeDocker) {
		ctx.WithSuggestion("Ensure the buildx plugin is installed (try: docker buildx version)")
	}
	ctx.WithSuggestion("Run with --verbose to see full build output")

	return ctx.Wrap(cause).BuildError()
}
