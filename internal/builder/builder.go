// SPDX-License-Identifier: MPL-2.0

package builder

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"gosh-builder/internal/config"
	"gosh-builder/internal/container"
	"gosh-builder/internal/gitcache"
	"gosh-builder/internal/issue"
	"gosh-builder/internal/ledger"
	"gosh-builder/internal/proxy"
)

type (
	// Option configures a Builder.
	Option func(*Builder)

	// Builder runs build sessions. One Builder may run several sessions in
	// sequence; each gets its own proxy and ledger.
	Builder struct {
		settings *config.Settings
		engine   container.Engine
		registry *gitcache.Registry
		logger   *log.Logger
		stdout   io.Writer
		stderr   io.Writer
		env      func(string) string
	}

	// Result describes a finished session.
	Result struct {
		ImageID string
		// Ledger holds every resource fetched during the build.
		Ledger *ledger.Ledger
		// SBOMPath is the document written or validated.
		SBOMPath string
		// Validated is true when the session compared instead of writing.
		Validated bool
	}
)

// WithEngine sets the container engine. Default is detected from settings.
func WithEngine(e container.Engine) Option {
	return func(b *Builder) {
		b.engine = e
	}
}

// WithRegistry sets the git cache. Default is rooted at settings.CacheDir.
func WithRegistry(r *gitcache.Registry) Option {
	return func(b *Builder) {
		b.registry = r
	}
}

// WithLogger sets the session logger.
func WithLogger(logger *log.Logger) Option {
	return func(b *Builder) {
		b.logger = logger
	}
}

// WithOutput sets where build output is mirrored when not quiet.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(b *Builder) {
		b.stdout = stdout
		b.stderr = stderr
	}
}

// WithEnv sets the lookup used to expand build arguments.
func WithEnv(env func(string) string) Option {
	return func(b *Builder) {
		b.env = env
	}
}

// New creates a Builder for settings.
func New(settings *config.Settings, opts ...Option) (*Builder, error) {
	b := &Builder{
		settings: settings,
		stdout:   os.Stdout,
		stderr:   os.Stderr,
		env:      os.Getenv,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = log.New(io.Discard)
	}

	if b.registry == nil {
		r, err := gitcache.NewRegistry(settings.CacheDir, gitcache.WithLogger(b.logger))
		if err != nil {
			return nil, issue.NewErrorContext().
				WithKind(issue.ErrCache).
				WithOperation("open source cache").
				WithResource(settings.CacheDir).
				WithSuggestion("Pass a writable directory with --cache-dir").
				Wrap(err).
				BuildError()
		}
		b.registry = r
	}

	if b.engine == nil {
		e, err := container.NewEngine(container.EngineType(settings.Engine))
		if err != nil {
			return nil, issue.NewErrorContext().
				WithKind(issue.ErrEngineNotFound).
				WithOperation("select container engine").
				WithResource(settings.Engine).
				WithSuggestion("Install docker with the buildx plugin, or podman").
				Wrap(err).
				BuildError()
		}
		b.engine = e
	}

	return b, nil
}

// Registry returns the git cache used by sessions.
func (b *Builder) Registry() *gitcache.Registry {
	return b.registry
}

// Run executes one session. contextURL selects a remote build context; when
// empty, the build description is read from the local filesystem.
//
// The proxy is always stopped before Run returns. The bill of materials is
// only written or validated after a successful build.
func (b *Builder) Run(ctx context.Context, contextURL string) (*Result, error) {
	build, err := b.load(ctx, contextURL)
	if err != nil {
		return nil, err
	}
	b.logger.Debug("build description loaded", "config", build.ConfigPath, "tag", build.Config.Tag)

	l := ledger.New()
	svc := proxy.New(proxy.Config{
		Addr:            b.settings.Socket,
		ShutdownTimeout: b.settings.ShutdownTimeout,
		Logger:          b.logger,
	}, b.registry, l)
	if err := svc.Start(ctx); err != nil {
		return nil, err
	}

	b.logger.Info("building image", "engine", b.engine.Name(), "proxy", svc.Address())
	built, buildErr := b.engine.Build(ctx, container.BuildOptions{
		Dockerfile: build.Dockerfile,
		Tag:        build.Config.Tag,
		BuildArgs:  build.Config.Args,
		ProxyAddr:  svc.Address(),
		Quiet:      b.settings.Quiet,
		Stdout:     b.stdout,
		Stderr:     b.stderr,
		Logger:     b.logger,
	})

	if err := svc.Stop(); err != nil {
		b.logger.Warn("fetch proxy did not stop cleanly", "error", err)
	}
	if buildErr != nil {
		return nil, buildErr
	}

	result := &Result{ImageID: built.ImageID, Ledger: l, SBOMPath: b.settings.SBOMPath}
	if b.settings.Validate {
		result.Validated = true
		return result, b.validate(l)
	}

	if err := l.Persist(b.settings.SBOMPath); err != nil {
		return nil, issue.WrapWithOperation(err, "write bill of materials")
	}
	b.logger.Info("bill of materials written", "path", b.settings.SBOMPath, "components", l.Len())
	return result, nil
}

func (b *Builder) load(ctx context.Context, contextURL string) (*config.Build, error) {
	opts := config.LoadOptions{Env: b.env}
	if contextURL == "" {
		return config.Load(ctx, config.DirSource{}, b.settings.ConfigPath, opts)
	}

	if filepath.IsAbs(b.settings.ConfigPath) {
		return nil, issue.NewErrorContext().
			WithKind(issue.ErrConfig).
			WithOperation("resolve build config").
			WithResource(b.settings.ConfigPath).
			WithSuggestion("With a remote build context, --config is relative to the context directory").
			Wrap(ErrOutsideContext).
			BuildError()
	}

	gc := ParseGitContext(contextURL)
	src, err := NewRemoteSource(ctx, b.registry, gc)
	if err != nil {
		return nil, issue.WrapWithContext(err, issue.ErrCache, "resolve build context", gc.String())
	}
	b.logger.Debug("remote build context", "remote", gc.Remote, "commit", src.Commit(), "subdir", gc.SubDir)
	return config.Load(ctx, src, b.settings.ConfigPath, opts)
}

func (b *Builder) validate(l *ledger.Ledger) error {
	committed, err := ledger.Load(b.settings.SBOMPath)
	if err != nil {
		suggestion := "Build once without --validate to create the document"
		if errors.Is(err, ledger.ErrMalformedDocument) {
			suggestion = "Regenerate the document; it is not CycloneDX JSON"
		}
		return issue.NewErrorContext().
			WithKind(issue.ErrValidation).
			WithOperation("read bill of materials").
			WithResource(b.settings.SBOMPath).
			WithSuggestion(suggestion).
			Wrap(err).
			BuildError()
	}

	diff := l.Diff(committed)
	if !diff.Empty() {
		return &issue.ValidationError{
			Path:       b.settings.SBOMPath,
			Missing:    diff.Missing,
			Unexpected: diff.Unexpected,
		}
	}
	b.logger.Info("bill of materials validated", "path", b.settings.SBOMPath)
	return nil
}
