// SPDX-License-Identifier: MPL-2.0

package gitcache

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

type (
	// Option configures a Registry.
	Option func(*Registry)

	// Handle guards one Entry. The lock is a one-slot channel so waiters can
	// give up when their context ends.
	Handle struct {
		entry *Entry
		sem   chan struct{}
		// initialized is only read and written while holding sem.
		initialized bool
	}

	// Stats counts git work done by a Registry. All fields are safe for
	// concurrent reads.
	Stats struct {
		clones    atomic.Int64
		refreshes atomic.Int64
		failures  atomic.Int64
	}

	// Registry maps remote URLs to cache entries. Each URL is initialized by
	// exactly one caller; the others wait on that entry's handle.
	Registry struct {
		root        string
		gitBinary   string
		execCommand ExecCommandFunc
		logger      *log.Logger
		stats       Stats

		mu      sync.Mutex
		entries map[RepoKey]*Handle
	}
)

// WithGitBinary overrides the git executable. Default is "git" from PATH.
func WithGitBinary(path string) Option {
	return func(r *Registry) {
		r.gitBinary = path
	}
}

// WithExecCommand sets a custom exec command function for testing.
func WithExecCommand(fn ExecCommandFunc) Option {
	return func(r *Registry) {
		r.execCommand = fn
	}
}

// WithLogger sets the logger; git output is logged at debug level.
func WithLogger(logger *log.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates a registry rooted at root. An empty root selects
// DefaultRoot. The root directory is created if needed.
func NewRegistry(root string, opts ...Option) (*Registry, error) {
	if root == "" {
		var err error
		if root, err = DefaultRoot(); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root %s: %w", root, err)
	}

	r := &Registry{
		root:        root,
		gitBinary:   "git",
		execCommand: exec.CommandContext,
		entries:     make(map[RepoKey]*Handle),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = log.New(io.Discard)
	}
	r.logger = r.logger.WithPrefix("git-cache")

	return r, nil
}

// Root returns the cache root directory.
func (r *Registry) Root() string {
	return r.root
}

// Stats returns the registry counters.
func (r *Registry) Stats() *Stats {
	return &r.stats
}

// Len returns the number of entries known to the registry.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Resolve returns the handle for url, cloning or refreshing the repository
// first if this process has not done so yet. It blocks until any in-flight
// initialization of the same URL completes.
func (r *Registry) Resolve(ctx context.Context, url string) (*Handle, error) {
	h, err := r.acquire(ctx, url)
	if err != nil {
		return nil, err
	}
	h.Unlock()
	return h, nil
}

// acquire returns the handle for url with its lock held. A new handle is
// locked before the map lock is released, so no other caller can observe it
// uninitialized.
func (r *Registry) acquire(ctx context.Context, url string) (*Handle, error) {
	key := RepoKey(url)

	r.mu.Lock()
	h, ok := r.entries[key]
	if !ok {
		h = r.newHandle(key)
		r.entries[key] = h
		h.sem <- struct{}{}
		r.mu.Unlock()
	} else {
		r.mu.Unlock()
		if err := h.Lock(ctx); err != nil {
			return nil, err
		}
	}

	if !h.initialized {
		if err := h.entry.InitializeOrRefresh(ctx); err != nil {
			h.Unlock()
			return nil, err
		}
		h.initialized = true
	}
	return h, nil
}

func (r *Registry) newHandle(key RepoKey) *Handle {
	return &Handle{
		entry: &Entry{
			url:         string(key),
			dir:         filepath.Join(r.root, key.DirName()),
			gitBinary:   r.gitBinary,
			execCommand: r.execCommand,
			logger:      r.logger.With("repo", string(key)),
			stats:       &r.stats,
		},
		sem: make(chan struct{}, 1),
	}
}

// Archive streams a zstd tar of commit in url into w.
func (r *Registry) Archive(ctx context.Context, url, commit string, w io.Writer) error {
	h, err := r.acquire(ctx, url)
	if err != nil {
		return err
	}
	defer h.Unlock()
	return h.entry.Archive(ctx, commit, w)
}

// Show writes path at commit in url into w.
func (r *Registry) Show(ctx context.Context, url, commit, path string, w io.Writer, encoding Encoding) error {
	h, err := r.acquire(ctx, url)
	if err != nil {
		return err
	}
	defer h.Unlock()
	return h.entry.Show(ctx, commit, path, w, encoding)
}

// Normalize resolves ref in url to a full commit hash.
func (r *Registry) Normalize(ctx context.Context, url, ref string) (string, error) {
	h, err := r.acquire(ctx, url)
	if err != nil {
		return "", err
	}
	defer h.Unlock()
	return h.entry.Normalize(ctx, ref)
}

// ExposeDumb prepares url for dumb HTTP serving and returns the static root.
func (r *Registry) ExposeDumb(ctx context.Context, url string) (string, error) {
	h, err := r.acquire(ctx, url)
	if err != nil {
		return "", err
	}
	defer h.Unlock()
	return h.entry.ExposeDumb(ctx)
}

// Entry returns the cache entry guarded by h.
func (h *Handle) Entry() *Entry {
	return h.entry
}

// Lock acquires the handle lock or returns ctx.Err().
func (h *Handle) Lock(ctx context.Context) error {
	select {
	case h.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s: %w", h.entry.url, ctx.Err())
	}
}

// Unlock releases the handle lock.
func (h *Handle) Unlock() {
	<-h.sem
}

// Clones returns the number of clone attempts.
func (s *Stats) Clones() int64 { return s.clones.Load() }

// Refreshes returns the number of refresh attempts.
func (s *Stats) Refreshes() int64 { return s.refreshes.Load() }

// Failures returns the number of failed clone or refresh attempts.
func (s *Stats) Failures() int64 { return s.failures.Load() }
