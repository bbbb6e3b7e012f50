// SPDX-License-Identifier: MPL-2.0

package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"gosh-builder/internal/gitcache"
)

// GitContext is a remote build context in the docker style
// "<remote>[#<ref>[:<subdir>]]".
type GitContext struct {
	Remote string
	// Ref is a branch, tag or commit. Empty means HEAD.
	Ref string
	// SubDir is the directory the build description is resolved against.
	SubDir string
}

// ParseGitContext splits s on the first '#', then the fragment on the first ':'.
func ParseGitContext(s string) GitContext {
	remote, fragment, _ := strings.Cut(s, "#")
	ref, subDir, _ := strings.Cut(fragment, ":")
	return GitContext{Remote: remote, Ref: ref, SubDir: subDir}
}

// String is the inverse of ParseGitContext for contexts it produced.
func (g GitContext) String() string {
	switch {
	case g.Ref == "" && g.SubDir == "":
		return g.Remote
	case g.SubDir == "":
		return g.Remote + "#" + g.Ref
	default:
		return g.Remote + "#" + g.Ref + ":" + g.SubDir
	}
}

// ErrOutsideContext is returned for paths that leave the build context.
var ErrOutsideContext = errors.New("path leaves the build context")

// RemoteSource reads build files from a cached repository at a fixed commit.
// It implements config.Source.
type RemoteSource struct {
	registry *gitcache.Registry
	remote   string
	commit   string
	subDir   string
}

// NewRemoteSource pins gc's ref to a full commit hash.
func NewRemoteSource(ctx context.Context, registry *gitcache.Registry, gc GitContext) (*RemoteSource, error) {
	commit, err := registry.Normalize(ctx, gc.Remote, gc.Ref)
	if err != nil {
		return nil, err
	}
	return &RemoteSource{
		registry: registry,
		remote:   gc.Remote,
		commit:   commit,
		subDir:   strings.Trim(gc.SubDir, "/"),
	}, nil
}

// Commit returns the pinned commit hash.
func (s *RemoteSource) Commit() string {
	return s.commit
}

// ReadFile returns the bytes of name, relative to the context subdirectory.
func (s *RemoteSource) ReadFile(ctx context.Context, name string) ([]byte, error) {
	if path.IsAbs(name) {
		return nil, fmt.Errorf("%w: %s is absolute", ErrOutsideContext, name)
	}
	p := path.Join(s.subDir, name)
	if p == ".." || strings.HasPrefix(p, "../") {
		return nil, fmt.Errorf("%w: %s", ErrOutsideContext, name)
	}

	var buf bytes.Buffer
	if err := s.registry.Show(ctx, s.remote, s.commit, p, &buf, gitcache.EncodingRaw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
