// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"maps"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// fixtureTime keeps fixture commit hashes stable across runs.
var fixtureTime = time.Unix(1700000000, 0)

// Repo is a non-bare fixture repository on disk.
type Repo struct {
	Dir  string
	repo *git.Repository
}

// NewRepo initialises a repository in a temp dir and commits files, keyed by
// slash-separated path. It returns the repository and the commit hash.
func NewRepo(t testing.TB, files map[string]string) (*Repo, string) {
	t.Helper()

	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init fixture repository: %v", err)
	}
	r := &Repo{Dir: dir, repo: repo}
	return r, r.Commit(t, "initial", files)
}

// Commit writes files into the worktree and commits them.
func (r *Repo) Commit(t testing.TB, message string, files map[string]string) string {
	t.Helper()

	wt, err := r.repo.Worktree()
	if err != nil {
		t.Fatalf("open worktree: %v", err)
	}
	for _, name := range slices.Sorted(maps.Keys(files)) {
		p := filepath.Join(r.Dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("create %s: %v", filepath.Dir(p), err)
		}
		if err := os.WriteFile(p, []byte(files[name]), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if _, err := wt.Add(name); err != nil {
			t.Fatalf("stage %s: %v", name, err)
		}
	}

	h, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: "gosh", Email: "gosh@example.com", When: fixtureTime},
	})
	if err != nil {
		t.Fatalf("commit %q: %v", message, err)
	}
	return h.String()
}

// Tag creates a lightweight tag at hash.
func (r *Repo) Tag(t testing.TB, name, hash string) {
	t.Helper()
	if _, err := r.repo.CreateTag(name, plumbing.NewHash(hash), nil); err != nil {
		t.Fatalf("tag %s: %v", name, err)
	}
}
