// SPDX-License-Identifier: MPL-2.0

package gitcache

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
)

// cacheDirName is the directory created under the user cache dir.
const cacheDirName = "gosh"

// RepoKey is the canonical remote URL of a repository.
type RepoKey string

// DirName returns the stable on-disk directory name for the key.
func (k RepoKey) DirName() string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(string(k)))
}

// DefaultRoot returns the cache root used when none is configured:
// <user cache dir>/gosh.
func DefaultRoot() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve user cache dir: %w", err)
	}
	return filepath.Join(base, cacheDirName), nil
}
