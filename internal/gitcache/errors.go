// SPDX-License-Identifier: MPL-2.0

package gitcache

import (
	"errors"
	"fmt"

	"gosh-builder/internal/issue"
)

var (
	// ErrNotFound is returned when a commit, reference or path does not exist
	// in the cached repository.
	ErrNotFound = errors.New("not found")

	// ErrInvalidRef is returned for references git would parse as options.
	ErrInvalidRef = errors.New("invalid reference")
)

// CacheError reports a failed git operation against one cache entry.
// It matches issue.ErrCache and unwraps to the underlying cause, which is
// ErrNotFound for missing content.
type CacheError struct {
	Op     string
	URL    string
	Dir    string
	Stderr string
	Err    error
}

func (e *CacheError) Error() string {
	msg := fmt.Sprintf("git cache: %s %s (%s): %v", e.Op, e.URL, e.Dir, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CacheError) Unwrap() error {
	return e.Err
}

// Is reports membership in the cache error category.
func (e *CacheError) Is(target error) bool {
	return target == issue.ErrCache
}

// IsNotFound reports whether err means the requested content does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
