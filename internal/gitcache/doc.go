// SPDX-License-Identifier: MPL-2.0

// Package gitcache keeps one on-disk clone per remote repository and serves
// immutable content (archives, single files, canonical commit hashes) from it.
//
// A Registry hands out one Handle per remote URL for the life of the process.
// The first caller for a URL clones it (or refreshes a directory left by an
// earlier process) while holding the handle lock; concurrent callers for the
// same URL wait on that lock, callers for other URLs proceed independently.
//
// All repository work shells out to the git executable. Output is drained
// line by line into the debug log.
package gitcache
