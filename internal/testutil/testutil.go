// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"os/exec"
	"testing"
)

// Stopper is implemented by services with a Stop method.
type Stopper interface {
	Stop() error
}

// RequireGit skips the test when the git executable is not on PATH.
func RequireGit(t testing.TB) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git executable not available")
	}
}

// StopOnCleanup stops s when the test finishes. Stop errors are logged, not
// failed: shutdown noise during cleanup does not invalidate the test.
func StopOnCleanup(t testing.TB, s Stopper) {
	t.Helper()
	t.Cleanup(func() {
		if err := s.Stop(); err != nil {
			t.Logf("warning: stop returned error: %v", err)
		}
	})
}
