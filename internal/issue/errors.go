// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"errors"
	"fmt"
	"strings"
)

// Process exit codes for the failure categories. A failed build exits with
// the engine's own status instead.
const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitConfig     = 2
	ExitValidation = 3
	ExitCache      = 4
	ExitNetwork    = 5
)

// Category sentinels. Every error surfaced by a build session matches at
// most one of them through errors.Is.
var (
	// ErrConfig covers unreadable or malformed build configuration and bad arguments.
	ErrConfig = errors.New("configuration error")
	// ErrCache covers clone, refresh, archive and show failures in the git cache.
	ErrCache = errors.New("cache error")
	// ErrNetwork covers proxy bind and transport failures.
	ErrNetwork = errors.New("network error")
	// ErrBuild covers a build subprocess that ran and exited non-zero.
	ErrBuild = errors.New("build error")
	// ErrValidation covers a bill of materials that differs from the committed one.
	ErrValidation = errors.New("validation error")

	// ErrEngineNotFound narrows ErrConfig to a missing container engine.
	ErrEngineNotFound = fmt.Errorf("%w: no container engine", ErrConfig)
)

type (
	// BuildError is returned when the image build subprocess exits with a
	// non-zero status. It is never retried.
	BuildError struct {
		ExitCode int
		Engine   string
		Cause    error
	}

	// ValidationError is returned when the bill of materials produced by a
	// build does not match the previously committed document.
	ValidationError struct {
		Path       string
		Missing    []string
		Unexpected []string
	}
)

// Error implements the error interface.
func (e *BuildError) Error() string {
	engine := e.Engine
	if engine == "" {
		engine = "build"
	}
	return fmt.Sprintf("%s exited with status %d", engine, e.ExitCode)
}

// Unwrap returns the underlying process error.
func (e *BuildError) Unwrap() error {
	return e.Cause
}

// Is reports category membership.
func (e *BuildError) Is(target error) bool {
	return target == ErrBuild
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	var msg strings.Builder
	fmt.Fprintf(&msg, "bill of materials does not match %s", e.Path)
	if n := len(e.Missing); n > 0 {
		fmt.Fprintf(&msg, ": %d missing", n)
	}
	if n := len(e.Unexpected); n > 0 {
		fmt.Fprintf(&msg, ": %d unexpected", n)
	}
	return msg.String()
}

// Is reports category membership.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ExitCode maps an error returned by a session to the process exit status.
// A BuildError propagates the build's own status, clamped to 1..255.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var be *BuildError
	if errors.As(err, &be) {
		return min(max(be.ExitCode, 1), 255)
	}

	switch {
	case errors.Is(err, ErrValidation):
		return ExitValidation
	case errors.Is(err, ErrConfig):
		return ExitConfig
	case errors.Is(err, ErrCache):
		return ExitCache
	case errors.Is(err, ErrNetwork):
		return ExitNetwork
	default:
		return ExitFailure
	}
}
