// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/log"
)

const (
	EngineTypePodman EngineType = "podman"
	EngineTypeDocker EngineType = "docker"
)

type (
	// Engine defines the operations a build session needs from a container engine.
	Engine interface {
		// Name returns the engine name (docker or podman)
		Name() string
		// Available checks if the engine is usable on this system
		Available() bool
		// Version returns the engine version
		Version(ctx context.Context) (string, error)
		// Build builds an image. A non-zero exit yields both a result carrying
		// the exit code and an *issue.BuildError.
		Build(ctx context.Context, opts BuildOptions) (*BuildResult, error)
	}

	// BuildOptions contains options for building an image
	BuildOptions struct {
		// Dockerfile is the Dockerfile content, streamed on stdin
		Dockerfile string
		// Tag is the image tag (optional)
		Tag string
		// BuildArgs are user build-time variables
		BuildArgs map[string]string
		// ProxyAddr is the host:port of the fetch proxy, injected as build args
		ProxyAddr string
		// Quiet captures stdout as the image id instead of mirroring it
		Quiet bool
		// Stdout receives build output in verbose mode (defaults to os.Stdout)
		Stdout io.Writer
		// Stderr receives build errors in verbose mode (defaults to os.Stderr)
		Stderr io.Writer
		// Logger receives stderr lines in quiet mode
		Logger *log.Logger
	}

	// BuildResult is the outcome of a build that ran to completion.
	BuildResult struct {
		ExitCode int
		// ImageID is the id printed by the engine in quiet mode
		ImageID string
	}

	// EngineType identifies the container engine type
	EngineType string

	// ErrEngineNotAvailable is returned when a container engine is not available
	ErrEngineNotAvailable struct {
		Engine string
		Reason string
	}
)

func (e *ErrEngineNotAvailable) Error() string {
	return fmt.Sprintf("container engine '%s' is not available: %s", e.Engine, e.Reason)
}

// NewEngine creates a container engine, falling back to the other engine
// when the preferred one is not installed.
func NewEngine(preferredType EngineType, opts ...BaseCLIEngineOption) (Engine, error) {
	var preferred, fallback Engine
	switch preferredType {
	case EngineTypeDocker:
		preferred, fallback = NewDockerEngine(opts...), NewPodmanEngine(opts...)
	case EngineTypePodman:
		preferred, fallback = NewPodmanEngine(opts...), NewDockerEngine(opts...)
	default:
		return nil, fmt.Errorf("unknown container engine type: %s", preferredType)
	}

	if preferred.Available() {
		return preferred, nil
	}
	if fallback.Available() {
		return fallback, nil
	}
	return nil, &ErrEngineNotAvailable{
		Engine: string(preferredType),
		Reason: fmt.Sprintf("%s is not installed or not accessible, and %s fallback is also not available",
			preferred.Name(), fallback.Name()),
	}
}
