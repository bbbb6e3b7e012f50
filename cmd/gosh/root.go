// SPDX-License-Identifier: MPL-2.0

// Package cmd contains all CLI commands for gosh.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"gosh-builder/internal/config"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

// newRootCommand assembles the command tree. Every call returns a fresh tree
// so tests can execute commands in isolation.
func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "gosh",
		Short: "Reproducible container builds with a recorded bill of materials",
		Long: TitleStyle.Render("gosh") + SubtitleStyle.Render(" - reproducible container builds") + `

gosh runs docker buildx (or podman) behind a local fetch proxy. Every
repository, commit and file the build pulls through the proxy is recorded,
and the session ends by writing a CycloneDX bill of materials, or by checking
the build against a committed one.

` + SubtitleStyle.Render("Examples:") + `
  gosh build                          Build from ./Gosh.yaml
  gosh build --validate               Fail if the fetched sources changed
  gosh build gosh://0:abc/dao/app#v1  Build from a remote context
  gosh serve                          Run the fetch proxy on its own
  gosh get file URL REF PATH          Fetch one file through a running proxy`,
		SilenceUsage: true,
	}

	root.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging and full error chains")
	root.PersistentFlags().String("cache-dir", "", "git cache directory (default is the user cache directory)")

	root.AddCommand(newBuildCommand())
	root.AddCommand(newServeCommand())
	root.AddCommand(newGetCommand())

	return root
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute runs the CLI and exits the process with the status of the failure,
// if any. It is called by main.main().
func Execute() {
	gin.SetMode(gin.ReleaseMode)

	if err := fang.Execute(
		context.Background(),
		newRootCommand(),
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

// loadSettings resolves the settings of cmd from its flags, GOSH_* variables
// and defaults, in that order of precedence.
func loadSettings(cmd *cobra.Command) (*config.Settings, error) {
	v := config.NewViper()
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return nil, err
	}
	return config.LoadSettings(v)
}

// newLogger builds the root logger. Components derive prefixed children.
func newLogger(w io.Writer, verbose bool) *log.Logger {
	level := log.InfoLevel
	if verbose {
		level = log.DebugLevel
	}
	return log.NewWithOptions(w, log.Options{
		Prefix:          "gosh",
		ReportTimestamp: true,
		Level:           level,
	})
}
