// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"gosh-builder/internal/builder"
	"gosh-builder/internal/config"
)

func newBuildCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build [url]",
		Short: "Build an image and record every source it fetches",
		Long: `Build an image from a build description (Gosh.yaml by default).

Without a url the description is read from the working directory. A url
selects a remote build context, REMOTE[#REF[:SUBDIR]], and --config is then
resolved inside SUBDIR of that commit.

On success the bill of materials is written to --sbom-out (or $SBOM_OUT).
With --validate it is compared with that document instead, and the command
fails when the fetched sources differ.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var contextURL string
			if len(args) == 1 {
				contextURL = args[0]
			}
			return runBuild(cmd, contextURL)
		},
	}

	f := cmd.Flags()
	f.StringP("config", "c", config.DefaultConfigPath, "build description (yaml, toml or cue)")
	f.BoolP("quiet", "q", false, "print only the image id on stdout")
	f.Bool("validate", false, "compare the bill of materials with the committed document instead of writing it")
	f.StringP("socket", "s", config.DefaultSocket, "listen address of the fetch proxy")
	f.String("engine", config.DefaultEngine, "container engine: docker or podman")
	f.String("sbom-out", config.DefaultSBOMPath, "bill of materials path")
	f.Duration("shutdown-timeout", config.DefaultShutdownTimeout, "grace period for in-flight fetches when the proxy stops")

	return cmd
}

func runBuild(cmd *cobra.Command, contextURL string) error {
	stderr := cmd.ErrOrStderr()

	settings, err := loadSettings(cmd)
	if err != nil {
		return reportError(stderr, err, false)
	}
	logger := newLogger(stderr, settings.Verbose)

	b, err := builder.New(settings,
		builder.WithLogger(logger),
		builder.WithOutput(cmd.OutOrStdout(), stderr),
	)
	if err != nil {
		return reportError(stderr, err, settings.Verbose)
	}

	result, err := b.Run(cmd.Context(), contextURL)
	if err != nil {
		return reportError(stderr, err, settings.Verbose)
	}

	if settings.Quiet && result.ImageID != "" {
		fmt.Fprintln(cmd.OutOrStdout(), result.ImageID)
	}
	if result.Validated {
		fmt.Fprintf(stderr, "%s bill of materials matches %s\n",
			SuccessStyle.Render("✓"), PathStyle.Render(result.SBOMPath))
	} else {
		fmt.Fprintf(stderr, "%s wrote %d components to %s\n",
			SuccessStyle.Render("✓"), result.Ledger.Len(), PathStyle.Render(result.SBOMPath))
	}
	return nil
}
