// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"gosh-builder/internal/config"
	"gosh-builder/internal/gitcache"
	"gosh-builder/internal/issue"
	"gosh-builder/internal/ledger"
	"gosh-builder/internal/proxy"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fetch proxy until interrupted",
		Long: `Run the fetch proxy on its own, outside a build session.

The proxy serves repositories over the dumb HTTP protocol, commits and files
over gRPC, and Prometheus metrics on /metrics. When --sbom-out is given, the
resources fetched while it ran are written there on shutdown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd)
		},
	}

	f := cmd.Flags()
	f.StringP("socket", "s", config.DefaultSocket, "listen address")
	f.String("sbom-out", config.DefaultSBOMPath, "write the bill of materials here on shutdown")
	f.Duration("shutdown-timeout", config.DefaultShutdownTimeout, "grace period for in-flight fetches on shutdown")

	return cmd
}

func runServe(cmd *cobra.Command) error {
	stderr := cmd.ErrOrStderr()

	settings, err := loadSettings(cmd)
	if err != nil {
		return reportError(stderr, err, false)
	}
	logger := newLogger(stderr, settings.Verbose)

	registry, err := gitcache.NewRegistry(settings.CacheDir, gitcache.WithLogger(logger))
	if err != nil {
		return reportError(stderr, issue.WrapWithContext(err, issue.ErrCache, "open source cache", settings.CacheDir), settings.Verbose)
	}

	l := ledger.New()
	svc := proxy.New(proxy.Config{
		Addr:            settings.Socket,
		ShutdownTimeout: settings.ShutdownTimeout,
		Logger:          logger,
	}, registry, l)

	ctx := cmd.Context()
	if err := svc.Start(ctx); err != nil {
		return reportError(stderr, err, settings.Verbose)
	}
	fmt.Fprintf(stderr, "%s fetch proxy listening on %s (cache %s)\n",
		SuccessStyle.Render("✓"), PathStyle.Render(svc.Address()), registry.Root())

	serveErr := waitForShutdown(ctx, svc, logger)
	if err := svc.Stop(); err != nil {
		logger.Warn("fetch proxy did not stop cleanly", "error", err)
	}
	if serveErr != nil {
		return reportError(stderr, issue.WrapWithContext(serveErr, issue.ErrNetwork, "serve fetch proxy", settings.Socket), settings.Verbose)
	}

	if cmd.Flags().Changed("sbom-out") {
		if err := l.Persist(settings.SBOMPath); err != nil {
			return reportError(stderr, issue.WrapWithOperation(err, "write bill of materials"), settings.Verbose)
		}
		fmt.Fprintf(stderr, "%s wrote %d components to %s\n",
			SuccessStyle.Render("✓"), l.Len(), PathStyle.Render(settings.SBOMPath))
	}
	return nil
}

// waitForShutdown blocks until ctx is done or the service reports a failure.
func waitForShutdown(ctx context.Context, svc *proxy.Service, logger *log.Logger) error {
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err, ok := <-svc.Err():
		if !ok {
			return nil
		}
		return err
	}
}
