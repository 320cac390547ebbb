package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/atelier-sh/atelier/pkg/config"
)

func newServeCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the workspace orchestration control plane",
		Long: `Run the control plane: registers the fleet, starts health probing,
serves the orchestration API, and exposes metrics.

The process refuses to report ready while no fleet server is healthy.`,
		Example: `  # Run with the default config file
  atelier serve

  # Run with an explicit config
  atelier serve --config /etc/atelier/atelier.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), version)
		},
	}

	return cmd
}

func runServe(ctx context.Context, version string) error {
	a, err := buildApp(ctx, version)
	if err != nil {
		return err
	}

	shutdownCtx, cancelShutdown := context.WithCancel(context.Background())
	defer cancelShutdown()
	defer a.Close(shutdownCtx)

	// Warm the tier catalog so the first create does not pay fetch latency.
	// Failure is fine: the provider falls back on read.
	if ok := a.specs.Refresh(ctx); !ok {
		a.logger.Warn("initial catalog fetch failed, provider will retry on demand")
	}

	if a.cfg.Fleet.File != "" {
		watcher := config.NewFleetWatcher(a.cfg.Fleet.File, a.registry, a.logger)
		if err := watcher.Start(ctx); err != nil {
			return err
		}
	}

	if err := a.metrics.StartMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	api := newAPIServer(a)
	server := &http.Server{
		Addr:              a.cfg.Server.ListenAddress,
		Handler:           api.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Infof("control plane listening on %s (version %s)", a.cfg.Server.ListenAddress, version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down control plane")
	drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(drainCtx); err != nil {
		a.logger.WithError(err).Warn("listener shutdown did not drain cleanly")
	}
	return <-errCh
}
