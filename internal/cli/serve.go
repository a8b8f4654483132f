package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/mrz1836/chunkflow/internal/config"
	"github.com/mrz1836/chunkflow/internal/server"
	"github.com/mrz1836/chunkflow/internal/signal"
)

// AddServeCommand adds the serve command to the root command.
func AddServeCommand(root *cobra.Command) {
	var (
		addr       string
		maxWorkers int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker pool with its control API",
		Long: `Run the worker pool as a long-lived process. Queued specifications start
as soon as a slot is free. The HTTP control API (and /metrics when
metrics.enabled is set) listens on metrics.address:

  GET  /health                   liveness
  GET  /api/v1/workers           active workers and capacity
  GET  /api/v1/queue             queued specifications
  POST /api/v1/specs/:id/run     start or queue a specification
  POST /api/v1/specs/:id/abort   abort or dequeue a specification
  PUT  /api/v1/pool/capacity     change max workers

'chunkflow abort' uses this API to stop specifications run here.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			overrides := &config.Config{
				Pool:    config.PoolConfig{MaxWorkers: maxWorkers},
				Metrics: config.MetricsConfig{Address: addr},
			}
			return runServe(cmd.Context(), cmd.OutOrStdout(), overrides)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override metrics.address")
	cmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "override pool.max_workers")
	root.AddCommand(cmd)
}

func runServe(ctx context.Context, w io.Writer, overrides *config.Config) error {
	e, err := loadEnv(ctx, overrides)
	if err != nil {
		return err
	}

	h := signal.NewHandler(ctx)
	defer h.Stop()
	runCtx := h.Context()

	svc := buildServices(e, true)
	if n, err := svc.pool.Reconcile(runCtx); err != nil {
		return err
	} else if n > 0 {
		e.logger.Warn().Int("workers", n).Msg("marked workers of a previous process as failed")
	}

	var gatherer prometheus.Gatherer
	if svc.registry != nil {
		gatherer = svc.registry
	}
	srv := server.New(svc.pool, e.store, gatherer, e.cfg.Metrics.Address, e.logger)

	svc.pool.Drain(runCtx)
	_, _ = fmt.Fprintf(w, "Serving on %s with %d workers (Ctrl+C to stop)\n", e.cfg.Metrics.Address, svc.pool.Capacity())

	serveErr := srv.Run(runCtx)

	shutdownCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	go func() {
		select {
		case <-h.Forced():
			cancel()
		case <-shutdownCtx.Done():
		}
	}()
	if err := svc.pool.Shutdown(shutdownCtx); err != nil {
		e.logger.Warn().Err(err).Msg("pool shutdown incomplete")
	}
	return serveErr
}
