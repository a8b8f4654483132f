package cli

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/mrz1836/chunkflow/internal/backend"
	"github.com/mrz1836/chunkflow/internal/checkpoint"
	"github.com/mrz1836/chunkflow/internal/config"
	"github.com/mrz1836/chunkflow/internal/metrics"
	"github.com/mrz1836/chunkflow/internal/orchestrator"
	"github.com/mrz1836/chunkflow/internal/pipeline"
	"github.com/mrz1836/chunkflow/internal/pool"
	"github.com/mrz1836/chunkflow/internal/retry"
	"github.com/mrz1836/chunkflow/internal/store"
	"github.com/mrz1836/chunkflow/internal/validation"
)

// env is what every command needs: resolved configuration, the logger and
// the entity store.
type env struct {
	cfg    *config.Config
	store  *store.FileStore
	logger zerolog.Logger
}

// loadEnv loads configuration with overrides applied and opens the store.
func loadEnv(ctx context.Context, overrides *config.Config) (*env, error) {
	cfg, err := config.LoadWithOverrides(ctx, overrides)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	home, err := config.ResolveHome(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.NewFileStore(home)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return &env{cfg: cfg, store: st, logger: GetLogger()}, nil
}

// services is the assembled execution stack of a run or serve process.
type services struct {
	registry *prometheus.Registry
	pool     *pool.Pool
}

// buildServices wires backends, pipeline, orchestrator and pool from e.
// withRegistry registers Prometheus collectors; otherwise metrics are dropped.
func buildServices(e *env, withRegistry bool) *services {
	cfg, log := e.cfg, e.logger

	var (
		rec metrics.Recorder = metrics.Noop{}
		reg *prometheus.Registry
	)
	if withRegistry && cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		rec = metrics.NewPrometheus(reg)
	}

	executor := backend.NewCLIExecutor(backend.CLIExecutorConfig{
		Command:  cfg.Execution.Command,
		Args:     cfg.Execution.Args,
		MaxTurns: cfg.Execution.MaxIterations,
	}, log.With().Str("component", "executor").Logger())

	reviewer := backend.NewCLIReviewer(backend.CLIReviewerConfig{
		Command:           cfg.Review.Command,
		Args:              cfg.Review.Args,
		RequestsPerMinute: cfg.Review.RequestsPerMinute,
	}, log.With().Str("component", "reviewer").Logger())

	reviews := pipeline.NewReviewClient(reviewer, e.store, retry.Options{
		MaxRetries: cfg.Review.MaxRetries,
		Backoff:    cfg.Review.Backoff,
		Logger:     log,
	}, rec, log)

	workflow := newWorkflow(e)

	pipe := pipeline.New(e.store,
		pipeline.NewExecutionRunner(executor, e.store, log),
		validation.New(validation.WithLogger(log)),
		reviews,
		workflow,
		pipeline.WithMetrics(rec),
		pipeline.WithLogger(log),
	)

	orch := orchestrator.New(e.store, pipe, reviews, workflow, orchestrator.Config{
		Pipeline: pipeline.Config{
			Model:            cfg.Execution.Model,
			ExecutionTimeout: cfg.Execution.Timeout,
			ReviewModel:      cfg.Review.Model,
			ReviewTimeout:    cfg.Review.Timeout,
			BuildCommand:     cfg.Validation.BuildCommand,
			SkipBuild:        cfg.Validation.SkipBuild,
			BuildTimeout:     cfg.Validation.Timeout,
		},
		MaxFixDepth: cfg.Execution.MaxFixDepth,
	},
		orchestrator.WithHealthChecker(executor),
		orchestrator.WithMetrics(rec),
		orchestrator.WithLogger(log),
	)

	p := pool.New(e.store, orch, pool.Config{
		MaxWorkers:      cfg.Pool.MaxWorkers,
		EventBufferSize: cfg.Pool.EventBufferSize,
	}, pool.WithMetrics(rec), pool.WithLogger(log))

	return &services{registry: reg, pool: p}
}

// newWorkflow builds the git checkpoint workflow from the git settings.
func newWorkflow(e *env) *checkpoint.Workflow {
	return checkpoint.New(e.store, checkpoint.Options{
		BranchPrefix: e.cfg.Git.BranchPrefix,
		Remote:       e.cfg.Git.Remote,
		BaseBranch:   e.cfg.Git.BaseBranch,
		UseWorktrees: e.cfg.Git.UseWorktrees,
		DraftPR:      e.cfg.Git.DraftPR,
	}, checkpoint.WithLogger(e.logger))
}
