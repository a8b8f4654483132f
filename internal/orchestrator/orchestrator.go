// Package orchestrator drives one specification to completion. It schedules
// chunks through the pipeline one at a time, runs fix chunks as soon as they
// are created, performs the final whole-specification review and opens the
// pull request when that review passes.
//
// IMPORTANT: This package may import pipeline, scheduler, checkpoint, backend
// and the leaf packages. It MUST NOT import pool or cli.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrz1836/chunkflow/internal/backend"
	"github.com/mrz1836/chunkflow/internal/checkpoint"
	"github.com/mrz1836/chunkflow/internal/constants"
	"github.com/mrz1836/chunkflow/internal/domain"
	cferrors "github.com/mrz1836/chunkflow/internal/errors"
	"github.com/mrz1836/chunkflow/internal/events"
	"github.com/mrz1836/chunkflow/internal/git"
	"github.com/mrz1836/chunkflow/internal/metrics"
	"github.com/mrz1836/chunkflow/internal/pipeline"
	"github.com/mrz1836/chunkflow/internal/scheduler"
)

// DefaultMaxFixDepth bounds how many nested fix chunks are run for one chunk.
const DefaultMaxFixDepth = 3

// Store is the persistence the orchestrator needs.
type Store interface {
	GetProject(ctx context.Context, id string) (*domain.Project, error)
	GetSpec(ctx context.Context, id string) (*domain.Specification, error)
	UpdateSpec(ctx context.Context, s *domain.Specification) error
	CreateChunk(ctx context.Context, c *domain.Chunk) error
	GetChunk(ctx context.Context, specID, id string) (*domain.Chunk, error)
	UpdateChunk(ctx context.Context, c *domain.Chunk) error
	ListChunks(ctx context.Context, specID string) ([]*domain.Chunk, error)
	ListToolCalls(ctx context.Context, chunkID string) ([]*domain.ToolCall, error)
}

// ChunkRunner runs one chunk. *pipeline.Pipeline implements it.
type ChunkRunner interface {
	Run(ctx context.Context, in pipeline.Input) (*pipeline.Result, error)
}

// FinalReviewer reviews the whole specification. *pipeline.ReviewClient implements it.
type FinalReviewer interface {
	Review(ctx context.Context, req pipeline.ReviewRequest) (*backend.Verdict, error)
}

// Workflow is the git side of a run. *checkpoint.Workflow implements it.
type Workflow interface {
	Init(ctx context.Context, project *domain.Project, spec *domain.Specification) (*checkpoint.State, error)
	PushAndCreatePR(ctx context.Context, state *checkpoint.State, spec *domain.Specification, passedChunks int) (*git.PRResult, error)
	Cleanup(ctx context.Context, state *checkpoint.State) error
}

// HealthChecker reports whether the execution backend can take work.
type HealthChecker interface {
	CheckHealth(ctx context.Context) bool
}

// Config holds run defaults. Project execution settings override the
// pipeline fields that they set.
type Config struct {
	Pipeline    pipeline.Config
	MaxFixDepth int
}

// Callbacks observe a run. Every field is optional.
type Callbacks struct {
	ChunkStart     func(chunk *domain.Chunk, progress domain.Progress)
	ChunkComplete  func(chunk *domain.Chunk, outcome pipeline.Outcome, progress domain.Progress)
	Step           func(chunkID string, step constants.WorkerStep)
	ReviewStart    func()
	ReviewComplete func(status constants.ReviewStatus)
}

// Request starts the execution of one specification.
type Request struct {
	SpecID    string
	Publisher events.Publisher
	Callbacks Callbacks
}

// Summary is the completion report of a run.
type Summary struct {
	SpecID       string
	Total        int
	Passed       int
	Failed       int
	Skipped      int
	FixChunks    int
	PRURL        string
	FinalVerdict constants.ReviewStatus
	Status       constants.SpecStatus
	Duration     time.Duration
	Success      bool
	Aborted      bool
}

// Orchestrator executes specifications.
type Orchestrator struct {
	store    Store
	runner   ChunkRunner
	reviews  FinalReviewer
	workflow Workflow
	cfg      Config
	health   HealthChecker
	registry *Registry
	metrics  metrics.Recorder
	logger   zerolog.Logger
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHealthChecker checks the execution backend before every run.
func WithHealthChecker(h HealthChecker) Option {
	return func(o *Orchestrator) { o.health = h }
}

// WithRegistry shares an execution registry.
func WithRegistry(r *Registry) Option {
	return func(o *Orchestrator) { o.registry = r }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator.
func New(store Store, runner ChunkRunner, reviews FinalReviewer, workflow Workflow, cfg Config, opts ...Option) *Orchestrator {
	if cfg.MaxFixDepth <= 0 {
		cfg.MaxFixDepth = DefaultMaxFixDepth
	}
	o := &Orchestrator{
		store:    store,
		runner:   runner,
		reviews:  reviews,
		workflow: workflow,
		cfg:      cfg,
		registry: NewRegistry(),
		metrics:  metrics.Noop{},
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Registry returns the execution registry.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Abort requests the running execution of specID to stop. It reports
// whether the specification was running.
func (o *Orchestrator) Abort(specID string) bool {
	e, ok := o.registry.Lookup(specID)
	if !ok {
		return false
	}
	o.logger.Info().Str("spec_id", specID).Str("chunk_id", e.CurrentChunk()).Msg("aborting specification")
	e.Abort()
	return true
}

// Running reports whether specID is being executed.
func (o *Orchestrator) Running(specID string) bool {
	_, ok := o.registry.Lookup(specID)
	return ok
}

// Execute runs the specification until every chunk is accepted, a chunk
// fails, or the run is aborted. Chunk failures are reported in the Summary;
// the error is reserved for runs that could not start or could not persist.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Summary, error) {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	exec, err := o.registry.Register(req.SpecID, cancel)
	if err != nil {
		return nil, err
	}
	defer o.registry.Remove(req.SpecID)

	spec, err := o.store.GetSpec(runCtx, req.SpecID)
	if err != nil {
		return nil, err
	}
	project, err := o.store.GetProject(runCtx, spec.ProjectID)
	if err != nil {
		return nil, err
	}
	if o.health != nil && !o.health.CheckHealth(runCtx) {
		return nil, fmt.Errorf("cannot run specification '%s': %w", spec.ID, cferrors.ErrBackendUnavailable)
	}

	pub := req.Publisher
	if pub == nil {
		pub = events.Discard
	}
	r := &specRun{
		o:         o,
		exec:      exec,
		spec:      spec,
		project:   project,
		cfg:       o.pipelineConfig(project),
		pub:       pub,
		cb:        req.Callbacks,
		log:       o.logger.With().Str("spec_id", spec.ID).Logger(),
		completed: scheduler.NewIDSet(),
		failed:    scheduler.NewIDSet(),
		awaiting:  scheduler.NewIDSet(),
		start:     o.now(),
	}
	if err := r.setStatus(runCtx, constants.SpecStatusRunning); err != nil {
		return nil, err
	}

	summary, err := r.run(runCtx)
	if summary != nil {
		summary.Duration = o.now().Sub(r.start)
		o.metrics.RunFinished(summary.Success, summary.Duration)
		r.log.Info().
			Bool("success", summary.Success).
			Bool("aborted", summary.Aborted).
			Int("passed", summary.Passed).
			Int("failed", summary.Failed).
			Int("skipped", summary.Skipped).
			Int("fix_chunks", summary.FixChunks).
			Dur("duration", summary.Duration).
			Msg("specification run finished")
	}
	return summary, err
}

func (o *Orchestrator) pipelineConfig(p *domain.Project) pipeline.Config {
	cfg := o.cfg.Pipeline
	ex := p.Execution
	if ex.Backend != "" {
		cfg.Backend = ex.Backend
	}
	if ex.Model != "" {
		cfg.Model = ex.Model
	}
	if ex.Timeout > 0 {
		cfg.ExecutionTimeout = ex.Timeout
	}
	if ex.MaxIterations > 0 {
		cfg.MaxTurns = ex.MaxIterations
	}
	if ex.ReviewerMode != "" {
		cfg.ReviewModel = ex.ReviewerMode
	}
	if ex.BuildCommand != "" {
		cfg.BuildCommand = ex.BuildCommand
	}
	if ex.SkipBuild {
		cfg.SkipBuild = true
	}
	return cfg
}
