// Package pipeline drives one chunk through Execute, Validate, Review and
// then Commit or Reset.
//
// IMPORTANT: This package may import backend, checkpoint, validation, events,
// metrics, retry and the leaf packages. It MUST NOT import orchestrator or pool.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrz1836/chunkflow/internal/backend"
	"github.com/mrz1836/chunkflow/internal/checkpoint"
	"github.com/mrz1836/chunkflow/internal/constants"
	"github.com/mrz1836/chunkflow/internal/ctxutil"
	"github.com/mrz1836/chunkflow/internal/domain"
	"github.com/mrz1836/chunkflow/internal/events"
	"github.com/mrz1836/chunkflow/internal/metrics"
	"github.com/mrz1836/chunkflow/internal/validation"
)

// Outcome is the terminal result of one pipeline run.
type Outcome string

// Pipeline outcomes.
const (
	OutcomePass      Outcome = "pass"
	OutcomeFail      Outcome = "fail"
	OutcomeNeedsFix  Outcome = "needs_fix"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeError     Outcome = "error"
)

// Store is the persistence the pipeline needs.
type Store interface {
	ToolCallRecorder
	ReviewLogger
	UpdateChunk(ctx context.Context, c *domain.Chunk) error
	InsertFixChunk(ctx context.Context, fixed, fix *domain.Chunk) error
}

// Checkpointer commits accepted chunks and rolls back rejected ones.
type Checkpointer interface {
	CommitChunk(ctx context.Context, state *checkpoint.State, chunk *domain.Chunk) (*checkpoint.CommitResult, error)
	ResetHard(ctx context.Context, state *checkpoint.State) error
}

// Validator checks the working tree after execution.
type Validator interface {
	Validate(ctx context.Context, workDir string, opts validation.Options) (*validation.Result, error)
}

// Config holds the resolved per-run settings.
type Config struct {
	Backend          string
	Model            string
	MaxTurns         int
	ExecutionTimeout time.Duration
	ReviewModel      string
	ReviewTimeout    time.Duration
	BuildCommand     string
	SkipBuild        bool
	BuildTimeout     time.Duration
}

// Input is one chunk to run.
type Input struct {
	Spec  *domain.Specification
	Chunk *domain.Chunk
	// State is the checkpoint state; nil or inactive disables validation and git.
	State        *checkpoint.State
	Dependencies []backend.DependencyContext
	Config       Config
	Publisher    events.Publisher
}

// Result is the outcome of one pipeline run. Chunk reflects the persisted state.
type Result struct {
	Outcome    Outcome
	Chunk      *domain.Chunk
	FixChunkID string
	CommitHash string
	Reason     domain.FailReason
	Feedback   string
	Duration   time.Duration
}

// Pipeline runs chunks. It is safe for concurrent use by different specifications.
type Pipeline struct {
	store      Store
	runner     *ExecutionRunner
	validator  Validator
	reviews    *ReviewClient
	checkpoint Checkpointer
	metrics    metrics.Recorder
	logger     zerolog.Logger
	now        func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithClock sets the time source for chunk timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a Pipeline.
func New(store Store, runner *ExecutionRunner, validator Validator, reviews *ReviewClient, cp Checkpointer, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:      store,
		runner:     runner,
		validator:  validator,
		reviews:    reviews,
		checkpoint: cp,
		metrics:    metrics.Noop{},
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Abort cancels the execution of chunkID if it is running.
func (p *Pipeline) Abort(chunkID string) bool {
	return p.runner.Abort(chunkID)
}

// run carries the mutable state of one pipeline invocation.
type run struct {
	p     *Pipeline
	in    Input
	chunk *domain.Chunk
	pub   events.Publisher
	log   zerolog.Logger
	start time.Time
}

// Run drives in.Chunk to a terminal outcome. The returned error is non-nil
// only when the chunk could not be persisted; every other problem is
// expressed as an outcome.
func (p *Pipeline) Run(ctx context.Context, in Input) (*Result, error) {
	pub := in.Publisher
	if pub == nil {
		pub = events.Discard
	}
	r := &run{
		p:     p,
		in:    in,
		chunk: in.Chunk.Clone(),
		pub:   pub,
		log:   p.logger.With().Str("spec_id", in.Spec.ID).Str("chunk_id", in.Chunk.ID).Logger(),
		start: p.now(),
	}

	res, err := r.execute(ctx)
	if res != nil {
		res.Duration = p.now().Sub(r.start)
		res.Chunk = r.chunk
		p.metrics.ChunkFinished(string(res.Outcome), res.Duration)
		r.log.Info().
			Str("outcome", string(res.Outcome)).
			Str("reason", string(res.Reason)).
			Dur("duration", res.Duration).
			Msg("chunk pipeline finished")
	}
	return res, err
}

func (r *run) emit(t events.Type, msg string, data map[string]any) {
	r.pub.Publish(events.Event{Type: t, ChunkID: r.chunk.ID, Message: msg, Data: data})
}

func (r *run) save(ctx context.Context) error {
	r.chunk.UpdatedAt = r.p.now().UTC()
	if err := r.p.store.UpdateChunk(ctxutil.Detached(ctx), r.chunk); err != nil {
		return fmt.Errorf("failed to persist chunk '%s': %w", r.chunk.ID, err)
	}
	return nil
}

func (r *run) workDir() string {
	if r.in.State != nil && r.in.State.WorkDir != "" {
		return r.in.State.WorkDir
	}
	return ""
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	now := r.p.now().UTC()
	previousFeedback := r.chunk.ReviewFeedback
	r.chunk.Status = constants.ChunkStatusRunning
	r.chunk.StartedAt = &now
	r.chunk.CompletedAt = nil
	r.chunk.ReviewStatus = ""
	r.chunk.FailReason = ""
	r.chunk.StatusReason = ""
	r.chunk.CommitHash = ""
	if err := r.save(ctx); err != nil {
		return nil, err
	}

	r.emit(events.ExecutionStart, r.chunk.Title, nil)
	exec, err := r.p.runner.Run(ctx, ExecutionRequest{
		ChunkID:  r.chunk.ID,
		WorkDir:  r.workDir(),
		Backend:  r.in.Config.Backend,
		Model:    r.in.Config.Model,
		MaxTurns: r.in.Config.MaxTurns,
		Timeout:  r.in.Config.ExecutionTimeout,
		Material: backend.PromptMaterial{
			Kind:             backend.MaterialExecute,
			SpecTitle:        r.in.Spec.Title,
			SpecContent:      r.in.Spec.Content,
			ChunkTitle:       r.chunk.Title,
			ChunkDescription: r.chunk.Description,
			Feedback:         previousFeedback,
			Dependencies:     r.in.Dependencies,
		},
	}, r.pub)
	if err != nil {
		exec = &ExecutionResult{Status: ExecutionFailed, Error: err.Error()}
	}
	r.emit(events.ExecutionComplete, string(exec.Status), map[string]any{
		"status":     string(exec.Status),
		"tool_calls": exec.ToolCalls,
		"duration":   exec.Duration.String(),
	})
	r.chunk.Output = exec.Output
	r.chunk.OutputSummary = exec.Summary

	switch exec.Status {
	case ExecutionCancelled:
		return r.finish(ctx, OutcomeCancelled, constants.ChunkStatusCancelled, domain.FailReasonAborted, "execution aborted")
	case ExecutionTimeout:
		return r.fail(ctx, OutcomeFail, domain.FailReasonTimeout, exec.Error)
	case ExecutionFailed:
		return r.fail(ctx, OutcomeFail, domain.FailReasonExecutionFailed, exec.Error)
	case ExecutionCompleted:
	}

	var summary string
	if r.in.State.Active() {
		r.emit(events.ValidationStart, "", nil)
		vres, err := r.p.validator.Validate(ctx, r.workDir(), validation.Options{
			BuildCommand: r.in.Config.BuildCommand,
			SkipBuild:    r.in.Config.SkipBuild,
			Timeout:      r.in.Config.BuildTimeout,
		})
		if err != nil {
			return r.finish(ctx, OutcomeCancelled, constants.ChunkStatusCancelled, domain.FailReasonAborted, "aborted during validation")
		}
		data := map[string]any{"passed": vres.Passed(), "changed_files": len(vres.ChangedFiles)}
		if vres.AutoFail != nil {
			data["reason"] = string(vres.AutoFail.Reason)
		}
		r.emit(events.ValidationComplete, "", data)
		if vres.AutoFail != nil {
			r.chunk.ReviewFeedback = vres.AutoFail.Feedback
			res, err := r.fail(ctx, OutcomeFail, vres.AutoFail.Reason, vres.AutoFail.Feedback)
			if res != nil {
				res.Feedback = vres.AutoFail.Feedback
			}
			return res, err
		}
		summary = vres.Summary()
	}

	return r.review(ctx, summary, previousFeedback)
}

func (r *run) review(ctx context.Context, validationSummary, previousFeedback string) (*Result, error) {
	r.emit(events.ReviewStart, "", nil)
	verdict, err := r.p.reviews.Review(ctx, ReviewRequest{
		Kind:    constants.ReviewKindChunk,
		SpecID:  r.in.Spec.ID,
		ChunkID: r.chunk.ID,
		Material: backend.PromptMaterial{
			Kind:             backend.MaterialChunkReview,
			SpecTitle:        r.in.Spec.Title,
			SpecContent:      r.in.Spec.Content,
			ChunkTitle:       r.chunk.Title,
			ChunkDescription: r.chunk.Description,
			ChunkOutput:      r.chunk.Summary(),
			Feedback:         previousFeedback,
			Validation:       validationSummary,
			Dependencies:     r.in.Dependencies,
		},
		Options: backend.ReviewOptions{Timeout: r.in.Config.ReviewTimeout, Model: r.in.Config.ReviewModel},
	})
	if err != nil {
		if ctx.Err() != nil {
			return r.finish(ctx, OutcomeCancelled, constants.ChunkStatusCancelled, domain.FailReasonAborted, "aborted during review")
		}
		r.log.Error().Err(err).Msg("review failed")
		r.emit(events.Error, err.Error(), map[string]any{"step": "review"})
		return r.fail(ctx, OutcomeError, domain.FailReasonReviewError, err.Error())
	}

	r.chunk.ReviewStatus = verdict.Status
	r.chunk.ReviewFeedback = verdict.Feedback
	r.emit(events.ReviewComplete, verdict.Feedback, map[string]any{"verdict": string(verdict.Status)})

	switch verdict.Status {
	case constants.ReviewStatusPass:
		return r.pass(ctx)
	case constants.ReviewStatusNeedsFix:
		return r.needsFix(ctx, verdict)
	default:
		res, err := r.fail(ctx, OutcomeFail, domain.FailReasonReviewFailed, verdict.Feedback)
		if res != nil {
			res.Feedback = verdict.Feedback
		}
		return res, err
	}
}

func (r *run) pass(ctx context.Context) (*Result, error) {
	res := &Result{Outcome: OutcomePass, Feedback: r.chunk.ReviewFeedback}
	if r.in.State.Active() {
		commit, err := r.p.checkpoint.CommitChunk(ctxutil.Detached(ctx), r.in.State, r.chunk)
		if err != nil {
			r.log.Warn().Err(err).Msg("commit failed, keeping chunk accepted")
			r.emit(events.Error, "commit failed: "+err.Error(), map[string]any{"step": "commit"})
		} else {
			r.chunk.CommitHash = commit.Hash
			res.CommitHash = commit.Hash
			r.emit(events.Commit, commit.Hash, map[string]any{"hash": commit.Hash, "files_changed": commit.FilesChanged})
		}
	}

	now := r.p.now().UTC()
	r.chunk.Status = constants.ChunkStatusCompleted
	r.chunk.CompletedAt = &now
	if err := r.save(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *run) needsFix(ctx context.Context, verdict *backend.Verdict) (*Result, error) {
	r.reset(ctx)

	fixes := verdict.AllFixes()
	fixSpec := fixes[0]
	title := fixSpec.Title
	if title == "" {
		title = "Fix: " + r.chunk.Title
	}
	fix := &domain.Chunk{
		ID:          domain.NewID(domain.ChunkIDPrefix),
		SpecID:      r.chunk.SpecID,
		Title:       title,
		Description: fixSpec.Description,
	}

	now := r.p.now().UTC()
	r.chunk.Status = constants.ChunkStatusCompleted
	r.chunk.CompletedAt = &now
	if err := r.p.store.InsertFixChunk(ctxutil.Detached(ctx), r.chunk, fix); err != nil {
		r.log.Error().Err(err).Msg("failed to insert fix chunk")
		r.emit(events.Error, err.Error(), map[string]any{"step": "fix"})
		return r.fail(ctx, OutcomeError, domain.FailReasonReviewError, "failed to create fix chunk: "+err.Error())
	}
	if err := r.save(ctx); err != nil {
		return nil, err
	}
	r.log.Info().Str("fix_chunk_id", fix.ID).Int("order", fix.Order).Msg("fix chunk created")
	return &Result{Outcome: OutcomeNeedsFix, FixChunkID: fix.ID, Feedback: verdict.Feedback}, nil
}

// fail marks the chunk failed, rolls back the working tree and persists.
func (r *run) fail(ctx context.Context, outcome Outcome, reason domain.FailReason, msg string) (*Result, error) {
	return r.finish(ctx, outcome, constants.ChunkStatusFailed, reason, msg)
}

// finish ends an unaccepted chunk. Its partial edits are always rolled back so
// an abort leaves the branch at the last accepted commit.
func (r *run) finish(ctx context.Context, outcome Outcome, status constants.ChunkStatus, reason domain.FailReason, msg string) (*Result, error) {
	r.reset(ctx)
	now := r.p.now().UTC()
	r.chunk.Status = status
	r.chunk.FailReason = reason
	r.chunk.StatusReason = msg
	r.chunk.CompletedAt = &now
	if err := r.save(ctx); err != nil {
		return nil, err
	}
	return &Result{Outcome: outcome, Reason: reason}, nil
}

func (r *run) reset(ctx context.Context) {
	if !r.in.State.Active() {
		return
	}
	if err := r.p.checkpoint.ResetHard(ctxutil.Detached(ctx), r.in.State); err != nil {
		r.log.Warn().Err(err).Msg("failed to reset working tree")
		r.emit(events.Error, "reset failed: "+err.Error(), map[string]any{"step": "reset"})
	}
}
