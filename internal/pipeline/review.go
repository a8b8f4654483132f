package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrz1836/chunkflow/internal/backend"
	"github.com/mrz1836/chunkflow/internal/constants"
	"github.com/mrz1836/chunkflow/internal/ctxutil"
	"github.com/mrz1836/chunkflow/internal/domain"
	cferrors "github.com/mrz1836/chunkflow/internal/errors"
	"github.com/mrz1836/chunkflow/internal/metrics"
	"github.com/mrz1836/chunkflow/internal/retry"
)

// ReviewLogger persists review audit rows.
type ReviewLogger interface {
	AppendReviewLog(ctx context.Context, rl *domain.ReviewLog) error
}

// ReviewRequest describes one review, chunk-level or final.
type ReviewRequest struct {
	Kind     constants.ReviewKind
	SpecID   string
	ChunkID  string
	Material backend.PromptMaterial
	Options  backend.ReviewOptions
}

// ReviewClient calls the review backend through the rate-limit retry policy,
// parses verdicts strictly and logs every attempt.
type ReviewClient struct {
	reviewer backend.Reviewer
	logs     ReviewLogger
	retry    retry.Options
	metrics  metrics.Recorder
	logger   zerolog.Logger
	now      func() time.Time
}

// NewReviewClient creates a ReviewClient. A nil recorder disables metrics.
func NewReviewClient(reviewer backend.Reviewer, logs ReviewLogger, retryOpts retry.Options, recorder metrics.Recorder, logger zerolog.Logger) *ReviewClient {
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	retryOpts.Logger = logger
	return &ReviewClient{
		reviewer: reviewer,
		logs:     logs,
		retry:    retryOpts,
		metrics:  recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Review returns the parsed verdict. Rate-limited calls are retried; any
// other failure, including unparseable output, is returned as an error.
func (c *ReviewClient) Review(ctx context.Context, req ReviewRequest) (*backend.Verdict, error) {
	attempt := 0
	op := func(ctx context.Context) (*backend.Verdict, error) {
		attempt++
		start := c.now()

		verdict, err := c.call(ctx, req)

		rl := &domain.ReviewLog{
			ID:        domain.NewID(domain.ReviewLogIDPrefix),
			SpecID:    req.SpecID,
			ChunkID:   req.ChunkID,
			Kind:      req.Kind,
			Model:     req.Options.Model,
			Attempt:   attempt,
			Duration:  c.now().Sub(start),
			CreatedAt: c.now().UTC(),
		}
		if err != nil {
			rl.ErrorKind = retry.Classify(err).String()
		} else {
			rl.Verdict = verdict.Status
		}
		if logErr := c.logs.AppendReviewLog(ctxutil.Detached(ctx), rl); logErr != nil {
			c.logger.Warn().Err(logErr).Str("spec_id", req.SpecID).Msg("failed to record review log")
		}
		c.metrics.ReviewAttempt(string(req.Kind), rl.ErrorKind)
		return verdict, err
	}

	opts := c.retry
	opts.OnRetry = func(n int, wait time.Duration, err error) {
		c.logger.Info().
			Str("spec_id", req.SpecID).
			Str("chunk_id", req.ChunkID).
			Int("retry", n+1).
			Dur("wait", wait).
			Err(err).
			Msg("review rate limited")
		if c.retry.OnRetry != nil {
			c.retry.OnRetry(n, wait, err)
		}
	}
	return retry.WithBackoff(ctx, op, opts)
}

func (c *ReviewClient) call(ctx context.Context, req ReviewRequest) (*backend.Verdict, error) {
	res, err := c.reviewer.Execute(ctx, req.Material, req.Options)
	if err != nil {
		return nil, err
	}
	if res == nil || !res.Success {
		out := ""
		if res != nil {
			out = res.Output
		}
		return nil, fmt.Errorf("review backend reported failure: %w: %s", cferrors.ErrReviewFailed, out)
	}
	return backend.ParseVerdict(res.Output)
}
