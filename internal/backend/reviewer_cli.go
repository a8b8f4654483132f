package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mrz1836/chunkflow/internal/constants"
	cferrors "github.com/mrz1836/chunkflow/internal/errors"
)

// CLIReviewerConfig configures a CLIReviewer.
type CLIReviewerConfig struct {
	// Command is the review binary (default "claude").
	Command string
	// Args are passed before the generated flags.
	Args []string
	// RequestsPerMinute paces calls; zero or less disables pacing.
	RequestsPerMinute int
}

// CommandError is returned when the review command exits unsuccessfully.
type CommandError struct {
	ExitCode int
	Stderr   string
}

// Error implements error. Stderr is included so rate-limit messages from the
// command reach retry classification.
func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("review command exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("review command exited with code %d: %s", e.ExitCode, e.Stderr)
}

// Unwrap returns ErrReviewFailed.
func (e *CommandError) Unwrap() error {
	return cferrors.ErrReviewFailed
}

// CLIReviewer runs a review command with the rendered material on stdin and
// returns its stdout.
type CLIReviewer struct {
	cfg     CLIReviewerConfig
	limiter *rate.Limiter
	logger  zerolog.Logger
}

var _ Reviewer = (*CLIReviewer)(nil)

// NewCLIReviewer creates a CLIReviewer.
func NewCLIReviewer(cfg CLIReviewerConfig, logger zerolog.Logger) *CLIReviewer {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
	}
	return &CLIReviewer{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// DefaultReviewerConfig returns the configuration used when none is given.
func DefaultReviewerConfig() CLIReviewerConfig {
	return CLIReviewerConfig{Command: "claude", RequestsPerMinute: constants.DefaultReviewsPerMinute}
}

// Execute runs one review. A non-nil error means the backend call failed;
// a verdict of fail is reported through Output, not as an error.
func (r *CLIReviewer) Execute(ctx context.Context, material PromptMaterial, opts ReviewOptions) (*ReviewResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for review slot: %w: %w", cferrors.ErrReviewFailed, err)
	}

	args := append([]string{}, r.cfg.Args...)
	args = append(args, "-p", "--output-format", "text")
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}

	cmd := exec.CommandContext(ctx, r.cfg.Command, args...) //#nosec G204 -- command comes from configuration
	cmd.Stdin = strings.NewReader(material.Render())
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	r.logger.Debug().
		Str("kind", string(material.Kind)).
		Dur("duration", time.Since(start)).
		Bool("success", err == nil).
		Msg("review command finished")

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &ReviewResult{Output: stdout.String()},
				fmt.Errorf("review timed out after %s: %w: %w", opts.Timeout, cferrors.ErrReviewFailed, context.DeadlineExceeded)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		cmdErr := &CommandError{ExitCode: -1, Stderr: strings.TrimSpace(stderr.String())}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			cmdErr.ExitCode = exitErr.ExitCode()
		} else if cmdErr.Stderr == "" {
			cmdErr.Stderr = err.Error()
		}
		return &ReviewResult{Output: stdout.String()}, cmdErr
	}
	return &ReviewResult{Success: true, Output: stdout.String()}, nil
}
