package config

import (
	"time"

	"github.com/mrz1836/chunkflow/internal/errors"
)

// Limits enforced by Validate.
const (
	MaxWorkersLimit     = 32
	MaxFixDepthLimit    = 10
	MinExecutionTimeout = time.Minute
)

// Validate checks the configuration for invalid or inconsistent values.
// It returns an error describing the first validation failure found.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.ErrConfigNil
	}
	for _, check := range []func(*Config) error{
		validatePool,
		validateExecution,
		validateReview,
		validateValidation,
		validateGit,
	} {
		if err := check(cfg); err != nil {
			return err
		}
	}
	return nil
}

func validatePool(cfg *Config) error {
	if cfg.Pool.MaxWorkers < 1 || cfg.Pool.MaxWorkers > MaxWorkersLimit {
		return errors.Wrapf(errors.ErrValueOutOfRange,
			"pool.max_workers must be between 1 and %d, got %d", MaxWorkersLimit, cfg.Pool.MaxWorkers)
	}
	if cfg.Pool.EventBufferSize < 1 {
		return errors.Wrapf(errors.ErrValueOutOfRange,
			"pool.event_buffer_size must be positive, got %d", cfg.Pool.EventBufferSize)
	}
	return nil
}

func validateExecution(cfg *Config) error {
	ex := cfg.Execution
	if ex.Command == "" {
		return errors.Wrap(errors.ErrEmptyValue, "execution.command must not be empty")
	}
	if ex.Timeout < MinExecutionTimeout {
		return errors.Wrapf(errors.ErrValueOutOfRange,
			"execution.timeout must be at least %s, got %s", MinExecutionTimeout, ex.Timeout)
	}
	if ex.MaxIterations < 0 {
		return errors.Wrapf(errors.ErrValueOutOfRange,
			"execution.max_iterations cannot be negative, got %d", ex.MaxIterations)
	}
	if ex.MaxFixDepth < 1 || ex.MaxFixDepth > MaxFixDepthLimit {
		return errors.Wrapf(errors.ErrValueOutOfRange,
			"execution.max_fix_depth must be between 1 and %d, got %d", MaxFixDepthLimit, ex.MaxFixDepth)
	}
	return nil
}

func validateReview(cfg *Config) error {
	r := cfg.Review
	if r.Command == "" {
		return errors.Wrap(errors.ErrEmptyValue, "review.command must not be empty")
	}
	if r.Timeout <= 0 {
		return errors.Wrapf(errors.ErrValueOutOfRange, "review.timeout must be positive, got %s", r.Timeout)
	}
	if r.MaxRetries < 0 {
		return errors.Wrapf(errors.ErrValueOutOfRange, "review.max_retries cannot be negative, got %d", r.MaxRetries)
	}
	if r.MaxRetries > 0 && r.Backoff <= 0 {
		return errors.Wrapf(errors.ErrValueOutOfRange, "review.backoff must be positive when retrying, got %s", r.Backoff)
	}
	if r.RequestsPerMinute < 0 {
		return errors.Wrapf(errors.ErrValueOutOfRange,
			"review.requests_per_minute cannot be negative, got %d", r.RequestsPerMinute)
	}
	return nil
}

func validateValidation(cfg *Config) error {
	if cfg.Validation.Timeout <= 0 {
		return errors.Wrapf(errors.ErrValueOutOfRange,
			"validation.timeout must be positive, got %s", cfg.Validation.Timeout)
	}
	return nil
}

func validateGit(cfg *Config) error {
	if cfg.Git.BranchPrefix == "" {
		return errors.Wrap(errors.ErrEmptyValue, "git.branch_prefix must not be empty")
	}
	if cfg.Git.Remote == "" {
		return errors.Wrap(errors.ErrEmptyValue, "git.remote must not be empty")
	}
	return nil
}
