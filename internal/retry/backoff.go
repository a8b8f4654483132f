package retry

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrz1836/chunkflow/internal/ctxutil"
)

// timeSleep returns a channel that fires after d. Overridden in tests.
//
//nolint:gochecknoglobals // Required for test mocking
var timeSleep = func(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Options configures WithBackoff.
type Options struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// Backoff is the wait before the first retry; retry n waits Backoff * 2^n.
	Backoff time.Duration

	// OnRetry is called before each wait with the 0-based retry index.
	OnRetry func(attempt int, wait time.Duration, err error)

	Logger zerolog.Logger
}

// WithBackoff invokes op and retries it while it fails with a rate-limit error.
// Any other error, or the last rate-limit error once MaxRetries is exhausted,
// is returned unchanged.
func WithBackoff[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts Options) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		if err := ctxutil.Canceled(ctx); err != nil {
			return zero, err
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		kind := Classify(err)
		if kind != KindRateLimit || attempt >= opts.MaxRetries {
			if kind == KindRateLimit {
				opts.Logger.Warn().
					Err(err).
					Int("max_retries", opts.MaxRetries).
					Msg("rate limit retries exhausted")
			}
			return zero, err
		}

		wait := opts.Backoff << attempt
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, wait, err)
		}
		opts.Logger.Debug().
			Err(err).
			Int("attempt", attempt+1).
			Dur("backoff", wait).
			Msg("rate limited, retrying after backoff")

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-timeSleep(wait):
		}
	}
}
