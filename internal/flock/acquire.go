package flock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// pollInterval is how often Acquire retries a contended lock.
const pollInterval = 25 * time.Millisecond

// ErrTimeout is returned by Acquire when the lock is still held after the timeout.
var ErrTimeout = errors.New("lock not acquired within timeout") //nolint:gochecknoglobals // sentinel

// Acquire opens (creating if needed) the lock file at path and polls for an
// exclusive lock until it is obtained, ctx is done, or timeout elapses.
// The returned file must be passed to Release.
func Acquire(ctx context.Context, path string, timeout time.Duration) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600) //#nosec G304 -- path is constructed by the store
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		if err := Exclusive(f.Fd()); err == nil {
			return f, nil
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, ErrTimeout
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Release unlocks and closes a file returned by Acquire.
func Release(f *os.File) error {
	if f == nil {
		return nil
	}
	if err := Unlock(f.Fd()); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return f.Close()
}
