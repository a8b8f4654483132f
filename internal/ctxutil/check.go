// Package ctxutil provides context utility functions.
package ctxutil

import "context"

// Canceled returns the context error if ctx is done (Canceled or
// DeadlineExceeded), nil otherwise. Called at the entry of blocking operations.
func Canceled(ctx context.Context) error {
	return ctx.Err()
}

// Detached returns a context that keeps ctx's values (logger included) but is
// never canceled. Used for cleanup that must run after a run is aborted.
func Detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
