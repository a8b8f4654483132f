// Package signal turns SIGINT and SIGTERM into context cancellation for
// long-running commands. The first signal requests a graceful stop: the
// worker pool aborts running specifications and waits for them to reset
// their working trees. A second signal asks the caller to stop waiting.
//
// Import rules:
//   - CAN import: std lib only
//   - MUST NOT import: internal packages
package signal

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Handler cancels its context on the first interrupt and closes Forced on
// the second.
type Handler struct {
	ctx    context.Context //nolint:containedctx // the handler owns this context's lifetime
	cancel context.CancelFunc

	interrupted chan struct{}
	forced      chan struct{}
	done        chan struct{}
	sigChan     chan os.Signal

	mu       sync.Mutex
	count    int
	stopOnce sync.Once
}

// NewHandler starts listening for SIGINT and SIGTERM.
//
//	h := signal.NewHandler(ctx)
//	defer h.Stop()
//	ctx = h.Context()
func NewHandler(parent context.Context) *Handler {
	h := newHandler(parent)
	signal.Notify(h.sigChan, syscall.SIGINT, syscall.SIGTERM)
	go h.listen()
	return h
}

func newHandler(parent context.Context) *Handler {
	ctx, cancel := context.WithCancel(parent)
	return &Handler{
		ctx:         ctx,
		cancel:      cancel,
		interrupted: make(chan struct{}),
		forced:      make(chan struct{}),
		done:        make(chan struct{}),
		sigChan:     make(chan os.Signal, 2),
	}
}

// Context is canceled on the first signal or when Stop is called.
func (h *Handler) Context() context.Context {
	return h.ctx
}

// Interrupted closes on the first signal.
func (h *Handler) Interrupted() <-chan struct{} {
	return h.interrupted
}

// Forced closes on the second signal.
func (h *Handler) Forced() <-chan struct{} {
	return h.forced
}

// Stop stops listening and cancels the context.
func (h *Handler) Stop() {
	h.stopOnce.Do(func() {
		signal.Stop(h.sigChan)
		close(h.done)
		h.cancel()
	})
}

func (h *Handler) handleSignal() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	switch h.count {
	case 1:
		h.cancel()
		close(h.interrupted)
	case 2:
		close(h.forced)
	}
}

// listen keeps receiving after the context is canceled so the second
// signal is still observed.
func (h *Handler) listen() {
	for {
		select {
		case <-h.done:
			return
		case <-h.sigChan:
			h.handleSignal()
		}
	}
}
