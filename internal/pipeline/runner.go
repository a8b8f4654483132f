package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrz1836/chunkflow/internal/backend"
	"github.com/mrz1836/chunkflow/internal/constants"
	"github.com/mrz1836/chunkflow/internal/ctxutil"
	"github.com/mrz1836/chunkflow/internal/domain"
	cferrors "github.com/mrz1836/chunkflow/internal/errors"
	"github.com/mrz1836/chunkflow/internal/events"
)

// ExecutionStatus is the outcome of one chunk execution.
type ExecutionStatus string

// Execution statuses.
const (
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionTimeout   ExecutionStatus = "timeout"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// timeoutWarningRatio is the elapsed fraction of the timeout at which a warning fires.
const timeoutWarningRatio = 0.8

// ToolCallRecorder persists tool calls.
type ToolCallRecorder interface {
	AppendToolCall(ctx context.Context, tc *domain.ToolCall) error
}

// ExecutionRequest describes one chunk execution.
type ExecutionRequest struct {
	ChunkID  string
	WorkDir  string
	Backend  string
	Model    string
	MaxTurns int
	Timeout  time.Duration
	Material backend.PromptMaterial
}

// ExecutionResult is what the execution backend produced.
type ExecutionResult struct {
	Status ExecutionStatus
	// Output is the accumulated assistant text.
	Output string
	// Summary is the backend's final result text, if it reported one.
	Summary   string
	Error     string
	ToolCalls int
	Duration  time.Duration
}

// ExecutionRunner drives the execution backend for one chunk at a time per
// caller and keeps a registry of running chunks so they can be aborted.
type ExecutionRunner struct {
	executor backend.Executor
	recorder ToolCallRecorder
	logger   zerolog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewExecutionRunner creates an ExecutionRunner.
func NewExecutionRunner(executor backend.Executor, recorder ToolCallRecorder, logger zerolog.Logger) *ExecutionRunner {
	return &ExecutionRunner{
		executor: executor,
		recorder: recorder,
		logger:   logger,
		active:   make(map[string]context.CancelFunc),
	}
}

// Abort cancels the running execution of chunkID. It reports whether one was running.
func (r *ExecutionRunner) Abort(chunkID string) bool {
	r.mu.Lock()
	cancel, ok := r.active[chunkID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running reports whether chunkID is executing.
func (r *ExecutionRunner) Running(chunkID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[chunkID]
	return ok
}

func (r *ExecutionRunner) register(chunkID string, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[chunkID]; ok {
		return fmt.Errorf("chunk %s is already executing: %w", chunkID, cferrors.ErrAlreadyRunning)
	}
	r.active[chunkID] = cancel
	return nil
}

func (r *ExecutionRunner) unregister(chunkID string) {
	r.mu.Lock()
	delete(r.active, chunkID)
	r.mu.Unlock()
}

// Run executes req and blocks until the backend completes, fails, times out
// or the execution is aborted. Cancellation of ctx or Abort yields
// ExecutionCancelled; the returned error is reserved for misuse.
func (r *ExecutionRunner) Run(ctx context.Context, req ExecutionRequest, pub events.Publisher) (*ExecutionResult, error) {
	if pub == nil {
		pub = events.Discard
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultExecutionTimeout
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := r.register(req.ChunkID, cancel); err != nil {
		return nil, err
	}
	defer r.unregister(req.ChunkID)

	log := r.logger.With().Str("chunk_id", req.ChunkID).Logger()
	start := time.Now()
	result := &ExecutionResult{}
	finish := func(status ExecutionStatus, msg string) *ExecutionResult {
		result.Status = status
		result.Error = msg
		result.Duration = time.Since(start)
		return result
	}

	sessionID, err := r.executor.StartSession(runCtx, req.WorkDir)
	if err != nil {
		if runCtx.Err() != nil {
			return finish(ExecutionCancelled, "aborted"), nil
		}
		return finish(ExecutionFailed, "failed to start session: "+err.Error()), nil
	}
	defer func() {
		if abortErr := r.executor.AbortSession(ctxutil.Detached(ctx), sessionID); abortErr != nil {
			log.Debug().Err(abortErr).Str("session_id", sessionID).Msg("session release failed")
		}
	}()

	stream := r.executor.Events(sessionID)
	if err := r.executor.SendPrompt(runCtx, sessionID, req.Material, backend.PromptOptions{Command: req.Backend, Model: req.Model, MaxTurns: req.MaxTurns}); err != nil {
		if runCtx.Err() != nil {
			return finish(ExecutionCancelled, "aborted"), nil
		}
		return finish(ExecutionFailed, "failed to send prompt: "+err.Error()), nil
	}

	warn := time.NewTimer(time.Duration(float64(timeout) * timeoutWarningRatio))
	defer warn.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var text strings.Builder
	calls := newToolCallTracker(req.ChunkID)

	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				result.Output = text.String()
				if runCtx.Err() != nil {
					return finish(ExecutionCancelled, "aborted"), nil
				}
				return finish(ExecutionFailed, "execution backend closed the stream without completing"), nil
			}
			switch ev.Kind {
			case backend.EventToolCall:
				if tc := calls.observe(ev.Tool, time.Now().UTC()); tc != nil {
					if tc.Status == constants.ToolCallRunning {
						result.ToolCalls++
					}
					if err := r.recorder.AppendToolCall(ctxutil.Detached(ctx), tc); err != nil {
						log.Warn().Err(err).Str("tool", tc.ToolName).Msg("failed to record tool call")
					}
					pub.Publish(events.Event{
						Type:    events.ToolCall,
						ChunkID: req.ChunkID,
						Message: tc.ToolName,
						Data:    map[string]any{"tool_call_id": tc.ID, "status": string(tc.Status)},
					})
				}
			case backend.EventText:
				if text.Len() > 0 {
					text.WriteString("\n")
				}
				text.WriteString(ev.Text)
			case backend.EventComplete:
				result.Output = text.String()
				result.Summary = strings.TrimSpace(ev.Text)
				if result.Output == "" {
					result.Output = result.Summary
				}
				return finish(ExecutionCompleted, ""), nil
			case backend.EventError:
				result.Output = text.String()
				return finish(ExecutionFailed, ev.Text), nil
			}

		case <-warn.C:
			log.Warn().Dur("timeout", timeout).Msg("execution approaching timeout")
			pub.Publish(events.Event{
				Type:    events.TimeoutWarning,
				ChunkID: req.ChunkID,
				Message: fmt.Sprintf("execution has used %d%% of its %s timeout", int(timeoutWarningRatio*100), timeout),
			})

		case <-deadline.C:
			result.Output = text.String()
			log.Warn().Dur("timeout", timeout).Msg("execution timed out")
			return finish(ExecutionTimeout, fmt.Sprintf("execution timed out after %s", timeout)), nil

		case <-runCtx.Done():
			result.Output = text.String()
			return finish(ExecutionCancelled, "aborted"), nil
		}
	}
}

// toolCallTracker maps backend tool-use IDs to stored tool call records so
// the completion of a call is appended under the same ID as its start.
type toolCallTracker struct {
	chunkID string
	calls   map[string]*domain.ToolCall
}

func newToolCallTracker(chunkID string) *toolCallTracker {
	return &toolCallTracker{chunkID: chunkID, calls: make(map[string]*domain.ToolCall)}
}

func (t *toolCallTracker) observe(use *backend.ToolUse, now time.Time) *domain.ToolCall {
	if use == nil {
		return nil
	}
	tc, ok := t.calls[use.ID]
	if !ok || use.ID == "" {
		tc = &domain.ToolCall{
			ID:        domain.NewID(domain.ToolCallIDPrefix),
			ChunkID:   t.chunkID,
			ToolName:  use.Name,
			Input:     use.Input,
			StartedAt: now,
		}
		if use.ID != "" {
			t.calls[use.ID] = tc
		}
	}

	rec := *tc
	if use.Name != "" {
		rec.ToolName = use.Name
	}
	if len(use.Input) > 0 {
		rec.Input = use.Input
	}
	rec.Status = use.Status
	if rec.Status == "" {
		rec.Status = constants.ToolCallRunning
	}
	if rec.Status != constants.ToolCallRunning {
		rec.Output = use.Output
		done := now
		rec.CompletedAt = &done
	}
	*tc = rec
	out := rec
	return &out
}

// FilesTouched returns the distinct file paths found in tool call inputs, in first-seen order.
func FilesTouched(calls []*domain.ToolCall) []string {
	seen := make(map[string]bool)
	var files []string
	for _, tc := range calls {
		p := tc.FilePath()
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		files = append(files, p)
	}
	return files
}
