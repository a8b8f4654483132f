package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/mrz1836/chunkflow/internal/backend"
	cferrors "github.com/mrz1836/chunkflow/internal/errors"
)

// ExecutorScript decides what one prompt does. It runs in the session's
// work directory before any event is delivered, so it may write files.
// Returning nil events with hang=true keeps the session open until aborted.
type ExecutorScript func(workDir string, material backend.PromptMaterial) (evs []backend.ExecutionEvent, hang bool)

// CompleteWith is a script step that reports a single successful completion.
func CompleteWith(summary string) []backend.ExecutionEvent {
	return []backend.ExecutionEvent{{Kind: backend.EventComplete, Text: summary}}
}

// FakeExecutor is a scripted backend.Executor.
type FakeExecutor struct {
	mu        sync.Mutex
	script    ExecutorScript
	unhealthy bool
	startErr  error
	sessions  map[string]*fakeSession
	next      int

	// Prompts records every prompt sent, in order.
	Prompts []backend.PromptMaterial
	// Options records the options of every prompt, in order.
	Options []backend.PromptOptions
	// Aborts counts AbortSession calls.
	Aborts int
	// HealthChecks counts CheckHealth calls.
	HealthChecks int
}

type fakeSession struct {
	workDir string
	events  chan backend.ExecutionEvent
	done    chan struct{}
	once    sync.Once
}

func (s *fakeSession) stop() {
	s.once.Do(func() { close(s.done) })
}

var _ backend.Executor = (*FakeExecutor)(nil)

// NewFakeExecutor creates a FakeExecutor running script for every prompt.
func NewFakeExecutor(script ExecutorScript) *FakeExecutor {
	return &FakeExecutor{script: script, sessions: make(map[string]*fakeSession)}
}

// SetUnhealthy makes CheckHealth report false.
func (f *FakeExecutor) SetUnhealthy(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unhealthy = v
}

// SetStartError makes StartSession fail with err.
func (f *FakeExecutor) SetStartError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
}

// PromptCount returns the number of prompts sent.
func (f *FakeExecutor) PromptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Prompts)
}

// PromptTitles returns the chunk titles of all prompts, in order.
func (f *FakeExecutor) PromptTitles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Prompts))
	for i, p := range f.Prompts {
		out[i] = p.ChunkTitle
	}
	return out
}

// StartSession implements backend.Executor.
func (f *FakeExecutor) StartSession(ctx context.Context, workDir string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.next++
	id := fmt.Sprintf("sess-%d", f.next)
	f.sessions[id] = &fakeSession{
		workDir: workDir,
		events:  make(chan backend.ExecutionEvent, 64),
		done:    make(chan struct{}),
	}
	return id, nil
}

// SendPrompt implements backend.Executor.
func (f *FakeExecutor) SendPrompt(_ context.Context, sessionID string, material backend.PromptMaterial, opts backend.PromptOptions) error {
	f.mu.Lock()
	s, ok := f.sessions[sessionID]
	f.Prompts = append(f.Prompts, material)
	f.Options = append(f.Options, opts)
	script := f.script
	f.mu.Unlock()
	if !ok {
		return cferrors.ErrSessionNotFound
	}

	var evs []backend.ExecutionEvent
	hang := false
	if script != nil {
		evs, hang = script(s.workDir, material)
	} else {
		evs = CompleteWith("done")
	}

	go func() {
		defer close(s.events)
		for _, ev := range evs {
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
		if hang {
			<-s.done
		}
	}()
	return nil
}

// Events implements backend.Executor.
func (f *FakeExecutor) Events(sessionID string) <-chan backend.ExecutionEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[sessionID]; ok {
		return s.events
	}
	ch := make(chan backend.ExecutionEvent)
	close(ch)
	return ch
}

// AbortSession implements backend.Executor.
func (f *FakeExecutor) AbortSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Aborts++
	s, ok := f.sessions[sessionID]
	if !ok {
		return cferrors.ErrSessionNotFound
	}
	s.stop()
	delete(f.sessions, sessionID)
	return nil
}

// CheckHealth implements backend.Executor.
func (f *FakeExecutor) CheckHealth(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.HealthChecks++
	return !f.unhealthy
}

// ReviewResponse is one scripted review backend reply.
type ReviewResponse struct {
	Output string
	Err    error
}

// Verdict JSON helpers.
const (
	PassVerdict = `{"status":"pass","feedback":"looks good"}`
	FailVerdict = `{"status":"fail","feedback":"wrong approach"}`
)

// NeedsFixVerdict returns a chunk review asking for one fix.
func NeedsFixVerdict(title, description string) string {
	return fmt.Sprintf(`{"status":"needs_fix","feedback":"needs work","fix_title":%q,"fix_description":%q}`, title, description)
}

// FakeReviewer is a scripted backend.Reviewer. Replies are consumed in
// order and the last one repeats; Func, when set, takes precedence.
type FakeReviewer struct {
	mu        sync.Mutex
	responses []ReviewResponse
	fn        func(backend.PromptMaterial) ReviewResponse
	calls     []backend.PromptMaterial
}

var _ backend.Reviewer = (*FakeReviewer)(nil)

// NewFakeReviewer creates a FakeReviewer replying with responses.
func NewFakeReviewer(responses ...ReviewResponse) *FakeReviewer {
	return &FakeReviewer{responses: responses}
}

// NewFuncReviewer creates a FakeReviewer that computes each reply.
func NewFuncReviewer(fn func(backend.PromptMaterial) ReviewResponse) *FakeReviewer {
	return &FakeReviewer{fn: fn}
}

// Calls returns the number of Execute calls.
func (f *FakeReviewer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// Materials returns every reviewed material, in order.
func (f *FakeReviewer) Materials() []backend.PromptMaterial {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.PromptMaterial(nil), f.calls...)
}

// Execute implements backend.Reviewer.
func (f *FakeReviewer) Execute(ctx context.Context, material backend.PromptMaterial, _ backend.ReviewOptions) (*backend.ReviewResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, material)
	var resp ReviewResponse
	switch {
	case f.fn != nil:
		f.mu.Unlock()
		resp = f.fn(material)
		f.mu.Lock()
	case len(f.responses) == 0:
		resp = ReviewResponse{Output: PassVerdict}
	default:
		resp = f.responses[0]
		if len(f.responses) > 1 {
			f.responses = f.responses[1:]
		}
	}
	f.mu.Unlock()

	if resp.Err != nil {
		return &backend.ReviewResult{Output: resp.Output}, resp.Err
	}
	return &backend.ReviewResult{Success: true, Output: resp.Output}, nil
}
