package pipeline_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrz1836/chunkflow/internal/backend"
	"github.com/mrz1836/chunkflow/internal/checkpoint"
	"github.com/mrz1836/chunkflow/internal/constants"
	"github.com/mrz1836/chunkflow/internal/domain"
	"github.com/mrz1836/chunkflow/internal/events"
	"github.com/mrz1836/chunkflow/internal/pipeline"
	"github.com/mrz1836/chunkflow/internal/retry"
	"github.com/mrz1836/chunkflow/internal/store"
	"github.com/mrz1836/chunkflow/internal/testutil"
	"github.com/mrz1836/chunkflow/internal/validation"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type harness struct {
	store    *store.FileStore
	spec     *domain.Specification
	state    *checkpoint.State
	repo     string
	exec     *testutil.FakeExecutor
	reviewer *testutil.FakeReviewer
	pipe     *pipeline.Pipeline
	events   *recorder
}

// newHarness builds a pipeline over a real file store. With withGit, the
// specification works on a branch of a fresh repository.
func newHarness(t *testing.T, script testutil.ExecutorScript, reviewer *testutil.FakeReviewer, withGit bool) *harness {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		store:    st,
		exec:     testutil.NewFakeExecutor(script),
		reviewer: reviewer,
		events:   &recorder{},
	}

	project := &domain.Project{ID: domain.NewID(domain.ProjectIDPrefix), Name: "demo", RootDir: t.TempDir()}
	if withGit {
		h.repo = testutil.InitRepo(t)
		project.RootDir = h.repo
	}
	require.NoError(t, st.CreateProject(ctx, project))

	h.spec = &domain.Specification{
		ID:        domain.NewID(domain.SpecIDPrefix),
		ProjectID: project.ID,
		Title:     "Login flow",
		Content:   "Users can log in.",
	}
	require.NoError(t, st.CreateSpec(ctx, h.spec))

	opts := checkpoint.DefaultOptions()
	opts.UseWorktrees = false
	wf := checkpoint.New(st, opts)
	if withGit {
		h.state, err = wf.Init(ctx, project, h.spec)
		require.NoError(t, err)
		require.True(t, h.state.Active())
	}

	runner := pipeline.NewExecutionRunner(h.exec, st, zerolog.Nop())
	reviews := pipeline.NewReviewClient(reviewer, st, retry.Options{MaxRetries: 3, Backoff: time.Millisecond}, nil, zerolog.Nop())
	h.pipe = pipeline.New(st, runner, validation.New(), reviews, wf)
	return h
}

func (h *harness) addChunk(t *testing.T, title string, order int, deps ...string) *domain.Chunk {
	t.Helper()
	c := &domain.Chunk{
		ID:           domain.NewID(domain.ChunkIDPrefix),
		SpecID:       h.spec.ID,
		Title:        title,
		Description:  "Implement " + title,
		Order:        order,
		Dependencies: deps,
	}
	require.NoError(t, h.store.CreateChunk(context.Background(), c))
	return c
}

func (h *harness) run(t *testing.T, c *domain.Chunk, cfg pipeline.Config) *pipeline.Result {
	t.Helper()
	res, err := h.pipe.Run(context.Background(), pipeline.Input{
		Spec:      h.spec,
		Chunk:     c,
		State:     h.state,
		Config:    cfg,
		Publisher: h.events,
	})
	require.NoError(t, err)
	return res
}

func (h *harness) stored(t *testing.T, c *domain.Chunk) *domain.Chunk {
	t.Helper()
	got, err := h.store.GetChunk(context.Background(), h.spec.ID, c.ID)
	require.NoError(t, err)
	return got
}

// writeFileScript edits a file and completes, reporting the edit as a tool call.
func writeFileScript(name string) testutil.ExecutorScript {
	return func(workDir string, _ backend.PromptMaterial) ([]backend.ExecutionEvent, bool) {
		_ = os.WriteFile(filepath.Join(workDir, name), []byte("package main\n"), 0o600)
		input := json.RawMessage(`{"file_path":"` + name + `"}`)
		return []backend.ExecutionEvent{
			{Kind: backend.EventText, Text: "writing " + name},
			{Kind: backend.EventToolCall, Tool: &backend.ToolUse{ID: "t1", Name: "Write", Input: input, Status: constants.ToolCallRunning}},
			{Kind: backend.EventToolCall, Tool: &backend.ToolUse{ID: "t1", Output: "ok", Status: constants.ToolCallCompleted}},
			{Kind: backend.EventComplete, Text: "wrote " + name},
		}, false
	}
}

func noChangeScript(string, backend.PromptMaterial) ([]backend.ExecutionEvent, bool) {
	return testutil.CompleteWith("nothing to do"), false
}

func hangScript(string, backend.PromptMaterial) ([]backend.ExecutionEvent, bool) {
	return nil, true
}

func TestPipeline_PassCommits(t *testing.T) {
	h := newHarness(t, writeFileScript("handler.go"), testutil.NewFakeReviewer(), true)
	c := h.addChunk(t, "Add handler", 0)

	res := h.run(t, c, pipeline.Config{})

	assert.Equal(t, pipeline.OutcomePass, res.Outcome)
	assert.NotEmpty(t, res.CommitHash)
	assert.Empty(t, res.FixChunkID)

	got := h.stored(t, c)
	assert.True(t, got.Accepted())
	assert.Equal(t, res.CommitHash, got.CommitHash)
	assert.Equal(t, "wrote handler.go", got.OutputSummary)
	assert.Equal(t, "writing handler.go", got.Output)

	assert.Equal(t, "chunk 1: Add handler", testutil.Git(t, h.repo, "log", "-1", "--format=%s"))
	assert.Empty(t, testutil.Git(t, h.repo, "status", "--porcelain"))

	calls, err := h.store.ListToolCalls(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "Write", calls[0].ToolName)
	assert.Equal(t, constants.ToolCallCompleted, calls[0].Status)
	assert.Equal(t, []string{"handler.go"}, pipeline.FilesTouched(calls))

	assert.Equal(t, []events.Type{
		events.ExecutionStart,
		events.ToolCall,
		events.ToolCall,
		events.ExecutionComplete,
		events.ValidationStart,
		events.ValidationComplete,
		events.ReviewStart,
		events.ReviewComplete,
		events.Commit,
	}, h.events.types())

	materials := h.reviewer.Materials()
	require.Len(t, materials, 1)
	assert.Equal(t, backend.MaterialChunkReview, materials[0].Kind)
	assert.Contains(t, materials[0].Validation, "handler.go")
}

func TestPipeline_NoChangesAutoFails(t *testing.T) {
	h := newHarness(t, noChangeScript, testutil.NewFakeReviewer(), true)
	c := h.addChunk(t, "Add handler", 0)

	res := h.run(t, c, pipeline.Config{BuildCommand: "true"})

	assert.Equal(t, pipeline.OutcomeFail, res.Outcome)
	assert.Equal(t, domain.FailReasonNoChanges, res.Reason)
	assert.Equal(t, 0, h.reviewer.Calls())

	got := h.stored(t, c)
	assert.Equal(t, constants.ChunkStatusFailed, got.Status)
	assert.Equal(t, domain.FailReasonNoChanges, got.FailReason)
	assert.NotContains(t, h.events.types(), events.ReviewStart)
}

func TestPipeline_BuildFailureResetsTree(t *testing.T) {
	h := newHarness(t, writeFileScript("broken.go"), testutil.NewFakeReviewer(), true)
	c := h.addChunk(t, "Add handler", 0)

	res := h.run(t, c, pipeline.Config{BuildCommand: "echo 'undefined: foo' >&2; exit 3"})

	assert.Equal(t, pipeline.OutcomeFail, res.Outcome)
	assert.Equal(t, domain.FailReasonBuildFailed, res.Reason)
	assert.Contains(t, res.Feedback, "undefined: foo")
	assert.Equal(t, 0, h.reviewer.Calls())
	assert.Empty(t, testutil.Git(t, h.repo, "status", "--porcelain"))

	got := h.stored(t, c)
	assert.Contains(t, got.ReviewFeedback, "undefined: foo")
}

func TestPipeline_ReviewVerdicts(t *testing.T) {
	tests := []struct {
		name     string
		reply    testutil.ReviewResponse
		outcome  pipeline.Outcome
		reason   domain.FailReason
		status   constants.ChunkStatus
		verdict  constants.ReviewStatus
		wantFix  bool
		attempts int
	}{
		{
			name:    "fail verdict",
			reply:   testutil.ReviewResponse{Output: testutil.FailVerdict},
			outcome: pipeline.OutcomeFail, reason: domain.FailReasonReviewFailed,
			status: constants.ChunkStatusFailed, verdict: constants.ReviewStatusFail, attempts: 1,
		},
		{
			name:    "needs fix",
			reply:   testutil.ReviewResponse{Output: testutil.NeedsFixVerdict("Add tests", "cover the handler")},
			outcome: pipeline.OutcomeNeedsFix,
			status:  constants.ChunkStatusCompleted, verdict: constants.ReviewStatusNeedsFix, wantFix: true, attempts: 1,
		},
		{
			name:    "unparseable output",
			reply:   testutil.ReviewResponse{Output: "LGTM!"},
			outcome: pipeline.OutcomeError, reason: domain.FailReasonReviewError,
			status: constants.ChunkStatusFailed, attempts: 1,
		},
		{
			name:    "backend error",
			reply:   testutil.ReviewResponse{Err: testutil.ErrMockBackend},
			outcome: pipeline.OutcomeError, reason: domain.FailReasonReviewError,
			status: constants.ChunkStatusFailed, attempts: 1,
		},
		{
			name:    "persistent rate limit",
			reply:   testutil.ReviewResponse{Err: testutil.ErrMockRateLimit},
			outcome: pipeline.OutcomeError, reason: domain.FailReasonReviewError,
			status: constants.ChunkStatusFailed, attempts: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, writeFileScript("handler.go"), testutil.NewFakeReviewer(tt.reply), true)
			c := h.addChunk(t, "Add handler", 0)

			res := h.run(t, c, pipeline.Config{})

			assert.Equal(t, tt.outcome, res.Outcome)
			assert.Equal(t, tt.reason, res.Reason)
			assert.Equal(t, tt.attempts, h.reviewer.Calls())
			assert.Empty(t, res.CommitHash)
			assert.Equal(t, tt.wantFix, res.FixChunkID != "")
			assert.Empty(t, testutil.Git(t, h.repo, "status", "--porcelain"), "rejected work is rolled back")
			assert.Equal(t, "initial commit", testutil.Git(t, h.repo, "log", "-1", "--format=%s"))

			got := h.stored(t, c)
			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, tt.verdict, got.ReviewStatus)

			logs, err := h.store.ListReviewLogs(context.Background(), h.spec.ID)
			require.NoError(t, err)
			assert.Len(t, logs, tt.attempts)
		})
	}
}

func TestPipeline_FixChunkInsertion(t *testing.T) {
	h := newHarness(t, writeFileScript("x.go"), testutil.NewFakeReviewer(
		testutil.ReviewResponse{Output: testutil.NeedsFixVerdict("Add tests", "cover x")},
	), true)
	a := h.addChunk(t, "A", 0)
	b := h.addChunk(t, "B", 1)
	x := h.addChunk(t, "X", 2, a.ID)
	y := h.addChunk(t, "Y", 3, x.ID)
	z := h.addChunk(t, "Z", 4)

	res := h.run(t, x, pipeline.Config{})
	require.Equal(t, pipeline.OutcomeNeedsFix, res.Outcome)
	require.NotEmpty(t, res.FixChunkID)

	chunks, err := h.store.ListChunks(context.Background(), h.spec.ID)
	require.NoError(t, err)
	orders := map[string]int{}
	var fix *domain.Chunk
	for _, c := range chunks {
		orders[c.ID] = c.Order
		if c.ID == res.FixChunkID {
			fix = c
		}
	}
	require.NotNil(t, fix)
	assert.Equal(t, "Add tests", fix.Title)
	assert.Equal(t, "cover x", fix.Description)
	assert.Equal(t, 3, fix.Order)
	assert.Equal(t, []string{x.ID}, fix.Dependencies)
	assert.Equal(t, x.ID, fix.FixOf)
	assert.Equal(t, constants.ChunkStatusPending, fix.Status)

	assert.Equal(t, 0, orders[a.ID])
	assert.Equal(t, 1, orders[b.ID])
	assert.Equal(t, 2, orders[x.ID])
	assert.Equal(t, 4, orders[y.ID])
	assert.Equal(t, 5, orders[z.ID])
}

func TestPipeline_FixTitleDefaultsFromChunk(t *testing.T) {
	h := newHarness(t, writeFileScript("x.go"), testutil.NewFakeReviewer(
		testutil.ReviewResponse{Output: `{"status":"needs_fix","feedback":"handle empty input"}`},
	), true)
	c := h.addChunk(t, "Parse input", 0)

	res := h.run(t, c, pipeline.Config{})
	require.Equal(t, pipeline.OutcomeNeedsFix, res.Outcome)

	fix, err := h.store.GetChunk(context.Background(), h.spec.ID, res.FixChunkID)
	require.NoError(t, err)
	assert.Equal(t, "Fix: Parse input", fix.Title)
	assert.Equal(t, "handle empty input", fix.Description)
}

func TestPipeline_RateLimitRetriedThenPasses(t *testing.T) {
	h := newHarness(t, writeFileScript("x.go"), testutil.NewFakeReviewer(
		testutil.ReviewResponse{Err: testutil.ErrMockRateLimit},
		testutil.ReviewResponse{Err: testutil.ErrMockRateLimit},
		testutil.ReviewResponse{Output: testutil.PassVerdict},
	), true)
	c := h.addChunk(t, "X", 0)

	res := h.run(t, c, pipeline.Config{})

	assert.Equal(t, pipeline.OutcomePass, res.Outcome)
	assert.Equal(t, 3, h.reviewer.Calls())

	logs, err := h.store.ListReviewLogs(context.Background(), h.spec.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	for i, rl := range logs {
		assert.Equal(t, i+1, rl.Attempt)
		assert.Equal(t, c.ID, rl.ChunkID)
		assert.Equal(t, constants.ReviewKindChunk, rl.Kind)
	}
	assert.Equal(t, "rate_limit", logs[0].ErrorKind)
	assert.Equal(t, "rate_limit", logs[1].ErrorKind)
	assert.Empty(t, logs[2].ErrorKind)
	assert.Equal(t, constants.ReviewStatusPass, logs[2].Verdict)
}

func TestPipeline_ExecutionFailure(t *testing.T) {
	script := func(string, backend.PromptMaterial) ([]backend.ExecutionEvent, bool) {
		return []backend.ExecutionEvent{{Kind: backend.EventError, Text: "model overloaded"}}, false
	}
	h := newHarness(t, script, testutil.NewFakeReviewer(), true)
	c := h.addChunk(t, "X", 0)

	res := h.run(t, c, pipeline.Config{})

	assert.Equal(t, pipeline.OutcomeFail, res.Outcome)
	assert.Equal(t, domain.FailReasonExecutionFailed, res.Reason)
	assert.Equal(t, 0, h.reviewer.Calls())
	assert.Equal(t, "model overloaded", h.stored(t, c).StatusReason)
}

func TestPipeline_ExecutionTimeout(t *testing.T) {
	h := newHarness(t, hangScript, testutil.NewFakeReviewer(), false)
	c := h.addChunk(t, "X", 0)

	res := h.run(t, c, pipeline.Config{ExecutionTimeout: 150 * time.Millisecond})

	assert.Equal(t, pipeline.OutcomeFail, res.Outcome)
	assert.Equal(t, domain.FailReasonTimeout, res.Reason)
	assert.Contains(t, h.stored(t, c).StatusReason, "timed out")
	assert.Contains(t, h.events.types(), events.TimeoutWarning)
	assert.Equal(t, 0, h.reviewer.Calls())
}

func TestPipeline_AbortCancels(t *testing.T) {
	h := newHarness(t, hangScript, testutil.NewFakeReviewer(), false)
	c := h.addChunk(t, "X", 0)

	done := make(chan *pipeline.Result, 1)
	go func() {
		res, err := h.pipe.Run(context.Background(), pipeline.Input{Spec: h.spec, Chunk: c, Publisher: h.events})
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool { return h.pipe.Abort(c.ID) }, 5*time.Second, 10*time.Millisecond)

	select {
	case res := <-done:
		assert.Equal(t, pipeline.OutcomeCancelled, res.Outcome)
		assert.Equal(t, domain.FailReasonAborted, res.Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop after abort")
	}
	assert.Equal(t, constants.ChunkStatusCancelled, h.stored(t, c).Status)
	assert.Equal(t, 0, h.reviewer.Calls())
	assert.False(t, h.pipe.Abort(c.ID))
}

func TestPipeline_AbortRollsBackPartialEdits(t *testing.T) {
	partial := func(workDir string, _ backend.PromptMaterial) ([]backend.ExecutionEvent, bool) {
		_ = os.WriteFile(filepath.Join(workDir, "half.go"), []byte("package main\n"), 0o600)
		return nil, true
	}
	h := newHarness(t, partial, testutil.NewFakeReviewer(), true)
	c := h.addChunk(t, "X", 0)

	done := make(chan *pipeline.Result, 1)
	go func() {
		res, err := h.pipe.Run(context.Background(), pipeline.Input{Spec: h.spec, Chunk: c, State: h.state, Publisher: h.events})
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(h.repo, "half.go"))
		return err == nil && h.pipe.Abort(c.ID)
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case res := <-done:
		assert.Equal(t, pipeline.OutcomeCancelled, res.Outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop after abort")
	}
	assert.Empty(t, testutil.Git(t, h.repo, "status", "--porcelain"))
	assert.NoFileExists(t, filepath.Join(h.repo, "half.go"))
}

func TestPipeline_WithoutGitSkipsValidationAndCommit(t *testing.T) {
	h := newHarness(t, noChangeScript, testutil.NewFakeReviewer(), false)
	c := h.addChunk(t, "X", 0)

	res := h.run(t, c, pipeline.Config{})

	assert.Equal(t, pipeline.OutcomePass, res.Outcome)
	assert.Empty(t, res.CommitHash)
	assert.NotContains(t, h.events.types(), events.ValidationStart)
	assert.NotContains(t, h.events.types(), events.Commit)
}

func TestPipeline_PreviousFeedbackIsSent(t *testing.T) {
	h := newHarness(t, noChangeScript, testutil.NewFakeReviewer(), false)
	c := h.addChunk(t, "X", 0)
	c.ReviewFeedback = "remember the edge case"
	require.NoError(t, h.store.UpdateChunk(context.Background(), c))

	h.run(t, c, pipeline.Config{})

	require.Equal(t, 1, h.exec.PromptCount())
	assert.Equal(t, "remember the edge case", h.exec.Prompts[0].Feedback)
}
