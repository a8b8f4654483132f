package backend

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrz1836/chunkflow/internal/constants"
	cferrors "github.com/mrz1836/chunkflow/internal/errors"
	"github.com/mrz1836/chunkflow/internal/retry"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name      string
		output    string
		status    constants.ReviewStatus
		feedback  string
		fixDesc   string
		fixTitle  string
		fixCount  int
		wantError bool
	}{
		{
			name:   "plain pass",
			output: `{"status":"pass","feedback":"looks good"}`,
			status: constants.ReviewStatusPass, feedback: "looks good",
		},
		{
			name:   "verdict key and prose around JSON",
			output: "Here is my review:\n```json\n{\"verdict\": \"FAIL\", \"feedback\": \"broken\"}\n```\nThanks.",
			status: constants.ReviewStatusFail, feedback: "broken",
		},
		{
			name:   "needs_fix with description",
			output: `{"status":"needs_fix","feedback":"missing test","fix_title":"Add test","fix_description":"write a test"}`,
			status: constants.ReviewStatusNeedsFix, feedback: "missing test",
			fixTitle: "Add test", fixDesc: "write a test", fixCount: 1,
		},
		{
			name:   "needs_fix falls back to feedback",
			output: `{"status":"needs_fix","feedback":"handle nil input"}`,
			status: constants.ReviewStatusNeedsFix, feedback: "handle nil input",
			fixDesc: "handle nil input", fixCount: 1,
		},
		{
			name:   "final review fixes list",
			output: `{"status":"needs_fix","feedback":"two issues","fixes":[{"title":"A","description":"do a"},{"title":"B"}]}`,
			status: constants.ReviewStatusNeedsFix, feedback: "two issues", fixCount: 2,
		},
		{
			name:   "cli result envelope",
			output: `{"type":"result","subtype":"success","result":"{\"status\":\"pass\",\"feedback\":\"ok\"}"}`,
			status: constants.ReviewStatusPass, feedback: "ok",
		},
		{name: "needs_fix without anything", output: `{"status":"needs_fix"}`, wantError: true},
		{name: "unknown status", output: `{"status":"maybe"}`, wantError: true},
		{name: "missing status", output: `{"feedback":"hi"}`, wantError: true},
		{name: "no json", output: "I think it passes", wantError: true},
		{name: "broken json", output: `{"status": pass}`, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := ParseVerdict(tt.output)
			if tt.wantError {
				require.Error(t, err)
				require.ErrorIs(t, err, cferrors.ErrVerdictParse)
				assert.Nil(t, v)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.status, v.Status)
			assert.Equal(t, tt.feedback, v.Feedback)
			assert.Len(t, v.AllFixes(), tt.fixCount)
			if tt.fixDesc != "" {
				require.NotNil(t, v.Fix)
				assert.Equal(t, tt.fixDesc, v.Fix.Description)
				assert.Equal(t, tt.fixTitle, v.Fix.Title)
			}
		})
	}
}

func TestParseVerdict_FixWithoutDescriptionUsesTitle(t *testing.T) {
	v, err := ParseVerdict(`{"status":"needs_fix","fixes":[{"title":"Rename handler"}]}`)
	require.NoError(t, err)
	require.Len(t, v.Fixes, 1)
	assert.Equal(t, "Rename handler", v.Fixes[0].Description)
	assert.Nil(t, v.Fix)
}

func TestParseStreamLine(t *testing.T) {
	t.Run("tool use and text", func(t *testing.T) {
		evs := parseStreamLine(`{"type":"assistant","message":{"content":[{"type":"text","text":"reading"},{"type":"tool_use","id":"t1","name":"Read","input":{"path":"a.go"}}]}}`)
		require.Len(t, evs, 2)
		assert.Equal(t, EventText, evs[0].Kind)
		assert.Equal(t, "reading", evs[0].Text)
		assert.Equal(t, EventToolCall, evs[1].Kind)
		assert.Equal(t, "t1", evs[1].Tool.ID)
		assert.Equal(t, "Read", evs[1].Tool.Name)
		assert.Equal(t, constants.ToolCallRunning, evs[1].Tool.Status)
		assert.JSONEq(t, `{"path":"a.go"}`, string(evs[1].Tool.Input))
	})

	t.Run("tool result string and blocks", func(t *testing.T) {
		evs := parseStreamLine(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":"file body"},{"type":"tool_result","tool_use_id":"t2","is_error":true,"content":[{"type":"text","text":"no such file"}]}]}}`)
		require.Len(t, evs, 2)
		assert.Equal(t, "t1", evs[0].Tool.ID)
		assert.Equal(t, "file body", evs[0].Tool.Output)
		assert.Equal(t, constants.ToolCallCompleted, evs[0].Tool.Status)
		assert.Equal(t, constants.ToolCallError, evs[1].Tool.Status)
		assert.Equal(t, "no such file", evs[1].Tool.Output)
	})

	t.Run("result events", func(t *testing.T) {
		ok := parseStreamLine(`{"type":"result","subtype":"success","result":"done"}`)
		require.Len(t, ok, 1)
		assert.Equal(t, EventComplete, ok[0].Kind)
		assert.Equal(t, "done", ok[0].Text)

		bad := parseStreamLine(`{"type":"result","subtype":"error_max_turns","is_error":true}`)
		require.Len(t, bad, 1)
		assert.Equal(t, EventError, bad[0].Kind)
		assert.Equal(t, "error_max_turns", bad[0].Text)
	})

	t.Run("non json and unknown", func(t *testing.T) {
		assert.Equal(t, []ExecutionEvent{{Kind: EventText, Text: "warning: x"}}, parseStreamLine("warning: x"))
		assert.Empty(t, parseStreamLine(`{"type":"system","subtype":"init"}`))
		assert.Empty(t, parseStreamLine("   "))
	})
}

func TestPromptMaterialRender(t *testing.T) {
	m := PromptMaterial{
		Kind:             MaterialChunkReview,
		SpecTitle:        "Auth",
		SpecContent:      "Add login.",
		ChunkTitle:       "Handler",
		ChunkDescription: "Write the handler.",
		ChunkOutput:      "done",
		Dependencies:     []DependencyContext{{Title: "Model", Summary: "user model", Files: []string{"user.go"}}},
	}
	out := m.Render()
	assert.True(t, strings.HasPrefix(out, "# Specification: Auth\n\nAdd login."))
	assert.Contains(t, out, "# Chunk: Handler\n\nWrite the handler.")
	assert.Contains(t, out, "## Model\nuser model\nFiles: user.go")
	assert.Contains(t, out, "# Chunk output\n\ndone")
	assert.Contains(t, out, `"fix_description"`)
	assert.NotContains(t, out, "Previous review feedback")

	execute := PromptMaterial{Kind: MaterialExecute, SpecTitle: "Auth", SpecContent: "x"}
	assert.NotContains(t, execute.Render(), "Response format")

	final := PromptMaterial{Kind: MaterialFinalReview, SpecTitle: "Auth", SpecContent: "x", Chunks: []ChunkContext{{Title: "A", Summary: "did a"}}}
	assert.Contains(t, final.Render(), "# Chunks\n\n## A\ndid a")
	assert.Contains(t, final.Render(), `"fixes"`)
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

// shellExecutor builds an executor whose command runs script. The generated
// flags land in the script's positional parameters and are ignored.
func shellExecutor(script string) *CLIExecutor {
	return NewCLIExecutor(CLIExecutorConfig{Command: "sh", Args: []string{"-c", script, "agent"}}, zerolog.Nop())
}

func drain(t *testing.T, ch <-chan ExecutionEvent) []ExecutionEvent {
	t.Helper()
	var out []ExecutionEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("event stream did not close")
			return out
		}
	}
}

func TestCLIExecutor_StreamsEvents(t *testing.T) {
	requireShell(t)
	ctx := context.Background()
	e := shellExecutor(`cat >/dev/null
echo '{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Edit","input":{}}]}}'
echo '{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]}}'
echo '{"type":"result","subtype":"success","result":"all done"}'`)

	id, err := e.StartSession(ctx, t.TempDir())
	require.NoError(t, err)
	require.NoError(t, e.SendPrompt(ctx, id, PromptMaterial{Kind: MaterialExecute, SpecTitle: "x"}, PromptOptions{Model: "sonnet"}))

	evs := drain(t, e.Events(id))
	require.Len(t, evs, 3)
	assert.Equal(t, EventToolCall, evs[0].Kind)
	assert.Equal(t, constants.ToolCallCompleted, evs[1].Tool.Status)
	assert.Equal(t, EventComplete, evs[2].Kind)
	assert.Equal(t, "all done", evs[2].Text)

	require.NoError(t, e.AbortSession(ctx, id))
	require.ErrorIs(t, e.AbortSession(ctx, id), cferrors.ErrSessionNotFound)
}

func TestCLIExecutor_BuildArgs(t *testing.T) {
	tests := []struct {
		name     string
		maxTurns int
		opts     PromptOptions
		want     []string
	}{
		{"defaults", 0, PromptOptions{}, []string{"-p", "--output-format", "stream-json", "--verbose"}},
		{"configured turns", 50, PromptOptions{Model: "sonnet"}, []string{"-p", "--output-format", "stream-json", "--verbose", "--model", "sonnet", "--max-turns", "50"}},
		{"prompt turns win", 50, PromptOptions{MaxTurns: 7}, []string{"-p", "--output-format", "stream-json", "--verbose", "--max-turns", "7"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewCLIExecutor(CLIExecutorConfig{Command: "claude", MaxTurns: tt.maxTurns}, zerolog.Nop())
			assert.Equal(t, tt.want, e.buildArgs(tt.opts))
		})
	}
}

func TestCLIExecutor_PromptCommandOverride(t *testing.T) {
	requireShell(t)
	ctx := context.Background()
	e := NewCLIExecutor(CLIExecutorConfig{
		Command: "chunkflow-missing-agent",
		Args:    []string{"-c", `cat >/dev/null; echo '{"type":"result","subtype":"success","result":"ok"}'`, "agent"},
	}, zerolog.Nop())

	id, err := e.StartSession(ctx, t.TempDir())
	require.NoError(t, err)
	require.NoError(t, e.SendPrompt(ctx, id, PromptMaterial{}, PromptOptions{Command: "sh"}))

	evs := drain(t, e.Events(id))
	require.Len(t, evs, 1)
	assert.Equal(t, EventComplete, evs[0].Kind)
	assert.Equal(t, "ok", evs[0].Text)
}

func TestCLIExecutor_NonZeroExitReportsStderr(t *testing.T) {
	requireShell(t)
	ctx := context.Background()
	e := shellExecutor(`cat >/dev/null; echo "model overloaded" >&2; exit 3`)

	id, err := e.StartSession(ctx, t.TempDir())
	require.NoError(t, err)
	require.NoError(t, e.SendPrompt(ctx, id, PromptMaterial{}, PromptOptions{}))

	evs := drain(t, e.Events(id))
	require.Len(t, evs, 1)
	assert.Equal(t, EventError, evs[0].Kind)
	assert.Equal(t, "model overloaded", evs[0].Text)
}

func TestCLIExecutor_AbortStopsProcess(t *testing.T) {
	requireShell(t)
	ctx := context.Background()
	e := shellExecutor(`cat >/dev/null; exec sleep 30`)

	id, err := e.StartSession(ctx, t.TempDir())
	require.NoError(t, err)
	require.NoError(t, e.SendPrompt(ctx, id, PromptMaterial{}, PromptOptions{}))
	ch := e.Events(id)

	require.NoError(t, e.AbortSession(ctx, id))
	assert.Empty(t, drain(t, ch))
}

func TestCLIExecutor_Errors(t *testing.T) {
	ctx := context.Background()
	e := NewCLIExecutor(CLIExecutorConfig{}, zerolog.Nop())

	_, err := e.StartSession(ctx, "/definitely/not/a/dir")
	require.ErrorIs(t, err, cferrors.ErrExecutionFailed)

	err = e.SendPrompt(ctx, "missing", PromptMaterial{}, PromptOptions{})
	require.ErrorIs(t, err, cferrors.ErrSessionNotFound)

	_, ok := <-e.Events("missing")
	assert.False(t, ok)
}

func TestCLIExecutor_CheckHealth(t *testing.T) {
	missing := NewCLIExecutor(CLIExecutorConfig{Command: "chunkflow-no-such-agent"}, zerolog.Nop())
	assert.False(t, missing.CheckHealth(context.Background()))

	if _, err := exec.LookPath("true"); err != nil {
		t.Skip("true not available")
	}
	healthy := NewCLIExecutor(CLIExecutorConfig{Command: "true"}, zerolog.Nop())

	var wg sync.WaitGroup
	results := make([]bool, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = healthy.CheckHealth(context.Background())
		}(i)
	}
	wg.Wait()
	for _, r := range results {
		assert.True(t, r)
	}
}

func shellReviewer(script string) *CLIReviewer {
	return NewCLIReviewer(CLIReviewerConfig{Command: "sh", Args: []string{"-c", script, "review"}}, zerolog.Nop())
}

func TestCLIReviewer_Execute(t *testing.T) {
	requireShell(t)
	ctx := context.Background()

	t.Run("success returns stdout", func(t *testing.T) {
		r := shellReviewer(`cat >/dev/null; echo '{"status":"pass"}'`)
		res, err := r.Execute(ctx, PromptMaterial{Kind: MaterialChunkReview}, ReviewOptions{Timeout: 10 * time.Second})
		require.NoError(t, err)
		assert.True(t, res.Success)
		v, err := ParseVerdict(res.Output)
		require.NoError(t, err)
		assert.Equal(t, constants.ReviewStatusPass, v.Status)
	})

	t.Run("prompt arrives on stdin", func(t *testing.T) {
		r := shellReviewer(`grep "Specification: Widget" >/dev/null && echo yes`)
		res, err := r.Execute(ctx, PromptMaterial{SpecTitle: "Widget", SpecContent: "body"}, ReviewOptions{})
		require.NoError(t, err)
		assert.Equal(t, "yes\n", res.Output)
	})

	t.Run("rate limit stderr is classified", func(t *testing.T) {
		r := shellReviewer(`cat >/dev/null; echo "API error 429: rate limit exceeded" >&2; exit 1`)
		res, err := r.Execute(ctx, PromptMaterial{}, ReviewOptions{})
		require.Error(t, err)
		require.NotNil(t, res)
		assert.False(t, res.Success)
		assert.ErrorIs(t, err, cferrors.ErrReviewFailed)

		var cmdErr *CommandError
		require.True(t, errors.As(err, &cmdErr))
		assert.Equal(t, 1, cmdErr.ExitCode)
		assert.Equal(t, retry.KindRateLimit, retry.Classify(err))
	})

	t.Run("timeout", func(t *testing.T) {
		r := shellReviewer(`cat >/dev/null; exec sleep 30`)
		_, err := r.Execute(ctx, PromptMaterial{}, ReviewOptions{Timeout: 200 * time.Millisecond})
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, retry.KindTimeout, retry.Classify(err))
	})
}

func TestCommandError(t *testing.T) {
	assert.Equal(t, "review command exited with code 2", (&CommandError{ExitCode: 2}).Error())
	assert.Equal(t, "review command exited with code 1: boom", (&CommandError{ExitCode: 1, Stderr: "boom"}).Error())
}
