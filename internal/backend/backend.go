// Package backend defines the contracts of the execution and review backends
// chunkflow drives, parses review output into verdicts, and provides
// command-line implementations of both backends.
//
// IMPORTANT: This package may import internal/constants, internal/errors and
// internal/domain. It MUST NOT import internal/pipeline, internal/orchestrator
// or internal/pool.
package backend

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mrz1836/chunkflow/internal/constants"
)

// EventKind is the kind of an execution event.
type EventKind string

// Execution event kinds.
const (
	EventToolCall EventKind = "tool_call"
	EventText     EventKind = "text"
	EventError    EventKind = "error"
	EventComplete EventKind = "complete"
)

// ToolUse describes one tool invocation reported by the execution backend.
// The same ID is reported again with a final status when the tool returns.
type ToolUse struct {
	ID     string
	Name   string
	Input  json.RawMessage
	Output string
	Status constants.ToolCallStatus
}

// ExecutionEvent is one item of a session's event stream.
type ExecutionEvent struct {
	Kind EventKind
	Tool *ToolUse
	// Text carries assistant text, the final result on complete, or the error message.
	Text string
}

// Executor is the execution backend contract.
type Executor interface {
	// StartSession prepares a session working in workDir and returns its ID.
	StartSession(ctx context.Context, workDir string) (string, error)

	// SendPrompt starts work on material. It returns once the work has started;
	// progress is reported on Events.
	SendPrompt(ctx context.Context, sessionID string, material PromptMaterial, opts PromptOptions) error

	// Events returns the session's event stream. The channel is closed after a
	// complete or error event, or when the session is aborted.
	Events(sessionID string) <-chan ExecutionEvent

	// AbortSession stops the session's work and releases it.
	AbortSession(ctx context.Context, sessionID string) error

	// CheckHealth reports whether the backend can accept work.
	CheckHealth(ctx context.Context) bool
}

// PromptOptions configures one execution prompt. Zero values keep the
// executor's defaults.
type PromptOptions struct {
	// Command replaces the configured agent command.
	Command  string
	Model    string
	MaxTurns int
}

// ReviewOptions configures one review call.
type ReviewOptions struct {
	Timeout time.Duration
	Model   string
}

// ReviewResult is the raw outcome of a review call.
type ReviewResult struct {
	Success bool
	Output  string
}

// Reviewer is the review backend contract.
type Reviewer interface {
	Execute(ctx context.Context, material PromptMaterial, opts ReviewOptions) (*ReviewResult, error)
}
