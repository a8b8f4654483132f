package domain

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/mrz1836/chunkflow/internal/constants"
)

// FailReason is a machine-checkable explanation attached to failed or cancelled chunks.
type FailReason string

// Fail reasons recorded on chunks.
const (
	FailReasonNoChanges        FailReason = "no_changes"
	FailReasonBuildFailed      FailReason = "build_failed"
	FailReasonValidationError  FailReason = "validation_error"
	FailReasonExecutionFailed  FailReason = "execution_failed"
	FailReasonTimeout          FailReason = "timeout"
	FailReasonDependencyFailed FailReason = "dependency_failed"
	FailReasonReviewFailed     FailReason = "review_failed"
	FailReasonReviewError      FailReason = "review_error"
	FailReasonFixFailed        FailReason = "fix_failed"
	FailReasonAborted          FailReason = "aborted"
)

// Chunk is one unit of specification work.
//
// Order is a display hint and dispatch tie-break only; Dependencies is
// authoritative for scheduling. A chunk with FixOf set is a fix chunk
// created from a needs_fix verdict on the referenced chunk.
type Chunk struct {
	ID             string                 `json:"id"`
	SpecID         string                 `json:"spec_id"`
	Title          string                 `json:"title"`
	Description    string                 `json:"description"`
	Order          int                    `json:"order"`
	Status         constants.ChunkStatus  `json:"status"`
	Dependencies   []string               `json:"dependencies"`
	ReviewStatus   constants.ReviewStatus `json:"review_status,omitempty"`
	ReviewFeedback string                 `json:"review_feedback,omitempty"`
	Output         string                 `json:"output,omitempty"`
	OutputSummary  string                 `json:"output_summary,omitempty"`
	CommitHash     string                 `json:"commit_hash,omitempty"`
	FixOf          string                 `json:"fix_of,omitempty"`
	FailReason     FailReason             `json:"fail_reason,omitempty"`
	StatusReason   string                 `json:"status_reason,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

// Accepted reports whether the chunk finished with a passing review.
func (c *Chunk) Accepted() bool {
	return c.Status == constants.ChunkStatusCompleted && c.ReviewStatus == constants.ReviewStatusPass
}

// IsFix reports whether the chunk was created to repair another chunk.
func (c *Chunk) IsFix() bool {
	return c.FixOf != ""
}

// DependsOn reports whether id is a direct dependency of the chunk.
func (c *Chunk) DependsOn(id string) bool {
	return slices.Contains(c.Dependencies, id)
}

// Summary returns the condensed output when present, otherwise the raw output.
func (c *Chunk) Summary() string {
	if c.OutputSummary != "" {
		return c.OutputSummary
	}
	return c.Output
}

// Clone returns a deep copy of the chunk.
func (c *Chunk) Clone() *Chunk {
	cp := *c
	cp.Dependencies = slices.Clone(c.Dependencies)
	if c.StartedAt != nil {
		t := *c.StartedAt
		cp.StartedAt = &t
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// ToolCall is an append-only record of one tool invocation made by the
// execution backend while working on a chunk.
type ToolCall struct {
	ID          string                   `json:"id"`
	ChunkID     string                   `json:"chunk_id"`
	ToolName    string                   `json:"tool_name"`
	Input       json.RawMessage          `json:"input,omitempty"`
	Output      string                   `json:"output,omitempty"`
	Status      constants.ToolCallStatus `json:"status"`
	StartedAt   time.Time                `json:"started_at"`
	CompletedAt *time.Time               `json:"completed_at,omitempty"`
}

// FilePath extracts the target file from common file-editing tool inputs.
// It returns an empty string when the input carries no path.
func (t *ToolCall) FilePath() string {
	if len(t.Input) == 0 {
		return ""
	}
	var in struct {
		FilePath string `json:"file_path"`
		Path     string `json:"path"`
	}
	if err := json.Unmarshal(t.Input, &in); err != nil {
		return ""
	}
	if in.FilePath != "" {
		return in.FilePath
	}
	return in.Path
}
