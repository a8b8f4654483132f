package constants

// SpecStatus represents the lifecycle state of a specification.
// Status values use snake_case for JSON serialization compatibility.
//
//	Draft → Running
//	Running → Review, Completed, Draft
//	Review → Running, Completed
//	Completed → Running
type SpecStatus string

const (
	// SpecStatusDraft indicates the specification has not been run yet
	// (or a run ended before any review).
	SpecStatusDraft SpecStatus = "draft"

	// SpecStatusRunning indicates a worker is executing the specification.
	SpecStatusRunning SpecStatus = "running"

	// SpecStatusReview indicates the run finished but the final review did not pass.
	// A subsequent run picks up any fix chunks created by the final review.
	SpecStatusReview SpecStatus = "review"

	// SpecStatusCompleted indicates every chunk passed and the final review passed.
	SpecStatusCompleted SpecStatus = "completed"
)

// String returns the string representation of the SpecStatus.
func (s SpecStatus) String() string {
	return string(s)
}

// ChunkStatus represents the execution state of a chunk.
type ChunkStatus string

const (
	// ChunkStatusPending indicates the chunk has not been attempted.
	ChunkStatusPending ChunkStatus = "pending"

	// ChunkStatusRunning indicates the chunk is inside the pipeline.
	ChunkStatusRunning ChunkStatus = "running"

	// ChunkStatusCompleted indicates the chunk finished execution.
	// Whether it counts as done also depends on its review status.
	ChunkStatusCompleted ChunkStatus = "completed"

	// ChunkStatusFailed indicates execution, validation or review failed.
	ChunkStatusFailed ChunkStatus = "failed"

	// ChunkStatusCancelled indicates the chunk was skipped because a dependency
	// failed or the run was aborted.
	ChunkStatusCancelled ChunkStatus = "cancelled"
)

// String returns the string representation of the ChunkStatus.
func (s ChunkStatus) String() string {
	return string(s)
}

// Retryable reports whether a chunk in this status is eligible to be scheduled again.
func (s ChunkStatus) Retryable() bool {
	return s == ChunkStatusPending || s == ChunkStatusFailed || s == ChunkStatusCancelled
}

// ReviewStatus is the verdict recorded on a reviewed chunk.
type ReviewStatus string

const (
	// ReviewStatusPass means the reviewer accepted the chunk.
	ReviewStatusPass ReviewStatus = "pass"

	// ReviewStatusNeedsFix means the reviewer requested a follow-up fix chunk.
	ReviewStatusNeedsFix ReviewStatus = "needs_fix"

	// ReviewStatusFail means the reviewer rejected the chunk.
	ReviewStatusFail ReviewStatus = "fail"
)

// String returns the string representation of the ReviewStatus.
func (s ReviewStatus) String() string {
	return string(s)
}

// WorkerStatus represents the state of a worker executing one specification.
//
//	Idle → Running, Failed
//	Running → Paused, Completed, Failed
//	Paused → Running, Failed
type WorkerStatus string

const (
	// WorkerStatusIdle indicates the worker record exists but has not started.
	WorkerStatusIdle WorkerStatus = "idle"

	// WorkerStatusRunning indicates the worker is driving its specification.
	WorkerStatusRunning WorkerStatus = "running"

	// WorkerStatusPaused indicates the worker is suspended.
	WorkerStatusPaused WorkerStatus = "paused"

	// WorkerStatusCompleted indicates the run finished successfully.
	WorkerStatusCompleted WorkerStatus = "completed"

	// WorkerStatusFailed indicates the run failed, was aborted, or was interrupted.
	WorkerStatusFailed WorkerStatus = "failed"
)

// String returns the string representation of the WorkerStatus.
func (s WorkerStatus) String() string {
	return string(s)
}

// Active reports whether the worker holds a pool slot.
func (s WorkerStatus) Active() bool {
	return s == WorkerStatusIdle || s == WorkerStatusRunning || s == WorkerStatusPaused
}

// WorkerStep is the pipeline step a worker's current chunk is in.
type WorkerStep string

const (
	// WorkerStepExecuting means the execution backend is working on the chunk.
	WorkerStepExecuting WorkerStep = "executing"

	// WorkerStepReviewing means the review backend is judging the chunk or specification.
	WorkerStepReviewing WorkerStep = "reviewing"
)

// ToolCallStatus tracks a single tool invocation reported by the execution backend.
type ToolCallStatus string

const (
	// ToolCallRunning indicates the tool call has started but not returned.
	ToolCallRunning ToolCallStatus = "running"

	// ToolCallCompleted indicates the tool call returned successfully.
	ToolCallCompleted ToolCallStatus = "completed"

	// ToolCallError indicates the tool call returned an error.
	ToolCallError ToolCallStatus = "error"
)

// ReviewKind distinguishes chunk-level from whole-specification reviews.
type ReviewKind string

const (
	// ReviewKindChunk is a review of a single chunk.
	ReviewKindChunk ReviewKind = "chunk"

	// ReviewKindFinal is the review of the whole specification after all chunks pass.
	ReviewKindFinal ReviewKind = "final"
)
