// Package events carries chunk and worker lifecycle notifications from the
// pipeline, orchestrator and worker pool to subscribers.
package events

import "time"

// Type identifies the kind of event.
type Type string

// Chunk-scoped events emitted by the pipeline.
const (
	ExecutionStart     Type = "execution_start"
	ExecutionComplete  Type = "execution_complete"
	ToolCall           Type = "tool_call"
	TimeoutWarning     Type = "timeout_warning"
	ValidationStart    Type = "validation_start"
	ValidationComplete Type = "validation_complete"
	ReviewStart        Type = "review_start"
	ReviewComplete     Type = "review_complete"
	Commit             Type = "commit"
	Error              Type = "error"
)

// Specification and worker events emitted by the orchestrator and pool.
const (
	ChunkStart      Type = "chunk_start"
	ChunkComplete   Type = "chunk_complete"
	ChunkCancelled  Type = "chunk_cancelled"
	FinalReview     Type = "final_review"
	WorkerStarted   Type = "worker_started"
	WorkerProgress  Type = "worker_progress"
	WorkerCompleted Type = "worker_completed"
	WorkerFailed    Type = "worker_failed"
	WorkerQueued    Type = "worker_queued"
)

// Event is one lifecycle notification.
type Event struct {
	Type     Type           `json:"type"`
	SpecID   string         `json:"spec_id,omitempty"`
	ChunkID  string         `json:"chunk_id,omitempty"`
	WorkerID string         `json:"worker_id,omitempty"`
	Message  string         `json:"message,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Time     time.Time      `json:"time"`
}

// Publisher accepts events. Implementations must not block.
type Publisher interface {
	Publish(e Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

// Publish calls f(e).
func (f PublisherFunc) Publish(e Event) {
	f(e)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = PublisherFunc(func(Event) {}) //nolint:gochecknoglobals // stateless sink

// Scoped returns a Publisher that fills in SpecID and WorkerID on every event
// before forwarding it, and stamps a missing time.
func Scoped(next Publisher, specID, workerID string) Publisher {
	if next == nil {
		next = Discard
	}
	return PublisherFunc(func(e Event) {
		if e.SpecID == "" {
			e.SpecID = specID
		}
		if e.WorkerID == "" {
			e.WorkerID = workerID
		}
		if e.Time.IsZero() {
			e.Time = time.Now().UTC()
		}
		next.Publish(e)
	})
}
