package domain

import (
	"time"

	"github.com/mrz1836/chunkflow/internal/constants"
)

// Worker is one in-flight execution of a specification's chunk set.
type Worker struct {
	ID             string                 `json:"id"`
	SpecID         string                 `json:"spec_id"`
	ProjectID      string                 `json:"project_id"`
	Status         constants.WorkerStatus `json:"status"`
	CurrentChunkID string                 `json:"current_chunk_id,omitempty"`
	CurrentStep    constants.WorkerStep   `json:"current_step,omitempty"`
	Progress       Progress               `json:"progress"`
	StartedAt      time.Time              `json:"started_at"`
	EndedAt        *time.Time             `json:"ended_at,omitempty"`
	LastError      string                 `json:"last_error,omitempty"`
}

// Progress counts chunk outcomes for a worker.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
}

// QueueItem is a specification waiting for a free worker slot.
// Higher priority runs sooner; CreatedAt breaks ties, earliest first.
type QueueItem struct {
	ID        string    `json:"id"`
	SpecID    string    `json:"spec_id"`
	ProjectID string    `json:"project_id"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

// Before reports whether q should be dequeued before other.
func (q *QueueItem) Before(other *QueueItem) bool {
	if q.Priority != other.Priority {
		return q.Priority > other.Priority
	}
	if !q.CreatedAt.Equal(other.CreatedAt) {
		return q.CreatedAt.Before(other.CreatedAt)
	}
	return q.ID < other.ID
}

// ReviewLog is an insert-only audit row for one review attempt.
type ReviewLog struct {
	ID        string                 `json:"id"`
	SpecID    string                 `json:"spec_id"`
	ChunkID   string                 `json:"chunk_id,omitempty"`
	Kind      constants.ReviewKind   `json:"kind"`
	Model     string                 `json:"model,omitempty"`
	Verdict   constants.ReviewStatus `json:"verdict,omitempty"`
	ErrorKind string                 `json:"error_kind,omitempty"`
	Attempt   int                    `json:"attempt"`
	Duration  time.Duration          `json:"duration"`
	CreatedAt time.Time              `json:"created_at"`
}
