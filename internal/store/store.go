// Package store persists chunkflow entities as JSON files under the data home,
// with atomic writes and file locks for data integrity across processes.
//
// Layout:
//
//	<home>/store/projects/<id>.json
//	<home>/store/specs/<id>.json
//	<home>/store/chunks/<spec-id>/<id>.json
//	<home>/store/toolcalls/<chunk-id>.jsonl
//	<home>/store/workers/<id>.json
//	<home>/store/queue/<id>.json
//	<home>/store/reviews/<spec-id>.jsonl
package store

import (
	"context"

	"github.com/mrz1836/chunkflow/internal/domain"
)

// Store defines the persistence contract over every chunkflow entity.
type Store interface {
	CreateProject(ctx context.Context, p *domain.Project) error
	GetProject(ctx context.Context, id string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]*domain.Project, error)
	DeleteProject(ctx context.Context, id string) error

	CreateSpec(ctx context.Context, s *domain.Specification) error
	GetSpec(ctx context.Context, id string) (*domain.Specification, error)
	// UpdateSpec persists s and bumps its version.
	UpdateSpec(ctx context.Context, s *domain.Specification) error
	// ListSpecs returns specifications of a project, or all when projectID is empty.
	ListSpecs(ctx context.Context, projectID string) ([]*domain.Specification, error)
	DeleteSpec(ctx context.Context, id string) error

	CreateChunk(ctx context.Context, c *domain.Chunk) error
	GetChunk(ctx context.Context, specID, id string) (*domain.Chunk, error)
	UpdateChunk(ctx context.Context, c *domain.Chunk) error
	// ListChunks returns the chunks of a specification ordered by Order, then ID.
	ListChunks(ctx context.Context, specID string) ([]*domain.Chunk, error)
	DeleteChunk(ctx context.Context, specID, id string) error
	// InsertFixChunk atomically shifts every chunk of fixed's specification with
	// Order >= fixed.Order+1 up by one and creates fix at fixed.Order+1,
	// depending only on fixed.
	InsertFixChunk(ctx context.Context, fixed *domain.Chunk, fix *domain.Chunk) error

	AppendToolCall(ctx context.Context, tc *domain.ToolCall) error
	ListToolCalls(ctx context.Context, chunkID string) ([]*domain.ToolCall, error)

	SaveWorker(ctx context.Context, w *domain.Worker) error
	GetWorker(ctx context.Context, id string) (*domain.Worker, error)
	ListWorkers(ctx context.Context) ([]*domain.Worker, error)
	// ListActiveWorkers returns workers that are idle, running or paused.
	ListActiveWorkers(ctx context.Context) ([]*domain.Worker, error)
	DeleteWorker(ctx context.Context, id string) error

	Enqueue(ctx context.Context, item *domain.QueueItem) error
	// ListQueue returns queued items, highest priority first, then earliest first.
	ListQueue(ctx context.Context) ([]*domain.QueueItem, error)
	RemoveQueueItem(ctx context.Context, id string) error

	AppendReviewLog(ctx context.Context, rl *domain.ReviewLog) error
	ListReviewLogs(ctx context.Context, specID string) ([]*domain.ReviewLog, error)
}
