package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/mrz1836/chunkflow/internal/domain"
	cferrors "github.com/mrz1836/chunkflow/internal/errors"
)

// SaveWorker creates or overwrites a worker record.
func (s *FileStore) SaveWorker(ctx context.Context, w *domain.Worker) error {
	if w == nil {
		return fmt.Errorf("failed to save worker: %w", cferrors.ErrEmptyValue)
	}
	if err := validateID("worker", w.ID); err != nil {
		return fmt.Errorf("failed to save worker: %w", err)
	}
	return s.withLock(ctx, func() error {
		if err := writeJSON(s.path(workersDir, w.ID+".json"), w); err != nil {
			return fmt.Errorf("failed to save worker '%s': %w", w.ID, err)
		}
		return nil
	})
}

// GetWorker returns a worker record.
func (s *FileStore) GetWorker(ctx context.Context, id string) (*domain.Worker, error) {
	if err := validateID("worker", id); err != nil {
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	var w *domain.Worker
	err := s.withLock(ctx, func() error {
		var err error
		w, err = readJSON[domain.Worker](s.path(workersDir, id+".json"))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get worker '%s': %w", id, err)
	}
	return w, nil
}

// ListWorkers returns every worker record, newest first.
func (s *FileStore) ListWorkers(ctx context.Context) ([]*domain.Worker, error) {
	var out []*domain.Worker
	err := s.withLock(ctx, func() error {
		var err error
		out, err = listJSON[domain.Worker](s.path(workersDir))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// ListActiveWorkers returns workers whose status holds a pool slot.
func (s *FileStore) ListActiveWorkers(ctx context.Context) ([]*domain.Worker, error) {
	all, err := s.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, w := range all {
		if w.Status.Active() {
			out = append(out, w)
		}
	}
	return out, nil
}

// DeleteWorker removes a worker record.
func (s *FileStore) DeleteWorker(ctx context.Context, id string) error {
	if err := validateID("worker", id); err != nil {
		return fmt.Errorf("failed to delete worker: %w", err)
	}
	return s.withLock(ctx, func() error {
		if err := removeJSON(s.path(workersDir, id+".json")); err != nil {
			return fmt.Errorf("failed to delete worker '%s': %w", id, err)
		}
		return nil
	})
}

// Enqueue persists a queue item.
func (s *FileStore) Enqueue(ctx context.Context, item *domain.QueueItem) error {
	if item == nil {
		return fmt.Errorf("failed to enqueue: %w", cferrors.ErrEmptyValue)
	}
	if err := validateID("queue item", item.ID); err != nil {
		return fmt.Errorf("failed to enqueue: %w", err)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now()
	}
	return s.withLock(ctx, func() error {
		if err := createJSON(s.path(queueDir, item.ID+".json"), item); err != nil {
			return fmt.Errorf("failed to enqueue '%s': %w", item.SpecID, err)
		}
		return nil
	})
}

// ListQueue returns queued items, highest priority first, then earliest first.
func (s *FileStore) ListQueue(ctx context.Context) ([]*domain.QueueItem, error) {
	var out []*domain.QueueItem
	err := s.withLock(ctx, func() error {
		var err error
		out, err = listJSON[domain.QueueItem](s.path(queueDir))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// RemoveQueueItem deletes a queue item.
func (s *FileStore) RemoveQueueItem(ctx context.Context, id string) error {
	if err := validateID("queue item", id); err != nil {
		return fmt.Errorf("failed to dequeue: %w", err)
	}
	return s.withLock(ctx, func() error {
		if err := removeJSON(s.path(queueDir, id+".json")); err != nil {
			return fmt.Errorf("failed to dequeue '%s': %w", id, err)
		}
		return nil
	})
}

// AppendReviewLog inserts a review audit row. Rows are never mutated.
func (s *FileStore) AppendReviewLog(ctx context.Context, rl *domain.ReviewLog) error {
	if rl == nil {
		return fmt.Errorf("failed to append review log: %w", cferrors.ErrEmptyValue)
	}
	if err := validateID("specification", rl.SpecID); err != nil {
		return fmt.Errorf("failed to append review log: %w", err)
	}
	if rl.ID == "" {
		rl.ID = domain.NewID(domain.ReviewLogIDPrefix)
	}
	if rl.CreatedAt.IsZero() {
		rl.CreatedAt = s.now()
	}
	return s.withLock(ctx, func() error {
		return appendJSONL(s.path(reviewsDir, rl.SpecID+".jsonl"), rl)
	})
}

// ListReviewLogs returns the review audit rows of a specification in insertion order.
func (s *FileStore) ListReviewLogs(ctx context.Context, specID string) ([]*domain.ReviewLog, error) {
	if err := validateID("specification", specID); err != nil {
		return nil, fmt.Errorf("failed to list review logs: %w", err)
	}
	var out []*domain.ReviewLog
	err := s.withLock(ctx, func() error {
		var err error
		out, err = readJSONL[domain.ReviewLog](s.path(reviewsDir, specID+".jsonl"))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list review logs of '%s': %w", specID, err)
	}
	return out, nil
}
