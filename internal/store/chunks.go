package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/mrz1836/chunkflow/internal/constants"
	"github.com/mrz1836/chunkflow/internal/domain"
	cferrors "github.com/mrz1836/chunkflow/internal/errors"
)

func (s *FileStore) chunkPath(specID, id string) string {
	return s.path(chunksDir, specID, id+".json")
}

func validateChunk(c *domain.Chunk) error {
	if c == nil {
		return fmt.Errorf("chunk %w", cferrors.ErrEmptyValue)
	}
	if err := validateID("specification", c.SpecID); err != nil {
		return err
	}
	return validateID("chunk", c.ID)
}

// CreateChunk persists a new chunk in pending status unless a status is set.
func (s *FileStore) CreateChunk(ctx context.Context, c *domain.Chunk) error {
	if err := validateChunk(c); err != nil {
		return fmt.Errorf("failed to create chunk: %w", err)
	}
	s.stampChunk(c)
	return s.withLock(ctx, func() error {
		if err := createJSON(s.chunkPath(c.SpecID, c.ID), c); err != nil {
			return fmt.Errorf("failed to create chunk '%s': %w", c.ID, err)
		}
		return nil
	})
}

// GetChunk returns a chunk of a specification.
func (s *FileStore) GetChunk(ctx context.Context, specID, id string) (*domain.Chunk, error) {
	if err := validateID("specification", specID); err != nil {
		return nil, fmt.Errorf("failed to get chunk: %w", err)
	}
	if err := validateID("chunk", id); err != nil {
		return nil, fmt.Errorf("failed to get chunk: %w", err)
	}
	var c *domain.Chunk
	err := s.withLock(ctx, func() error {
		var err error
		c, err = readJSON[domain.Chunk](s.chunkPath(specID, id))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk '%s': %w", id, err)
	}
	return c, nil
}

// UpdateChunk persists the current chunk state.
func (s *FileStore) UpdateChunk(ctx context.Context, c *domain.Chunk) error {
	if err := validateChunk(c); err != nil {
		return fmt.Errorf("failed to update chunk: %w", err)
	}
	c.UpdatedAt = s.now()
	return s.withLock(ctx, func() error {
		if err := updateJSON(s.chunkPath(c.SpecID, c.ID), c); err != nil {
			return fmt.Errorf("failed to update chunk '%s': %w", c.ID, err)
		}
		return nil
	})
}

// ListChunks returns the chunks of a specification ordered by Order, then ID.
func (s *FileStore) ListChunks(ctx context.Context, specID string) ([]*domain.Chunk, error) {
	if err := validateID("specification", specID); err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	var out []*domain.Chunk
	err := s.withLock(ctx, func() error {
		var err error
		out, err = listJSON[domain.Chunk](s.path(chunksDir, specID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks of '%s': %w", specID, err)
	}
	sortChunks(out)
	return out, nil
}

// DeleteChunk removes a chunk and its tool call log.
func (s *FileStore) DeleteChunk(ctx context.Context, specID, id string) error {
	if err := validateID("specification", specID); err != nil {
		return fmt.Errorf("failed to delete chunk: %w", err)
	}
	if err := validateID("chunk", id); err != nil {
		return fmt.Errorf("failed to delete chunk: %w", err)
	}
	return s.withLock(ctx, func() error {
		if err := removeJSON(s.chunkPath(specID, id)); err != nil {
			return fmt.Errorf("failed to delete chunk '%s': %w", id, err)
		}
		return removeAll(s.path(toolCallsDir, id+".jsonl"))
	})
}

// InsertFixChunk creates fix immediately after fixed. Under the store lock,
// every chunk of the specification with Order >= fixed.Order+1 is shifted by
// one, then fix is written with Order = fixed.Order+1 and Dependencies = [fixed.ID].
func (s *FileStore) InsertFixChunk(ctx context.Context, fixed, fix *domain.Chunk) error {
	if err := validateChunk(fixed); err != nil {
		return fmt.Errorf("failed to insert fix chunk: %w", err)
	}
	if fix == nil {
		return fmt.Errorf("failed to insert fix chunk: fix %w", cferrors.ErrEmptyValue)
	}
	fix.SpecID = fixed.SpecID
	fix.FixOf = fixed.ID
	fix.Dependencies = []string{fixed.ID}
	if err := validateChunk(fix); err != nil {
		return fmt.Errorf("failed to insert fix chunk: %w", err)
	}
	s.stampChunk(fix)

	return s.withLock(ctx, func() error {
		existing, err := listJSON[domain.Chunk](s.path(chunksDir, fixed.SpecID))
		if err != nil {
			return fmt.Errorf("failed to insert fix chunk: %w", err)
		}

		// The stored order is authoritative; the caller's copy may be stale.
		target := fixed.Order + 1
		for _, c := range existing {
			if c.ID == fixed.ID {
				target = c.Order + 1
				break
			}
		}

		now := s.now()
		for _, c := range existing {
			if c.Order < target {
				continue
			}
			c.Order++
			c.UpdatedAt = now
			if err := writeJSON(s.chunkPath(c.SpecID, c.ID), c); err != nil {
				return fmt.Errorf("failed to renumber chunk '%s': %w", c.ID, err)
			}
		}

		fix.Order = target
		if err := createJSON(s.chunkPath(fix.SpecID, fix.ID), fix); err != nil {
			return fmt.Errorf("failed to create fix chunk '%s': %w", fix.ID, err)
		}
		return nil
	})
}

func (s *FileStore) stampChunk(c *domain.Chunk) {
	now := s.now()
	if c.Status == "" {
		c.Status = constants.ChunkStatusPending
	}
	if c.Dependencies == nil {
		c.Dependencies = []string{}
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
}

func sortChunks(chunks []*domain.Chunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Order != chunks[j].Order {
			return chunks[i].Order < chunks[j].Order
		}
		return chunks[i].ID < chunks[j].ID
	})
}

// AppendToolCall appends a tool call record to its chunk's log.
func (s *FileStore) AppendToolCall(ctx context.Context, tc *domain.ToolCall) error {
	if tc == nil {
		return fmt.Errorf("failed to append tool call: %w", cferrors.ErrEmptyValue)
	}
	if err := validateID("chunk", tc.ChunkID); err != nil {
		return fmt.Errorf("failed to append tool call: %w", err)
	}
	return s.withLock(ctx, func() error {
		return appendJSONL(s.path(toolCallsDir, tc.ChunkID+".jsonl"), tc)
	})
}

// ListToolCalls returns the tool call records of a chunk. Records for the same
// call ID are collapsed to the latest entry, preserving first-seen order.
func (s *FileStore) ListToolCalls(ctx context.Context, chunkID string) ([]*domain.ToolCall, error) {
	if err := validateID("chunk", chunkID); err != nil {
		return nil, fmt.Errorf("failed to list tool calls: %w", err)
	}
	var raw []*domain.ToolCall
	err := s.withLock(ctx, func() error {
		var err error
		raw, err = readJSONL[domain.ToolCall](s.path(toolCallsDir, chunkID+".jsonl"))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tool calls of '%s': %w", chunkID, err)
	}

	index := make(map[string]int, len(raw))
	out := make([]*domain.ToolCall, 0, len(raw))
	for _, tc := range raw {
		if i, ok := index[tc.ID]; ok {
			out[i] = tc
			continue
		}
		index[tc.ID] = len(out)
		out = append(out, tc)
	}
	return out, nil
}
