package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrz1836/chunkflow/internal/constants"
	"github.com/mrz1836/chunkflow/internal/domain"
	cferrors "github.com/mrz1836/chunkflow/internal/errors"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	ctx, cancel := context.WithCancelCause(context.Background())
	e, err := r.Register("spec-b", cancel)
	require.NoError(t, err)
	_, err = r.Register("spec-a", func(error) {})
	require.NoError(t, err)

	_, err = r.Register("spec-b", func(error) {})
	require.ErrorIs(t, err, cferrors.ErrAlreadyRunning)
	assert.Equal(t, []string{"spec-a", "spec-b"}, r.Active())

	got, ok := r.Lookup("spec-b")
	require.True(t, ok)
	assert.Same(t, e, got)

	e.setChunk("chunk-1")
	assert.Equal(t, "chunk-1", e.CurrentChunk())

	e.Abort()
	require.ErrorIs(t, context.Cause(ctx), cferrors.ErrAborted)

	r.Remove("spec-b")
	_, ok = r.Lookup("spec-b")
	assert.False(t, ok)
	assert.Equal(t, []string{"spec-a"}, r.Active())
}

func TestDegraded(t *testing.T) {
	done := &domain.Chunk{ID: "a", Title: "A", Status: constants.ChunkStatusCompleted}
	failed := &domain.Chunk{ID: "b", Title: "B", Status: constants.ChunkStatusFailed}

	tests := []struct {
		name  string
		deps  []string
		want  string
		empty bool
	}{
		{name: "no dependencies", empty: true},
		{name: "completed dependency", deps: []string{"a"}, empty: true},
		{name: "failed dependency", deps: []string{"a", "b"}, want: `dependency "B" (b) is failed`},
		{name: "missing dependency", deps: []string{"gone"}, want: "dependency gone no longer exists"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &domain.Chunk{ID: "c", Dependencies: tt.deps}
			got := degraded(c, []*domain.Chunk{done, failed, c})
			if tt.empty {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
