package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrz1836/chunkflow/internal/constants"
	"github.com/mrz1836/chunkflow/internal/domain"
	cferrors "github.com/mrz1836/chunkflow/internal/errors"
)

func chunk(id string, order int, deps ...string) *domain.Chunk {
	return &domain.Chunk{
		ID:           id,
		Title:        "Chunk " + id,
		Order:        order,
		Status:       constants.ChunkStatusPending,
		Dependencies: deps,
	}
}

func ids(chunks []*domain.Chunk) []string {
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.ID)
	}
	return out
}

func TestAssignLayers(t *testing.T) {
	t.Run("diamond", func(t *testing.T) {
		chunks := []*domain.Chunk{
			chunk("d", 3, "b", "c"),
			chunk("c", 2, "a"),
			chunk("b", 1, "a"),
			chunk("a", 0),
		}
		layers := AssignLayers(chunks)
		require.Len(t, layers, 3)
		assert.Equal(t, []string{"a"}, ids(layers[0]))
		assert.Equal(t, []string{"b", "c"}, ids(layers[1]))
		assert.Equal(t, []string{"d"}, ids(layers[2]))
	})

	t.Run("layer waits for deepest dependency", func(t *testing.T) {
		chunks := []*domain.Chunk{
			chunk("a", 0),
			chunk("b", 1, "a"),
			chunk("c", 2, "a", "b"),
		}
		layers := AssignLayers(chunks)
		require.Len(t, layers, 3)
		assert.Equal(t, []string{"c"}, ids(layers[2]))
	})

	t.Run("cycle and dangling land in final layer", func(t *testing.T) {
		chunks := []*domain.Chunk{
			chunk("a", 0),
			chunk("x", 1, "y"),
			chunk("y", 2, "x"),
			chunk("z", 3, "missing"),
		}
		layers := AssignLayers(chunks)
		require.Len(t, layers, 2)
		assert.Equal(t, []string{"a"}, ids(layers[0]))
		assert.Equal(t, []string{"x", "y", "z"}, ids(layers[1]))
	})

	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, AssignLayers(nil))
	})
}

func TestCriticalPath(t *testing.T) {
	chunks := []*domain.Chunk{
		chunk("a", 0),
		chunk("b", 1, "a"),
		chunk("c", 2),
		chunk("d", 3, "b", "c"),
		chunk("e", 4, "c"),
	}
	assert.Equal(t, []string{"a", "b", "d"}, ids(CriticalPath(chunks)))

	t.Run("cycle does not loop forever", func(t *testing.T) {
		cyclic := []*domain.Chunk{chunk("x", 0, "y"), chunk("y", 1, "x")}
		path := CriticalPath(cyclic)
		assert.NotEmpty(t, path)
		assert.LessOrEqual(t, len(path), 2)
	})

	t.Run("single", func(t *testing.T) {
		assert.Equal(t, []string{"a"}, ids(CriticalPath([]*domain.Chunk{chunk("a", 0, "gone")})))
	})
}

func TestFindRunnable(t *testing.T) {
	a := chunk("a", 0)
	b := chunk("b", 1, "a")
	c := chunk("c", 2, "a")
	d := chunk("d", 3, "b", "c")
	running := chunk("r", 4)
	running.Status = constants.ChunkStatusRunning
	done := chunk("done", 5)
	done.Status = constants.ChunkStatusCompleted
	retry := chunk("retry", 6)
	retry.Status = constants.ChunkStatusFailed
	all := []*domain.Chunk{d, c, b, a, running, done, retry}

	tests := []struct {
		name      string
		completed IDSet
		failed    IDSet
		want      []string
	}{
		{"initial", NewIDSet(), NewIDSet(), []string{"a", "retry"}},
		{"after a", NewIDSet("a"), NewIDSet(), []string{"b", "c", "retry"}},
		{"after a,b", NewIDSet("a", "b"), NewIDSet(), []string{"c", "retry"}},
		{"after a,b,c", NewIDSet("a", "b", "c"), NewIDSet(), []string{"d", "retry"}},
		{"failed excluded", NewIDSet("a"), NewIDSet("b", "retry"), []string{"c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(FindRunnable(all, tt.completed, tt.failed)))
		})
	}
}

// TestFindRunnable_NeverBeforeDependencies simulates a full run over a DAG
// and checks every dispatched chunk had all its dependencies completed.
func TestFindRunnable_NeverBeforeDependencies(t *testing.T) {
	all := []*domain.Chunk{
		chunk("a", 5),
		chunk("b", 4, "a"),
		chunk("c", 3, "a"),
		chunk("d", 2, "b"),
		chunk("e", 1, "c", "d"),
		chunk("f", 0),
	}
	completed := NewIDSet()
	var order []string
	for {
		runnable := FindRunnable(all, completed, NewIDSet())
		if len(runnable) == 0 {
			break
		}
		next := runnable[0]
		for _, dep := range next.Dependencies {
			require.True(t, completed.Has(dep), "%s dispatched before %s", next.ID, dep)
		}
		completed.Add(next.ID)
		order = append(order, next.ID)
	}
	assert.Equal(t, []string{"f", "a", "c", "b", "d", "e"}, order)
}

func TestCascadeCancel(t *testing.T) {
	t.Run("direct dependents", func(t *testing.T) {
		a := chunk("a", 0)
		all := []*domain.Chunk{a, chunk("b", 1, "a"), chunk("c", 2, "a")}
		got := CascadeCancel("a", all)
		require.Len(t, got, 2)
		assert.Equal(t, "b", got[0].Chunk.ID)
		assert.Equal(t, "c", got[1].Chunk.ID)
		assert.Contains(t, got[0].Reason, `"Chunk a"`)
		assert.Contains(t, got[0].Reason, "(a)")
	})

	t.Run("transitive closure exactly once", func(t *testing.T) {
		// a <- b <- d, a <- c <- d, d <- e, unrelated f
		all := []*domain.Chunk{
			chunk("a", 0),
			chunk("b", 1, "a"),
			chunk("c", 2, "a"),
			chunk("d", 3, "b", "c"),
			chunk("e", 4, "d"),
			chunk("f", 5),
		}
		got := CascadeCancel("a", all)
		assert.Equal(t, []string{"b", "c", "d", "e"}, cancelledIDs(got))
		for _, cc := range got {
			assert.Contains(t, cc.Reason, "(a)")
		}
	})

	t.Run("skips completed and failed but reaches through them", func(t *testing.T) {
		b := chunk("b", 1, "a")
		b.Status = constants.ChunkStatusCompleted
		c := chunk("c", 2, "b")
		d := chunk("d", 3, "a")
		d.Status = constants.ChunkStatusFailed
		all := []*domain.Chunk{chunk("a", 0), b, c, d}
		assert.Equal(t, []string{"c"}, cancelledIDs(CascadeCancel("a", all)))
	})

	t.Run("no dependents", func(t *testing.T) {
		assert.Empty(t, CascadeCancel("a", []*domain.Chunk{chunk("a", 0)}))
	})

	t.Run("cycle terminates", func(t *testing.T) {
		all := []*domain.Chunk{chunk("a", 0, "c"), chunk("b", 1, "a"), chunk("c", 2, "b")}
		assert.Equal(t, []string{"b", "c"}, cancelledIDs(CascadeCancel("a", all)))
	})
}

func cancelledIDs(cs []Cancellation) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Chunk.ID)
	}
	return out
}

func TestValidateGraph(t *testing.T) {
	tests := []struct {
		name    string
		chunks  []*domain.Chunk
		wantErr string
	}{
		{"valid dag", []*domain.Chunk{chunk("a", 0), chunk("b", 1, "a"), chunk("c", 2, "a", "b")}, ""},
		{"self", []*domain.Chunk{chunk("a", 0, "a")}, "depends on itself"},
		{"dangling", []*domain.Chunk{chunk("a", 0, "ghost")}, "unknown chunk ghost"},
		{"cycle", []*domain.Chunk{chunk("a", 0, "c"), chunk("b", 1, "a"), chunk("c", 2, "b")}, "dependency cycle"},
		{"empty", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateGraph(tt.chunks)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, cferrors.ErrInvalidDependency)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIDSet(t *testing.T) {
	s := NewIDSet("b", "a")
	s.Add("c")
	assert.True(t, s.Has("a"))
	assert.False(t, s.Has("z"))
	assert.Equal(t, []string{"a", "b", "c"}, s.Sorted())
}
