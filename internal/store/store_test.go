package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrz1836/chunkflow/internal/constants"
	"github.com/mrz1836/chunkflow/internal/domain"
	cferrors "github.com/mrz1836/chunkflow/internal/errors"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestFileStore_ProjectCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	p := &domain.Project{ID: "proj-1", Name: "payments", RootDir: "/src/payments"}
	require.NoError(t, s.CreateProject(ctx, p))
	require.ErrorIs(t, s.CreateProject(ctx, p), cferrors.ErrAlreadyExists)

	got, err := s.GetProject(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "payments", got.Name)
	assert.False(t, got.CreatedAt.IsZero())

	list, err := s.ListProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteProject(ctx, "proj-1"))
	_, err = s.GetProject(ctx, "proj-1")
	require.ErrorIs(t, err, cferrors.ErrNotFound)
}

func TestFileStore_RejectsPathTraversal(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSpec(context.Background(), "../../etc/passwd")
	require.ErrorIs(t, err, cferrors.ErrPathTraversal)
	_, err = s.GetSpec(context.Background(), "")
	require.ErrorIs(t, err, cferrors.ErrEmptyValue)
}

func TestFileStore_SpecVersionNeverDecreases(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	spec := &domain.Specification{ID: "spec-1", ProjectID: "proj-1", Title: "Auth"}
	require.NoError(t, s.CreateSpec(ctx, spec))
	assert.Equal(t, 1, spec.Version)
	assert.Equal(t, constants.SpecStatusDraft, spec.Status)

	stale, err := s.GetSpec(ctx, "spec-1")
	require.NoError(t, err)

	spec.Title = "Auth v2"
	require.NoError(t, s.UpdateSpec(ctx, spec))
	assert.Equal(t, 2, spec.Version)

	// Updating a stale copy still moves the version forward.
	stale.Status = constants.SpecStatusRunning
	require.NoError(t, s.UpdateSpec(ctx, stale))
	assert.Equal(t, 3, stale.Version)

	got, err := s.GetSpec(ctx, "spec-1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Version)
}

func TestFileStore_ListSpecsFiltersByProject(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateSpec(ctx, &domain.Specification{ID: "spec-a", ProjectID: "p1"}))
	require.NoError(t, s.CreateSpec(ctx, &domain.Specification{ID: "spec-b", ProjectID: "p2"}))

	p1, err := s.ListSpecs(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, p1, 1)
	assert.Equal(t, "spec-a", p1[0].ID)

	all, err := s.ListSpecs(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestFileStore_ListChunksOrdered(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, c := range []*domain.Chunk{
		{ID: "c3", SpecID: "spec-1", Order: 2},
		{ID: "c1", SpecID: "spec-1", Order: 0},
		{ID: "c2", SpecID: "spec-1", Order: 1},
	} {
		require.NoError(t, s.CreateChunk(ctx, c))
	}

	list, err := s.ListChunks(ctx, "spec-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"c1", "c2", "c3"}, []string{list[0].ID, list[1].ID, list[2].ID})
	assert.Equal(t, constants.ChunkStatusPending, list[0].Status)
	assert.NotNil(t, list[0].Dependencies)
}

func TestFileStore_InsertFixChunkRenumbers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	orders := map[string]int{"a": 0, "b": 1, "x": 2, "d": 3, "e": 4}
	for id, order := range orders {
		require.NoError(t, s.CreateChunk(ctx, &domain.Chunk{ID: id, SpecID: "spec-1", Order: order}))
	}

	fixed, err := s.GetChunk(ctx, "spec-1", "x")
	require.NoError(t, err)

	fix := &domain.Chunk{ID: "x-fix", Title: "Add tests", Dependencies: []string{"a", "b"}}
	require.NoError(t, s.InsertFixChunk(ctx, fixed, fix))

	assert.Equal(t, 3, fix.Order)
	assert.Equal(t, []string{"x"}, fix.Dependencies)
	assert.Equal(t, "x", fix.FixOf)

	list, err := s.ListChunks(ctx, "spec-1")
	require.NoError(t, err)
	got := map[string]int{}
	for _, c := range list {
		got[c.ID] = c.Order
	}
	assert.Equal(t, map[string]int{"a": 0, "b": 1, "x": 2, "x-fix": 3, "d": 4, "e": 5}, got)
}

func TestFileStore_InsertFixChunkUsesStoredOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateChunk(ctx, &domain.Chunk{ID: "x", SpecID: "spec-1", Order: 5}))
	require.NoError(t, s.CreateChunk(ctx, &domain.Chunk{ID: "y", SpecID: "spec-1", Order: 6}))

	stale := &domain.Chunk{ID: "x", SpecID: "spec-1", Order: 1}
	fix := &domain.Chunk{ID: "x-fix"}
	require.NoError(t, s.InsertFixChunk(ctx, stale, fix))
	assert.Equal(t, 6, fix.Order)

	y, err := s.GetChunk(ctx, "spec-1", "y")
	require.NoError(t, err)
	assert.Equal(t, 7, y.Order)
}

func TestFileStore_ToolCallsCollapseByID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	start := time.Now()
	require.NoError(t, s.AppendToolCall(ctx, &domain.ToolCall{ID: "tc-1", ChunkID: "c1", ToolName: "Edit", Status: constants.ToolCallRunning, StartedAt: start, Input: json.RawMessage(`{"file_path":"a.go"}`)}))
	require.NoError(t, s.AppendToolCall(ctx, &domain.ToolCall{ID: "tc-2", ChunkID: "c1", ToolName: "Bash", Status: constants.ToolCallRunning, StartedAt: start}))
	require.NoError(t, s.AppendToolCall(ctx, &domain.ToolCall{ID: "tc-1", ChunkID: "c1", ToolName: "Edit", Status: constants.ToolCallCompleted, StartedAt: start}))

	calls, err := s.ListToolCalls(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, "tc-1", calls[0].ID)
	assert.Equal(t, constants.ToolCallCompleted, calls[0].Status)
	assert.Equal(t, "tc-2", calls[1].ID)

	empty, err := s.ListToolCalls(ctx, "c2")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestFileStore_WorkersAndQueue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SaveWorker(ctx, &domain.Worker{ID: "w1", SpecID: "s1", Status: constants.WorkerStatusRunning}))
	require.NoError(t, s.SaveWorker(ctx, &domain.Worker{ID: "w2", SpecID: "s2", Status: constants.WorkerStatusCompleted}))
	require.NoError(t, s.SaveWorker(ctx, &domain.Worker{ID: "w3", SpecID: "s3", Status: constants.WorkerStatusIdle}))

	active, err := s.ListActiveWorkers(ctx)
	require.NoError(t, err)
	ids := []string{}
	for _, w := range active {
		ids = append(ids, w.ID)
	}
	assert.ElementsMatch(t, []string{"w1", "w3"}, ids)

	base := time.Now()
	require.NoError(t, s.Enqueue(ctx, &domain.QueueItem{ID: "q1", SpecID: "s4", Priority: 0, CreatedAt: base}))
	require.NoError(t, s.Enqueue(ctx, &domain.QueueItem{ID: "q2", SpecID: "s5", Priority: 5, CreatedAt: base.Add(time.Second)}))
	require.NoError(t, s.Enqueue(ctx, &domain.QueueItem{ID: "q3", SpecID: "s6", Priority: 0, CreatedAt: base.Add(-time.Second)}))

	queue, err := s.ListQueue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 3)
	assert.Equal(t, []string{"q2", "q3", "q1"}, []string{queue[0].ID, queue[1].ID, queue[2].ID})

	require.NoError(t, s.RemoveQueueItem(ctx, "q2"))
	require.ErrorIs(t, s.RemoveQueueItem(ctx, "q2"), cferrors.ErrNotFound)
}

func TestFileStore_ReviewLogsAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.AppendReviewLog(ctx, &domain.ReviewLog{SpecID: "s1", ChunkID: "c1", Kind: constants.ReviewKindChunk, Attempt: 1, ErrorKind: "rate_limit"}))
	require.NoError(t, s.AppendReviewLog(ctx, &domain.ReviewLog{SpecID: "s1", ChunkID: "c1", Kind: constants.ReviewKindChunk, Attempt: 2, Verdict: constants.ReviewStatusPass}))

	logs, err := s.ListReviewLogs(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, 1, logs[0].Attempt)
	assert.NotEmpty(t, logs[0].ID)
	assert.Equal(t, constants.ReviewStatusPass, logs[1].Verdict)
}

func TestFileStore_CorruptedFile(t *testing.T) {
	ctx := context.Background()
	home := t.TempDir()
	s, err := NewFileStore(home)
	require.NoError(t, err)

	dir := filepath.Join(home, constants.StoreDir, specsDir)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "spec-bad.json"), []byte("{"), 0o600))

	_, err = s.GetSpec(ctx, "spec-bad")
	require.ErrorIs(t, err, cferrors.ErrStoreCorrupted)
}

func TestFileStore_DeleteSpecRemovesChunks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateSpec(ctx, &domain.Specification{ID: "spec-1"}))
	require.NoError(t, s.CreateChunk(ctx, &domain.Chunk{ID: "c1", SpecID: "spec-1"}))
	require.NoError(t, s.DeleteSpec(ctx, "spec-1"))

	chunks, err := s.ListChunks(ctx, "spec-1")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestFileStore_CanceledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.ListProjects(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
