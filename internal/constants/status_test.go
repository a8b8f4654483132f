package constants

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkStatus_Retryable(t *testing.T) {
	tests := []struct {
		status ChunkStatus
		want   bool
	}{
		{ChunkStatusPending, true},
		{ChunkStatusFailed, true},
		{ChunkStatusCancelled, true},
		{ChunkStatusRunning, false},
		{ChunkStatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.Retryable())
		})
	}
}

func TestWorkerStatus_Active(t *testing.T) {
	assert.True(t, WorkerStatusIdle.Active())
	assert.True(t, WorkerStatusRunning.Active())
	assert.True(t, WorkerStatusPaused.Active())
	assert.False(t, WorkerStatusCompleted.Active())
	assert.False(t, WorkerStatusFailed.Active())
}
