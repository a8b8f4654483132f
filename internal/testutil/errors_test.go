package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mrz1836/chunkflow/internal/retry"
)

func TestMockErrorsClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want retry.ErrorKind
	}{
		{"rate limit", ErrMockRateLimit, retry.KindRateLimit},
		{"backend", ErrMockBackend, retry.KindUnknown},
		{"gh", ErrMockGHFailed, retry.KindUnknown},
		{"store", ErrMockStoreUnavailable, retry.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retry.Classify(tt.err))
		})
	}
}
