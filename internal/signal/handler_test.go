package signal

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestHandler_FirstSignalCancels(t *testing.T) {
	h := newHandler(context.Background())
	go h.listen()
	defer h.Stop()

	h.sigChan <- syscall.SIGINT

	select {
	case <-h.Interrupted():
	case <-time.After(time.Second):
		t.Fatal("interrupt not observed")
	}
	require.ErrorIs(t, h.Context().Err(), context.Canceled)
	assert.False(t, closed(h.Forced()))
}

func TestHandler_SecondSignalForces(t *testing.T) {
	h := newHandler(context.Background())
	go h.listen()
	defer h.Stop()

	h.sigChan <- syscall.SIGTERM
	h.sigChan <- syscall.SIGTERM

	select {
	case <-h.Forced():
	case <-time.After(time.Second):
		t.Fatal("second signal not observed")
	}
	assert.True(t, closed(h.Interrupted()))
}

func TestHandler_ExtraSignalsIgnored(t *testing.T) {
	h := newHandler(context.Background())
	for i := 0; i < 4; i++ {
		h.handleSignal()
	}
	assert.True(t, closed(h.Forced()))
	h.Stop()
}

func TestHandler_StopIsIdempotent(t *testing.T) {
	h := NewHandler(context.Background())
	h.Stop()
	h.Stop()

	require.ErrorIs(t, h.Context().Err(), context.Canceled)
	assert.False(t, closed(h.Interrupted()))
}

func TestHandler_ParentCancel(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	h := NewHandler(parent)
	defer h.Stop()

	cancel()
	require.ErrorIs(t, h.Context().Err(), context.Canceled)
	assert.False(t, closed(h.Interrupted()))
}
