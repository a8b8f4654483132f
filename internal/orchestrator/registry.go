package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	cferrors "github.com/mrz1836/chunkflow/internal/errors"
)

// Execution is the in-memory handle of one running specification.
type Execution struct {
	SpecID    string
	StartedAt time.Time

	cancel context.CancelCauseFunc

	mu      sync.Mutex
	chunkID string
}

// CurrentChunk returns the id of the chunk being dispatched, if any.
func (e *Execution) CurrentChunk() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chunkID
}

func (e *Execution) setChunk(id string) {
	e.mu.Lock()
	e.chunkID = id
	e.mu.Unlock()
}

// Abort cancels the execution. The chunk in flight finishes as cancelled
// and no further chunks are dispatched.
func (e *Execution) Abort() {
	e.cancel(cferrors.ErrAborted)
}

// Registry tracks running executions keyed by specification id and
// enforces at most one execution per specification.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*Execution
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*Execution)}
}

// Register adds an execution for specID. It returns ErrAlreadyRunning when
// the specification already has one.
func (r *Registry) Register(specID string, cancel context.CancelCauseFunc) (*Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[specID]; ok {
		return nil, fmt.Errorf("specification '%s': %w", specID, cferrors.ErrAlreadyRunning)
	}
	e := &Execution{SpecID: specID, StartedAt: time.Now().UTC(), cancel: cancel}
	r.runs[specID] = e
	return e, nil
}

// Lookup returns the execution of specID.
func (r *Registry) Lookup(specID string) (*Execution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.runs[specID]
	return e, ok
}

// Remove drops the execution of specID.
func (r *Registry) Remove(specID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, specID)
}

// Active returns the ids of running specifications, sorted.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
