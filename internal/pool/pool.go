// Package pool runs specifications on a bounded set of workers. Requests
// beyond capacity wait in a persisted priority queue that is drained each
// time a worker finishes or capacity is raised.
//
// IMPORTANT: This package sits above orchestrator. It MUST NOT import cli.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mrz1836/chunkflow/internal/constants"
	"github.com/mrz1836/chunkflow/internal/ctxutil"
	"github.com/mrz1836/chunkflow/internal/domain"
	cferrors "github.com/mrz1836/chunkflow/internal/errors"
	"github.com/mrz1836/chunkflow/internal/events"
	"github.com/mrz1836/chunkflow/internal/metrics"
	"github.com/mrz1836/chunkflow/internal/orchestrator"
	"github.com/mrz1836/chunkflow/internal/pipeline"
)

// Store is the persistence the pool needs.
type Store interface {
	GetSpec(ctx context.Context, id string) (*domain.Specification, error)
	SaveWorker(ctx context.Context, w *domain.Worker) error
	ListActiveWorkers(ctx context.Context) ([]*domain.Worker, error)
	Enqueue(ctx context.Context, item *domain.QueueItem) error
	ListQueue(ctx context.Context) ([]*domain.QueueItem, error)
	RemoveQueueItem(ctx context.Context, id string) error
}

// Executor drives one specification. *orchestrator.Orchestrator implements it.
type Executor interface {
	Execute(ctx context.Context, req orchestrator.Request) (*orchestrator.Summary, error)
	Abort(specID string) bool
}

// Config holds pool settings.
type Config struct {
	MaxWorkers      int
	EventBufferSize int
}

// SubmitResult reports what Submit did with a specification.
type SubmitResult struct {
	Worker *domain.Worker
	Queued *domain.QueueItem
}

// Pool runs specifications on at most Capacity workers.
type Pool struct {
	store   Store
	exec    Executor
	bus     *events.Bus
	metrics metrics.Recorder
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex
	capacity int
	active   map[string]*handle
	closed   bool

	drainMu sync.Mutex
	wg      sync.WaitGroup
}

type handle struct {
	done chan struct{}

	mu     sync.Mutex
	worker domain.Worker
}

func (h *handle) snapshot() *domain.Worker {
	h.mu.Lock()
	defer h.mu.Unlock()
	w := h.worker
	return &w
}

func (h *handle) update(fn func(w *domain.Worker)) *domain.Worker {
	h.mu.Lock()
	fn(&h.worker)
	w := h.worker
	h.mu.Unlock()
	return &w
}

// Option configures a Pool.
type Option func(*Pool)

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// New creates a Pool. Zero config values take the package defaults.
func New(store Store, exec Executor, cfg Config, opts ...Option) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = constants.DefaultMaxWorkers
	}
	p := &Pool{
		store:    store,
		exec:     exec,
		bus:      events.NewBus(cfg.EventBufferSize),
		metrics:  metrics.Noop{},
		logger:   zerolog.Nop(),
		now:      time.Now,
		capacity: cfg.MaxWorkers,
		active:   make(map[string]*handle),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Capacity returns the maximum number of concurrent workers.
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity
}

// SetCapacity changes the worker limit. Running workers are never stopped
// when it is lowered; raising it drains the queue into the new slots.
func (p *Pool) SetCapacity(ctx context.Context, n int) error {
	if n < 1 {
		return fmt.Errorf("max workers %d: %w", n, cferrors.ErrValueOutOfRange)
	}
	p.mu.Lock()
	raised := n > p.capacity
	p.capacity = n
	p.mu.Unlock()

	p.logger.Info().Int("max_workers", n).Msg("pool capacity changed")
	if raised {
		p.Drain(ctx)
	}
	return nil
}

// Active returns the workers currently holding a slot, ordered by start time.
func (p *Pool) Active() []*domain.Worker {
	p.mu.Lock()
	out := make([]*domain.Worker, 0, len(p.active))
	for _, h := range p.active {
		out = append(out, h.snapshot())
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Running reports whether specID holds a worker slot.
func (p *Pool) Running(specID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[specID]
	return ok
}

// Subscribe returns pool events matching filter, starting with the retained
// history. The channel closes when ctx ends or the pool shuts down.
func (p *Pool) Subscribe(ctx context.Context, filter events.Filter) <-chan events.Event {
	return p.bus.Subscribe(ctx, filter)
}

// Submit starts specID when a slot is free and queues it otherwise.
func (p *Pool) Submit(ctx context.Context, specID string, priority int) (*SubmitResult, error) {
	w, err := p.StartWorker(ctx, specID)
	if err == nil {
		return &SubmitResult{Worker: w}, nil
	}
	if !errors.Is(err, cferrors.ErrPoolAtCapacity) {
		return nil, err
	}
	item, err := p.Enqueue(ctx, specID, priority)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{Queued: item}, nil
}

// StartWorker allocates a worker for specID and runs it in the background.
// It returns ErrAlreadyRunning when the specification already has a worker
// and ErrPoolAtCapacity when every slot is taken.
func (p *Pool) StartWorker(ctx context.Context, specID string) (*domain.Worker, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}
	spec, err := p.store.GetSpec(ctx, specID)
	if err != nil {
		return nil, err
	}

	h := &handle{
		done: make(chan struct{}),
		worker: domain.Worker{
			ID:        domain.NewID(domain.WorkerIDPrefix),
			SpecID:    spec.ID,
			ProjectID: spec.ProjectID,
			Status:    constants.WorkerStatusRunning,
			StartedAt: p.now().UTC(),
		},
	}

	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return nil, cferrors.ErrPoolClosed
	case p.active[spec.ID] != nil:
		p.mu.Unlock()
		return nil, fmt.Errorf("specification '%s': %w", spec.ID, cferrors.ErrAlreadyRunning)
	case len(p.active) >= p.capacity:
		p.mu.Unlock()
		return nil, fmt.Errorf("cannot start '%s' (%d/%d workers): %w", spec.ID, len(p.active), p.capacity, cferrors.ErrPoolAtCapacity)
	}
	p.active[spec.ID] = h
	n := len(p.active)
	p.wg.Add(1)
	p.mu.Unlock()

	w := h.snapshot()
	if err := p.store.SaveWorker(ctx, w); err != nil {
		p.release(spec.ID)
		p.wg.Done()
		return nil, err
	}
	p.metrics.WorkersActive(n)

	log := p.logger.With().Str("worker_id", w.ID).Str("spec_id", w.SpecID).Logger()
	log.Info().Msg("worker started")
	pub := events.Scoped(p.bus, w.SpecID, w.ID)
	pub.Publish(events.Event{Type: events.WorkerStarted, Message: spec.Title})

	go p.run(log.WithContext(context.Background()), h, pub, log)
	return w, nil
}

func (p *Pool) run(ctx context.Context, h *handle, pub events.Publisher, log zerolog.Logger) {
	defer p.wg.Done()
	defer close(h.done)

	specID := h.snapshot().SpecID
	summary, err := p.exec.Execute(ctx, orchestrator.Request{
		SpecID:    specID,
		Publisher: pub,
		Callbacks: p.callbacks(ctx, h, pub),
	})
	p.finish(ctx, h, pub, log, summary, err)

	n := p.release(specID)
	p.metrics.WorkersActive(n)
	p.Drain(ctx)
}

func (p *Pool) callbacks(ctx context.Context, h *handle, pub events.Publisher) orchestrator.Callbacks {
	progress := func(chunkID string, pr domain.Progress, step constants.WorkerStep, msg string) {
		w := h.update(func(w *domain.Worker) {
			w.CurrentChunkID = chunkID
			w.CurrentStep = step
			w.Progress = pr
		})
		p.save(ctx, w)
		pub.Publish(events.Event{
			Type:    events.WorkerProgress,
			ChunkID: chunkID,
			Message: msg,
			Data:    map[string]any{"current": pr.Current, "total": pr.Total, "passed": pr.Passed, "failed": pr.Failed},
		})
	}
	return orchestrator.Callbacks{
		ChunkStart: func(c *domain.Chunk, pr domain.Progress) {
			progress(c.ID, pr, constants.WorkerStepExecuting, fmt.Sprintf("chunk %d/%d: %s", pr.Current, pr.Total, c.Title))
		},
		ChunkComplete: func(c *domain.Chunk, outcome pipeline.Outcome, pr domain.Progress) {
			progress("", pr, "", fmt.Sprintf("%s: %s", c.Title, outcome))
		},
		Step: func(chunkID string, step constants.WorkerStep) {
			w := h.update(func(w *domain.Worker) {
				w.CurrentChunkID = chunkID
				w.CurrentStep = step
			})
			p.save(ctx, w)
		},
		ReviewStart: func() {
			pub.Publish(events.Event{Type: events.WorkerProgress, Message: "final review started"})
		},
		ReviewComplete: func(status constants.ReviewStatus) {
			pub.Publish(events.Event{Type: events.WorkerProgress, Message: "final review: " + status.String()})
		},
	}
}

func (p *Pool) finish(ctx context.Context, h *handle, pub events.Publisher, log zerolog.Logger, summary *orchestrator.Summary, runErr error) {
	ended := p.now().UTC()
	w := h.update(func(w *domain.Worker) {
		w.EndedAt = &ended
		w.CurrentChunkID = ""
		w.CurrentStep = ""
		if summary != nil {
			w.Progress.Total = summary.Total
			w.Progress.Passed = summary.Passed
			w.Progress.Failed = summary.Failed
		}
		switch {
		case runErr != nil:
			w.Status = constants.WorkerStatusFailed
			w.LastError = runErr.Error()
		case summary == nil:
			w.Status = constants.WorkerStatusFailed
			w.LastError = "run ended without a summary"
		case summary.Aborted:
			w.Status = constants.WorkerStatusFailed
			w.LastError = cferrors.ErrAborted.Error()
		case !summary.Success:
			w.Status = constants.WorkerStatusFailed
			w.LastError = fmt.Sprintf("%d passed, %d failed, %d skipped; specification left in %s",
				summary.Passed, summary.Failed, summary.Skipped, summary.Status)
		default:
			w.Status = constants.WorkerStatusCompleted
		}
	})
	p.save(ctx, w)

	ev := events.Event{Type: events.WorkerCompleted, Message: "completed"}
	if w.Status == constants.WorkerStatusFailed {
		ev = events.Event{Type: events.WorkerFailed, Message: w.LastError}
		log.Warn().Str("error", w.LastError).Msg("worker failed")
	} else {
		log.Info().Msg("worker completed")
	}
	if summary != nil {
		ev.Data = map[string]any{"pr_url": summary.PRURL, "status": summary.Status.String()}
	}
	pub.Publish(ev)
}

// save persists a worker snapshot. Failures are logged; the in-memory
// record stays authoritative until the worker finishes.
func (p *Pool) save(ctx context.Context, w *domain.Worker) {
	if err := p.store.SaveWorker(ctxutil.Detached(ctx), w); err != nil {
		p.logger.Error().Err(err).Str("worker_id", w.ID).Msg("failed to save worker")
	}
}

func (p *Pool) release(specID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, specID)
	return len(p.active)
}

// Enqueue queues specID. A specification that is already queued keeps its
// existing item. The queue is drained immediately in case a slot is free.
func (p *Pool) Enqueue(ctx context.Context, specID string, priority int) (*domain.QueueItem, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, cferrors.ErrPoolClosed
	}

	spec, err := p.store.GetSpec(ctx, specID)
	if err != nil {
		return nil, err
	}
	queue, err := p.store.ListQueue(ctx)
	if err != nil {
		return nil, err
	}
	for _, item := range queue {
		if item.SpecID == spec.ID {
			return item, nil
		}
	}

	item := &domain.QueueItem{
		ID:        domain.NewID(domain.QueueItemIDPrefix),
		SpecID:    spec.ID,
		ProjectID: spec.ProjectID,
		Priority:  priority,
		CreatedAt: p.now().UTC(),
	}
	if err := p.store.Enqueue(ctx, item); err != nil {
		return nil, err
	}
	p.metrics.QueueDepth(len(queue) + 1)
	p.logger.Info().Str("spec_id", spec.ID).Int("priority", priority).Msg("specification queued")
	p.bus.Publish(events.Event{
		Type:    events.WorkerQueued,
		SpecID:  spec.ID,
		Message: spec.Title,
		Data:    map[string]any{"priority": priority, "position": len(queue) + 1},
	})

	p.Drain(ctx)
	return item, nil
}

// Drain starts queued specifications, highest priority then earliest
// first, while slots are free. Items whose specification is already
// running stay queued.
func (p *Pool) Drain(ctx context.Context) {
	p.drainMu.Lock()
	defer p.drainMu.Unlock()

	items, err := p.store.ListQueue(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to read queue")
		return
	}
	remaining := len(items)
	defer func() { p.metrics.QueueDepth(remaining) }()

	for _, item := range items {
		_, err := p.StartWorker(ctx, item.SpecID)
		switch {
		case errors.Is(err, cferrors.ErrPoolAtCapacity), errors.Is(err, cferrors.ErrPoolClosed):
			return
		case errors.Is(err, cferrors.ErrAlreadyRunning):
			continue
		case err != nil:
			p.logger.Warn().Err(err).Str("spec_id", item.SpecID).Msg("dropping queued specification")
			p.bus.Publish(events.Event{Type: events.WorkerFailed, SpecID: item.SpecID, Message: err.Error()})
		}
		if err := p.store.RemoveQueueItem(ctx, item.ID); err != nil {
			p.logger.Error().Err(err).Str("queue_id", item.ID).Msg("failed to dequeue")
			continue
		}
		remaining--
	}
}

// Stop aborts the worker of specID, or removes it from the queue when it
// is waiting. It reports whether anything was stopped.
func (p *Pool) Stop(ctx context.Context, specID string) (bool, error) {
	if p.Running(specID) {
		return p.exec.Abort(specID), nil
	}
	items, err := p.store.ListQueue(ctx)
	if err != nil {
		return false, err
	}
	for _, item := range items {
		if item.SpecID != specID {
			continue
		}
		if err := p.store.RemoveQueueItem(ctx, item.ID); err != nil {
			return false, err
		}
		p.metrics.QueueDepth(len(items) - 1)
		p.bus.Publish(events.Event{Type: events.WorkerFailed, SpecID: specID, Message: "removed from queue"})
		return true, nil
	}
	return false, nil
}

// Wait blocks until no worker is running. Workers started from the queue
// while waiting are waited for too.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Reconcile marks workers persisted as active by a previous process as
// failed. Their backend sessions cannot be recovered. It returns the number
// of workers updated.
func (p *Pool) Reconcile(ctx context.Context) (int, error) {
	stale, err := p.store.ListActiveWorkers(ctx)
	if err != nil {
		return 0, err
	}
	ended := p.now().UTC()
	n := 0
	for _, w := range stale {
		p.mu.Lock()
		h, live := p.active[w.SpecID]
		p.mu.Unlock()
		if live && h.snapshot().ID == w.ID {
			continue
		}
		w.Status = constants.WorkerStatusFailed
		w.LastError = constants.InterruptedByRestart
		w.EndedAt = &ended
		if err := p.store.SaveWorker(ctx, w); err != nil {
			return n, err
		}
		p.logger.Warn().Str("worker_id", w.ID).Str("spec_id", w.SpecID).Msg("worker interrupted by restart")
		n++
	}
	return n, nil
}

// Shutdown stops accepting work, aborts every running worker and waits for
// them to finish or for ctx to end. Queued items stay persisted for the
// next process.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	handles := make(map[string]*handle, len(p.active))
	for id, h := range p.active {
		handles[id] = h
	}
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for specID, h := range handles {
		p.exec.Abort(specID)
		g.Go(func() error {
			select {
			case <-h.done:
				return nil
			case <-gctx.Done():
				return fmt.Errorf("worker for '%s' still running: %w", specID, gctx.Err())
			}
		})
	}
	err := g.Wait()
	p.bus.Close()
	p.logger.Info().Int("workers", len(handles)).Msg("worker pool shut down")
	return err
}
