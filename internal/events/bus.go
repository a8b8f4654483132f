package events

import (
	"context"
	"sync"
	"time"

	"github.com/mrz1836/chunkflow/internal/constants"
)

// liveBuffer is the per-subscriber channel capacity beyond the replayed history.
const liveBuffer = 256

// Filter selects the events a subscriber receives. A nil filter accepts all.
type Filter func(Event) bool

// ForSpec returns a filter accepting events of one specification.
func ForSpec(specID string) Filter {
	return func(e Event) bool { return e.SpecID == specID }
}

// Bus is a non-blocking publish/subscribe hub with a bounded replay buffer.
//
// The last N published events are kept; a new subscriber first receives the
// retained events accepted by its filter, then live events. A subscriber that
// falls behind loses events rather than blocking publishers.
type Bus struct {
	mu      sync.Mutex
	ring    []Event
	start   int
	count   int
	subs    map[int]*subscriber
	nextID  int
	closed  bool
	dropped int
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// NewBus creates a Bus retaining the last size events (DefaultEventBufferSize when size <= 0).
func NewBus(size int) *Bus {
	if size <= 0 {
		size = constants.DefaultEventBufferSize
	}
	return &Bus{
		ring: make([]Event, size),
		subs: make(map[int]*subscriber),
	}
}

// Publish records e in the replay buffer and delivers it to matching subscribers.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	size := len(b.ring)
	if b.count < size {
		b.ring[(b.start+b.count)%size] = e
		b.count++
	} else {
		b.ring[b.start] = e
		b.start = (b.start + 1) % size
	}

	for _, s := range b.subs {
		if s.filter != nil && !s.filter(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped++
		}
	}
}

// Subscribe returns a channel receiving retained and then live events that
// match filter. The channel is closed when ctx ends or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, filter Filter) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, len(b.ring)+liveBuffer)
	if b.closed {
		close(ch)
		return ch
	}
	for _, e := range b.recentLocked() {
		if filter == nil || filter(e) {
			ch <- e
		}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{ch: ch, filter: filter}

	go func() {
		<-ctx.Done()
		b.unsubscribe(id)
	}()
	return ch
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(s.ch)
	}
}

// Recent returns the retained events, oldest first.
func (b *Bus) Recent() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recentLocked()
}

func (b *Bus) recentLocked() []Event {
	out := make([]Event, 0, b.count)
	for i := 0; i < b.count; i++ {
		out = append(out, b.ring[(b.start+i)%len(b.ring)])
	}
	return out
}

// Dropped returns the number of deliveries skipped because a subscriber was full.
func (b *Bus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
