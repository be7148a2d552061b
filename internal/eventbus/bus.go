// Package eventbus decouples the delivery engine from observers
// (metrics, the CLI driver, tests) via a small in-memory fanout bus.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Well-known event types published by the delivery engine.
const (
	EventSessionCreated = "session.created"
	EventSessionClosed  = "session.closed"

	EventTextSent    = "delivery.text_sent"
	EventThrottled   = "delivery.throttled"
	EventRateLimited = "delivery.rate_limited"
	EventOpFailed    = "delivery.failed"
	EventOpDropped   = "delivery.dropped"

	EventUploadStarted     = "upload.started"
	EventUploadVisible     = "upload.visible"
	EventUploadUnconfirmed = "upload.unconfirmed"
	EventUploadFailed      = "upload.failed"
)

// Event is a lightweight, in-memory signal.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple fanout bus. It owns no background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch     chan Event
	closed atomic.Bool
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold the lock while sending.
	b.mu.RLock()
	snap := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		snap = append(snap, s)
	}
	b.mu.RUnlock()

	for _, s := range snap {
		if s.closed.Load() {
			continue
		}
		// Non-blocking delivery; a full buffer drops the event.
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			// The channel is never closed: Publish may hold a stale snapshot.
			// The closed flag stops new sends; the buffer is left to the GC.
			s.closed.Store(true)
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
	return s.ch, unsub
}
