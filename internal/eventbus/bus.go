// Package eventbus carries the engine's diagnostic events: delivery
// outcomes, operation status changes, config and profile switches.
// Nothing in the pipeline depends on anyone listening; embedders
// subscribe for status surfaces and tests.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the engine components.
const (
	TypeNotifySent       = "notify.sent"
	TypeNotifyDropped    = "notify.dropped"
	TypeNotifyBatched    = "notify.batched"
	TypeNotifyFailed     = "notify.failed"
	TypeOpStatus         = "op.status"
	TypeOpHeartbeat      = "op.heartbeat"
	TypeConfigApplied    = "config.applied"
	TypeProfileActivated = "profile.activated"
)

// Event is a small in-memory signal. Publish never blocks; a subscriber
// whose buffer is full loses the event. Data should be small and
// JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus with no background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	// Snapshot the subscriber set so no lock is held while sending.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		trySend(ch, e)
	}
}

// trySend drops the event when the subscriber's buffer is full, and
// recovers the send-on-closed panic that a concurrent unsubscribe can
// cause.
func trySend(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
