package monitor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/impuls42/ats-mini/internal/message"
)

// DefaultBuffer is the per-subscriber channel depth when none is given.
const DefaultBuffer = 64

// Event is the JSON-serialisable envelope fanned out to subscribers.
type Event struct {
	Name       string         `json:"event"`
	Seq        uint64         `json:"seq,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

// FromMessage wraps a decoded device event, stamping it with the current time.
func FromMessage(ev *message.Event) Event {
	return Event{Name: ev.Name, Seq: ev.Seq, Params: ev.Params, ReceivedAt: time.Now().UTC()}
}

// Message returns the event in its decoded message form.
func (e Event) Message() *message.Event {
	return &message.Event{Name: e.Name, Seq: e.Seq, Params: e.Params}
}

// subscriber holds a buffered channel for one consumer.
type subscriber struct {
	ch chan Event
}

// EventBus fans device events out to every registered consumer: the
// recorder, the state manager and WebSocket clients.
type EventBus struct {
	buffer int

	mu   sync.RWMutex
	subs map[*subscriber]struct{}

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewEventBus constructs a ready EventBus. buffer <= 0 means DefaultBuffer.
func NewEventBus(buffer int) *EventBus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &EventBus{buffer: buffer, subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a new consumer.
// Returns a receive channel and an unsubscribe function that must be
// called when the consumer goes away (it closes the channel).
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

// Publish sends e to all current subscribers.
// Slow consumers are skipped (their buffer is full) to avoid stalling
// the read loop. They can catch up via the REST history endpoint.
func (b *EventBus) Publish(e Event) {
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	b.published.Add(1)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// PublishMessage wraps and publishes a decoded device event.
func (b *EventBus) PublishMessage(ev *message.Event) {
	b.Publish(FromMessage(ev))
}

// Len returns the current subscriber count.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Published returns how many events have been published.
func (b *EventBus) Published() uint64 { return b.published.Load() }

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *EventBus) Dropped() uint64 { return b.dropped.Load() }
