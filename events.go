package llmcache

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blueberrycongee/llmcache/pkg/cache"
)

// EventType names an observable cache event.
type EventType string

// Events emitted by the manager.
const (
	EventHit          EventType = "cache:hit"
	EventMiss         EventType = "cache:miss"
	EventSet          EventType = "cache:set"
	EventEvict        EventType = "cache:evict"
	EventClear        EventType = "cache:clear"
	EventBackendError EventType = "backend:error"
)

// Event is one record on the event stream. Fields beyond Type and
// Timestamp are populated per event kind: Key and Latency for hits, Key
// for misses, Key and SizeBytes for sets, Key and Reason for evictions,
// Err for backend errors.
type Event struct {
	Type      EventType
	Key       string
	Latency   time.Duration
	SizeBytes int64
	Reason    cache.EvictReason
	Err       error
	Timestamp time.Time
}

// EventHandler receives events synchronously. Handlers must not block;
// slow consumers should hand off to their own goroutine or channel.
type EventHandler func(Event)

type subscription struct {
	id      string
	handler EventHandler
}

// EventBus dispatches events to handlers registered by event type.
type EventBus struct {
	mu   sync.RWMutex
	subs map[EventType][]subscription
}

// NewEventBus creates an empty event bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[EventType][]subscription)}
}

// Subscribe registers a handler for the given event type and returns an
// opaque id for Unsubscribe.
func (b *EventBus) Subscribe(t EventType, h EventHandler) string {
	id := uuid.NewString()

	b.mu.Lock()
	b.subs[t] = append(b.subs[t], subscription{id: id, handler: h})
	b.mu.Unlock()

	return id
}

// Unsubscribe removes the handler registered under id. Unknown ids are
// ignored.
func (b *EventBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, subs := range b.subs {
		for i, sub := range subs {
			if sub.id == id {
				b.subs[t] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers the event to every handler registered for its type, in
// subscription order.
func (b *EventBus) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := b.subs[ev.Type]
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.handler(ev)
	}
}
