package llmcache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_SubscribeEmit(t *testing.T) {
	bus := NewEventBus()

	var got []Event
	bus.Subscribe(EventHit, func(ev Event) {
		got = append(got, ev)
	})

	bus.Emit(Event{Type: EventHit, Key: "k1"})
	bus.Emit(Event{Type: EventMiss, Key: "k2"}) // no handler registered

	require.Len(t, got, 1)
	assert.Equal(t, "k1", got[0].Key)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestEventBus_MultipleHandlers(t *testing.T) {
	bus := NewEventBus()

	calls := 0
	bus.Subscribe(EventSet, func(Event) { calls++ })
	bus.Subscribe(EventSet, func(Event) { calls++ })

	bus.Emit(Event{Type: EventSet})
	assert.Equal(t, 2, calls)
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus()

	calls := 0
	id := bus.Subscribe(EventClear, func(Event) { calls++ })
	keep := 0
	bus.Subscribe(EventClear, func(Event) { keep++ })

	bus.Emit(Event{Type: EventClear})
	bus.Unsubscribe(id)
	bus.Emit(Event{Type: EventClear})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, keep)

	// Unknown ids are ignored.
	bus.Unsubscribe("nope")
}

func TestEventBus_ConcurrentEmit(t *testing.T) {
	bus := NewEventBus()

	var mu sync.Mutex
	count := 0
	bus.Subscribe(EventMiss, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Emit(Event{Type: EventMiss})
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, count)
}
