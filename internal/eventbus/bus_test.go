package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToTypedAndWildcardSubscribers(t *testing.T) {
	bus := NewInMemoryBus(8)

	var typed, all []EventType
	bus.Subscribe(EventPresenceChanged, func(e *Event) { typed = append(typed, e.Type) })
	bus.SubscribeAll(func(e *Event) { all = append(all, e.Type) })

	bus.Publish(NewEvent(EventPresenceChanged, "test", nil))
	bus.Publish(NewEvent(EventMessagePersisted, "test", nil))

	assert.Equal(t, []EventType{EventPresenceChanged}, typed)
	assert.Equal(t, []EventType{EventPresenceChanged, EventMessagePersisted}, all)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus(8)

	calls := 0
	id := bus.Subscribe(EventConnectionClosed, func(*Event) { calls++ })
	bus.Unsubscribe(id)
	bus.Publish(NewEvent(EventConnectionClosed, "test", nil))

	assert.Zero(t, calls)
}

func TestPublishAsyncPreservesOrder(t *testing.T) {
	bus := NewInMemoryBus(64)
	bus.Start(context.Background())

	var (
		mu   sync.Mutex
		seen []string
	)
	bus.SubscribeAll(func(e *Event) {
		mu.Lock()
		seen = append(seen, e.Metadata["n"])
		mu.Unlock()
	})

	for _, n := range []string{"1", "2", "3"} {
		bus.PublishAsync(NewEvent(EventMessageDelivered, "test", nil).WithMetadata("n", n))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 5*time.Millisecond)

	bus.Stop()
	assert.Equal(t, []string{"1", "2", "3"}, seen)
}

func TestPublishAsyncAfterStopIsDropped(t *testing.T) {
	bus := NewInMemoryBus(1)
	bus.Start(context.Background())
	bus.Stop()

	assert.NotPanics(t, func() {
		bus.PublishAsync(NewEvent(EventConnectionAccepted, "test", nil))
	})
}

func TestPublishAsyncCountsOverflow(t *testing.T) {
	bus := NewInMemoryBus(1)

	bus.PublishAsync(NewEvent(EventConnectionAccepted, "test", nil))
	bus.PublishAsync(NewEvent(EventConnectionAccepted, "test", nil))

	assert.Equal(t, uint64(1), bus.Dropped())
}
