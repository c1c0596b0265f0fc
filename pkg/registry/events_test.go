package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	bus.Publish(Event{Type: EventConnecting, ServerID: "a"})
	bus.Publish(Event{Type: EventConnected, ServerID: "a"})

	first, second := <-ch, <-ch
	assert.Equal(t, EventConnecting, first.Type)
	assert.Equal(t, EventConnected, second.Type)
	assert.False(t, first.Time.IsZero())
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := NewBus(nil)
	slow, cancelSlow := bus.Subscribe(1)
	defer cancelSlow()
	fast, cancelFast := bus.Subscribe(8)
	defer cancelFast()

	for i := 0; i < 3; i++ {
		bus.Publish(Event{Type: EventError, ServerID: "a"})
	}

	assert.Len(t, slow, 1)
	assert.Len(t, fast, 3)
	assert.Equal(t, uint64(2), bus.Dropped())
}

func TestBusCancel(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.Subscribe(1)
	assert.Equal(t, 1, bus.Subscribers())

	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, bus.Subscribers())

	// Publishing after cancel must not panic
	bus.Publish(Event{Type: EventConnected, ServerID: "a"})
}
