package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/mcp-router/pkg/logging"
)

// EventType names a lifecycle transition
type EventType string

const (
	EventConnecting   EventType = "connecting"
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventError        EventType = "error"

	// Health transitions are published on the same bus by the client
	EventHealthy   EventType = "healthy"
	EventUnhealthy EventType = "unhealthy"
)

// Event is one lifecycle transition of a server
type Event struct {
	Type     EventType
	ServerID string
	Err      error
	Time     time.Time
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event and the drop is counted.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID uint64

	dropped atomic.Uint64
	logger  logging.Logger
}

// NewBus creates an event bus
func NewBus(logger logging.Logger) *Bus {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Bus{
		subs:   make(map[uint64]chan Event),
		logger: logger.WithFields(logging.String("component", "events")),
	}
}

// Subscribe returns a channel receiving every event published from now on,
// and a cancel func that unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers e to every subscriber that has room
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			n := b.dropped.Add(1)
			b.logger.Debug("subscriber buffer full, event dropped",
				logging.ServerID(e.ServerID),
				logging.String("event", string(e.Type)),
				logging.Int64("dropped_total", int64(n)),
			)
		}
	}
}

// Dropped returns how many deliveries were skipped for full buffers
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers returns the current subscriber count
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
