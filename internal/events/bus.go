package events

import (
	"sync"

	"cockpit/internal/logging"
)

// Bus is the in-process fan-out between subsystems and the WebSocket hub.
// Publishing never blocks: subscribers that fall behind lose events, which is
// acceptable because every broadcast is advisory state the UI can re-fetch.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	logger logging.Logger
}

// NewBus creates an empty bus.
func NewBus(logger logging.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]chan Event),
		logger: logging.OrNop(logger),
	}
}

// Subscribe registers a buffered listener. The cancel function removes the
// subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber without blocking.
func (b *Bus) Publish(eventType string, data map[string]any) {
	b.PublishEvent(New(eventType, data))
}

// PublishEvent delivers a pre-built event to every subscriber.
func (b *Bus) PublishEvent(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("Event subscriber %d is full, dropping %s", id, ev.Type)
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
