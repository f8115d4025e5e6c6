// Package bus is the in-process event bus decoupling the provider adapter,
// the sync engine, the outbox dispatcher and the change relay. Delivery is
// best-effort: a subscriber that falls behind loses events rather than
// backpressuring the publisher, so anything durable must be read back from
// the store, never reconstructed from the bus.
package bus

import (
	"strings"
	"sync"
)

// Bus fans events out to subscribers by namespace prefix.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[int]*subscriber
}

type subscriber struct {
	prefix string
	ch     chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Publish delivers evt to every subscriber whose prefix matches evt.Kind.
// Never blocks: a full subscriber channel drops the event.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// Subscribe registers a subscriber for all kinds starting with prefix and
// returns its channel plus an unsubscribe function. bufSize is the slack
// the subscriber gets before Publish starts dropping on it.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscriber{prefix: prefix, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
