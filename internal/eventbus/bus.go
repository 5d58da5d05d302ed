// Package eventbus fans connection lifecycle events out to subscribers
// (command handlers printing reconnect progress, tests observing state
// transitions).
package eventbus

import (
	"sync"
	"time"
)

// Event types published on the bus.
const (
	ConnectionConnected    = "connection.connected"
	ConnectionDisconnected = "connection.disconnected"
	ConnectionReconnecting = "connection.reconnecting"
	ConnectionState        = "connection.state"
	PoolEvicted            = "pool.evicted"
)

// Event is a single message on the bus.
type Event struct {
	Type      string    `json:"type"`
	Endpoint  string    `json:"endpoint,omitempty"`
	State     string    `json:"state,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// Bus is a fan-out pub/sub event bus. Subscribers receive events on a
// buffered channel; slow subscribers are dropped (non-blocking publish).
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]map[string]bool // channel → subscribed types (nil = all)
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{subs: make(map[chan Event]map[string]bool)}
}

// Subscribe returns a channel receiving events matching the given types, or
// all events when none are given. The channel is buffered (64).
func (b *Bus) Subscribe(types ...string) chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(types) == 0 {
		b.subs[ch] = nil
	} else {
		filter := make(map[string]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
		b.subs[ch] = filter
	}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish sends an event to all matching subscribers without blocking; a
// full subscriber buffer drops the event for that subscriber only.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, filter := range b.subs {
		if filter != nil && !filter[e.Type] {
			continue
		}
		select {
		case ch <- e:
		default:
		}
	}
}

// Close unsubscribes all subscribers and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}
