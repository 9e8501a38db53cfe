package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event types emitted by the location engine.
const (
	TypeModeChange    = "mode_change"
	TypeMotionChange  = "motion_change"
	TypeGPSError      = "gps_error"
	TypeGPSWatchStart = "gps_watch_start"
	TypeGPSWatchStop  = "gps_watch_stop"
	TypeGPSPosition   = "gps_position"
	TypeGPSStale      = "gps_stale"
)

// Event is a single notification delivered to subscribers.
type Event struct {
	Type string    `json:"type"`
	Data any       `json:"data,omitempty"`
	At   time.Time `json:"at"`
}

// Bus fans events out to subscriber channels. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	subs   map[int]chan Event
	nextID int
	closed bool
	mu     sync.RWMutex
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[int]chan Event),
	}
}

// Subscribe registers a new subscriber with the given channel buffer. The
// returned cancel func unsubscribes and closes the channel; it is safe to
// call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish delivers ev to every subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("event subscriber buffer full, dropping event", "type", ev.Type)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
