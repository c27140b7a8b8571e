// Package notify delivers events to any number of subscribers over channels.
//
// Publishers never block: an event is dropped for a subscriber whose buffer
// is full, and the drop is counted. This keeps the commit pipeline and
// background downloads independent of how fast listeners drain.
package notify

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the subscription buffer used when Subscribe gets size <= 0.
const DefaultBuffer = 64

type subscription[T any] struct {
	id int64
	ch chan T
}

// Hub fans events of type T out to subscribers.
// The zero value is ready to use.
type Hub[T any] struct {
	mu      sync.RWMutex
	nextID  int64
	subs    []*subscription[T]
	closed  bool
	dropped atomic.Int64
}

// Subscribe returns a channel receiving every event published after the call,
// and a cancel function that unsubscribes and closes the channel.
// Cancel is safe to call more than once.
func (h *Hub[T]) Subscribe(size int) (<-chan T, func()) {
	if size <= 0 {
		size = DefaultBuffer
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan T, size)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	h.nextID++
	sub := &subscription[T]{id: h.nextID, ch: ch}
	h.subs = append(h.subs, sub)

	var once sync.Once
	return ch, func() {
		once.Do(func() { h.unsubscribe(sub.id) })
	}
}

func (h *Hub[T]) unsubscribe(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, sub := range h.subs {
		if sub.id == id {
			close(sub.ch)
			h.subs = append(h.subs[:i], h.subs[i+1:]...)
			return
		}
	}
}

// Publish sends ev to every subscriber without blocking.
func (h *Hub[T]) Publish(ev T) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub[T]) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (h *Hub[T]) Dropped() int64 {
	return h.dropped.Load()
}

// Close closes every subscription channel. Later subscriptions receive a
// closed channel and later publishes are no-ops.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for _, sub := range h.subs {
		close(sub.ch)
	}
	h.subs = nil
}
