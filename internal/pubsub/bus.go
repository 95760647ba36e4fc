// Package pubsub provides a small in-process broadcast bus. The publisher
// fans fused records out to it so the SSE surface and tests can tap the
// stream without touching Redis.
package pubsub

import (
	"sync"

	"github.com/rs/xid"
)

// DefaultBuffer is the per-subscriber channel depth. Slow subscribers
// drop messages rather than stalling the publisher.
const DefaultBuffer = 64

// Bus broadcasts values of one type to any number of subscribers. The
// zero value is not usable: construct with New.
type Bus[T any] struct {
	mu          sync.Mutex
	subscribers map[string]chan T
	buffer      int
	closed      bool
	dropped     uint64
}

// New creates a Bus with the given per-subscriber buffer depth; depth <= 0
// falls back to DefaultBuffer.
func New[T any](buffer int) *Bus[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus[T]{
		subscribers: make(map[string]chan T),
		buffer:      buffer,
	}
}

// Subscribe registers a new receive channel and returns its id for
// Unsubscribe. The channel is closed by Unsubscribe or Close.
func (b *Bus[T]) Subscribe() (string, <-chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := xid.New().String()
	ch := make(chan T, b.buffer)
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Bus[T]) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Publish delivers v to every subscriber without blocking: a subscriber
// whose buffer is full misses this value.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- v:
		default:
			b.dropped++
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Bus[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Dropped returns how many deliveries were skipped on full buffers.
func (b *Bus[T]) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close closes every subscriber channel; further publishes are no-ops.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}
