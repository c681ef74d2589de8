// Package events provides a bounded overwrite-oldest event channel used to
// fan registry state transitions out to observers without ever blocking the
// component that emits them.
package events

import (
	"sync"
	"sync/atomic"
)

// Ring is a bounded channel-like buffer with overwrite-oldest semantics.
// Publishers never block: when the buffer is full the oldest event is
// discarded so a slow or absent observer cannot stall state transitions.
type Ring[T any] struct {
	mu      sync.Mutex
	ch      chan T
	closed  bool
	dropped atomic.Int64
}

// NewRing creates a Ring with the given capacity.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("events: ring capacity must be > 0")
	}
	return &Ring[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. Consumers can range over it until Close.
func (r *Ring[T]) C() <-chan T {
	return r.ch
}

// Publish inserts an event, discarding the oldest one if the buffer is
// full. It never blocks and reports whether an event was dropped. After
// Close the event itself is dropped: late publishers during shutdown must
// not bring the process down.
func (r *Ring[T]) Publish(v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		r.dropped.Add(1)
		return true
	}

	select {
	case r.ch <- v:
		return false
	default:
	}

	dropped := false
	select {
	case <-r.ch:
		r.dropped.Add(1)
		dropped = true
	default:
	}
	r.ch <- v
	return dropped
}

// Dropped returns how many events were discarded to make room.
func (r *Ring[T]) Dropped() int64 {
	return r.dropped.Load()
}

// Len returns the number of buffered events.
func (r *Ring[T]) Len() int {
	return len(r.ch)
}

// Close closes the channel. Safe to call once; Publish afterwards is a
// silent drop.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.ch)
}
