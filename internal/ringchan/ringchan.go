// Package ringchan provides a bounded channel whose producers never block:
// when the buffer is full the oldest element is discarded.
package ringchan

import "sync/atomic"

// RingChannel wraps a buffered channel with overwrite-oldest semantics.
// Consumers read from C like any other channel.
type RingChannel[T any] struct {
	ch          chan T
	written     atomic.Int64
	overwritten atomic.Int64
}

// New creates a RingChannel holding at most capacity elements.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// ForceSend inserts v, dropping the oldest element if the buffer is full.
// It reports whether something was dropped. With a single producer it never
// blocks; concurrent producers must serialize their sends.
func (rc *RingChannel[T]) ForceSend(v T) bool {
	select {
	case rc.ch <- v:
		rc.written.Add(1)
		return false
	default:
	}

	dropped := false
	select {
	case <-rc.ch:
		rc.overwritten.Add(1)
		dropped = true
	default:
	}
	rc.ch <- v
	rc.written.Add(1)
	return dropped
}

// TryReceive returns the next element without blocking.
func (rc *RingChannel[T]) TryReceive() (T, bool) {
	select {
	case v, ok := <-rc.ch:
		return v, ok
	default:
		var zero T
		return zero, false
	}
}

func (rc *RingChannel[T]) Len() int { return len(rc.ch) }
func (rc *RingChannel[T]) Cap() int { return cap(rc.ch) }

// Close closes the underlying channel. Sending afterwards panics.
func (rc *RingChannel[T]) Close() {
	close(rc.ch)
}

// Metrics counts sends since creation.
type Metrics struct {
	Written     int64
	Overwritten int64
}

func (rc *RingChannel[T]) Metrics() Metrics {
	return Metrics{
		Written:     rc.written.Load(),
		Overwritten: rc.overwritten.Load(),
	}
}
