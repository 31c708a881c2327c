// Package emit provides the fire-and-forget output channel between the hook
// handlers and the collector.
package emit

import "go.uber.org/atomic"

const DefaultSize = 4096

// Ring is a bounded multi-producer, single-consumer queue of records. Emit
// never blocks: a record that does not fit is dropped and counted.
type Ring[T any] struct {
	ch      chan T
	emitted atomic.Uint64
	dropped atomic.Uint64
}

func NewRing[T any](size int) *Ring[T] {
	if size <= 0 {
		size = DefaultSize
	}
	return &Ring[T]{ch: make(chan T, size)}
}

// Emit copies rec into the ring. It reports false when the ring was full.
func (r *Ring[T]) Emit(rec T) bool {
	select {
	case r.ch <- rec:
		r.emitted.Inc()
		return true
	default:
		r.dropped.Inc()
		return false
	}
}

// C is the consumer side.
func (r *Ring[T]) C() <-chan T { return r.ch }

func (r *Ring[T]) Len() int        { return len(r.ch) }
func (r *Ring[T]) Cap() int        { return cap(r.ch) }
func (r *Ring[T]) Emitted() uint64 { return r.emitted.Load() }
func (r *Ring[T]) Dropped() uint64 { return r.dropped.Load() }
