// Package ringbuffer implements a fixed-capacity, power-of-two,
// single-producer-single-consumer ring buffer with cache-line-padded atomic
// head/tail counters. Grounded on spec section 9's design note and the
// origin's include/kimp/memory/ring_buffer.hpp, which this repository's
// teacher has no direct equivalent of — the teacher pools objects via
// sync.Pool but never implements a lock-free queue, so this package is
// built from the C++ origin's design translated into Go's memory model
// (atomic.Load/Store with acquire/release semantics instead of
// std::atomic<T> with explicit memory_order).
package ringbuffer

import "sync/atomic"

// cacheLinePad is sized to push the producer's tail counter and the
// consumer's head counter onto separate cache lines, avoiding false sharing
// between the two threads that own them.
type cacheLinePad [64 - 8]byte

// RingBuffer[T] is a bounded SPSC queue. Exactly one goroutine may call
// Push; exactly one (possibly different) goroutine may call Pop.
type RingBuffer[T any] struct {
	mask uint64

	_    cacheLinePad
	head uint64 // consumer-owned read index

	_    cacheLinePad
	tail uint64 // producer-owned write index

	_    cacheLinePad
	buf  []T
}

// New builds a ring buffer whose capacity is rounded up to the next
// power of two (minimum 2).
func New[T any](capacity int) *RingBuffer[T] {
	c := 2
	for c < capacity {
		c <<= 1
	}
	return &RingBuffer[T]{
		mask: uint64(c - 1),
		buf:  make([]T, c),
	}
}

// Push attempts to enqueue v. Returns false if the buffer is full; the
// producer must decide whether to drop, overwrite, or apply backpressure.
func (r *RingBuffer[T]) Push(v T) bool {
	tail := atomic.LoadUint64(&r.tail)
	head := atomic.LoadUint64(&r.head) // acquire: see consumer's latest progress
	if tail-head >= uint64(len(r.buf)) {
		return false
	}
	r.buf[tail&r.mask] = v
	atomic.StoreUint64(&r.tail, tail+1) // release: publish the written slot
	return true
}

// Pop attempts to dequeue one value. Returns false if the buffer is empty.
func (r *RingBuffer[T]) Pop() (T, bool) {
	head := atomic.LoadUint64(&r.head)
	tail := atomic.LoadUint64(&r.tail) // acquire: see producer's latest publish
	if head >= tail {
		var zero T
		return zero, false
	}
	v := r.buf[head&r.mask]
	atomic.StoreUint64(&r.head, head+1) // release: free the slot for reuse
	return v, true
}

// Len returns an approximate occupancy; exact only when called from a
// thread that is neither the producer nor the consumer.
func (r *RingBuffer[T]) Len() int {
	return int(atomic.LoadUint64(&r.tail) - atomic.LoadUint64(&r.head))
}

// Cap returns the buffer's fixed capacity.
func (r *RingBuffer[T]) Cap() int {
	return len(r.buf)
}
