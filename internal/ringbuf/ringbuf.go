// Package ringbuf provides a bounded drop-oldest ring buffer used as the
// publish buffer in front of the Kafka producer: when the broker is slow or
// down, fresh records evict the oldest instead of blocking the pipeline.
package ringbuf

import "sync"

// Ring is a bounded FIFO with drop-oldest overflow. Eviction moves both
// head and tail together, so a mutex guards the indices; operations stay
// O(1). Size is rounded up to a power of two for bitwise modulo.
type Ring[T any] struct {
	mu   sync.Mutex
	buf  []T
	mask uint64
	head uint64 // next write position
	tail uint64 // next read position

	overflow uint64
}

// New creates a ring buffer. capacity is rounded up to the next power of
// two, minimum 2.
func New[T any](capacity int) *Ring[T] {
	cap := nextPow2(capacity)
	if cap < 2 {
		cap = 2
	}
	return &Ring[T]{
		buf:  make([]T, cap),
		mask: uint64(cap - 1),
	}
}

// Push appends a value. When the buffer is full the OLDEST entry is evicted
// so fresh data survives an outage; the return value reports whether an
// eviction happened.
func (r *Ring[T]) Push(v T) (evicted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.head-r.tail >= uint64(len(r.buf)) {
		r.tail++
		r.overflow++
		evicted = true
	}
	r.buf[r.head&r.mask] = v
	r.head++
	return evicted
}

// Pop retrieves the next value. Returns false if the buffer is empty.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tail >= r.head {
		return zero, false
	}
	v := r.buf[r.tail&r.mask]
	r.buf[r.tail&r.mask] = zero // release reference for GC
	r.tail++
	return v, true
}

// Len returns the current number of buffered items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.head - r.tail)
}

// Cap returns the buffer capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Overflow returns the total number of evicted entries.
func (r *Ring[T]) Overflow() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overflow
}

// nextPow2 returns the smallest power of 2 >= n.
func nextPow2(n int) int {
	if n <= 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
