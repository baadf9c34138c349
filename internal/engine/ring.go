package engine

import "sync/atomic"

// ring is a bounded lock-free FIFO of pointers. push must only be called by
// one goroutine at a time; pop may race with other pops. head and tail are
// monotonically increasing, so a stale CAS can never succeed.
type ring[T any] struct {
	buf  []atomic.Pointer[T]
	head atomic.Uint64
	tail atomic.Uint64
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{buf: make([]atomic.Pointer[T], capacity)}
}

func (r *ring[T]) push(v *T) bool {
	t := r.tail.Load()
	if t-r.head.Load() >= uint64(len(r.buf)) {
		return false
	}
	r.buf[t%uint64(len(r.buf))].Store(v)
	r.tail.Store(t + 1)
	return true
}

func (r *ring[T]) pop() *T {
	for {
		h := r.head.Load()
		if h == r.tail.Load() {
			return nil
		}
		v := r.buf[h%uint64(len(r.buf))].Load()
		if r.head.CompareAndSwap(h, h+1) {
			return v
		}
	}
}

func (r *ring[T]) len() int {
	h := r.head.Load()
	t := r.tail.Load()
	if t < h {
		return 0
	}
	return int(t - h)
}

func (r *ring[T]) cap() int {
	return len(r.buf)
}
