package engine

import (
	"context"
	"sync/atomic"
	"time"
)

// pollInterval is how often PopWait checks an empty queue. Polling keeps the
// producer side free of channel operations.
const pollInterval = 2 * time.Millisecond

// StreamFrame is one block of finished programme audio on its way to the
// streaming sink. Clock is the sample position of its first frame.
type StreamFrame struct {
	Clock   uint64
	Samples []int16
}

// FrameQueue hands StreamFrames from the audio callback (single producer) to
// the streaming sink (single consumer). It is bounded: when the sink falls
// behind the oldest unsent frame is dropped, never the newest, and the
// producer is never blocked. Frames are recycled through a free list so the
// callback does not allocate.
type FrameQueue struct {
	ready    *ring[StreamFrame]
	free     *ring[StreamFrame]
	capacity int

	pushed  atomic.Uint64
	dropped atomic.Uint64
}

// NewFrameQueue allocates capacity queued frames plus one for each side to
// hold, each with frameSamples interleaved samples.
func NewFrameQueue(capacity, frameSamples int) *FrameQueue {
	if capacity < 1 {
		capacity = 1
	}
	total := capacity + 2
	q := &FrameQueue{
		ready:    newRing[StreamFrame](capacity),
		free:     newRing[StreamFrame](total),
		capacity: capacity,
	}
	for i := 0; i < total; i++ {
		q.free.push(&StreamFrame{Samples: make([]int16, frameSamples)})
	}
	return q
}

// Acquire returns an empty frame for the producer to fill. If the free list
// is exhausted the oldest queued frame is taken over. It returns nil only if
// the consumer is holding every frame.
func (q *FrameQueue) Acquire() *StreamFrame {
	if f := q.free.pop(); f != nil {
		return f
	}
	if f := q.ready.pop(); f != nil {
		q.dropped.Add(1)
		return f
	}
	return nil
}

// Push enqueues a filled frame. If the queue was full the oldest frame is
// dropped and returned so the producer can reuse it; otherwise Push returns nil.
func (q *FrameQueue) Push(f *StreamFrame) (reclaimed *StreamFrame) {
	for !q.ready.push(f) {
		if old := q.ready.pop(); old != nil {
			q.dropped.Add(1)
			reclaimed = old
		}
	}
	q.pushed.Add(1)
	return reclaimed
}

// Pop returns the oldest frame or nil. The consumer must Release it.
func (q *FrameQueue) Pop() *StreamFrame {
	return q.ready.pop()
}

// PopWait waits up to timeout for a frame. It returns nil on timeout or when
// ctx is done.
func (q *FrameQueue) PopWait(ctx context.Context, timeout time.Duration) *StreamFrame {
	if f := q.ready.pop(); f != nil {
		return f
	}
	deadline := time.Now().Add(timeout)
	t := time.NewTimer(pollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if f := q.ready.pop(); f != nil {
			return f
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		t.Reset(min(pollInterval, remaining))
	}
}

// Release returns a consumed frame to the free list.
func (q *FrameQueue) Release(f *StreamFrame) {
	if f != nil {
		q.free.push(f)
	}
}

// Drain releases every queued frame and returns how many were discarded.
func (q *FrameQueue) Drain() int {
	n := 0
	for f := q.ready.pop(); f != nil; f = q.ready.pop() {
		q.Release(f)
		n++
	}
	return n
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int { return q.ready.len() }

// Cap returns the queue bound.
func (q *FrameQueue) Cap() int { return q.capacity }

// Pushed returns the number of frames ever enqueued.
func (q *FrameQueue) Pushed() uint64 { return q.pushed.Load() }

// Dropped returns the number of frames discarded because the sink fell behind.
func (q *FrameQueue) Dropped() uint64 { return q.dropped.Load() }
