// Package stream is the local monitor: it lets operators hear exactly what is
// being sent to the streaming server, over plain HTTP (MP3) or WebRTC (Opus).
// Programme frames arrive from the sink's tap and are fanned out to every
// connected listener. Slow listeners lose frames; nothing upstream waits.
package stream

import (
	"context"
	"slices"
	"sync"
)

// Broadcaster fans out PCM frames from one source to N listeners.
type Broadcaster struct {
	mu        sync.RWMutex
	listeners map[*Listener]struct{}
	depth     int
}

// Listener receives PCM frames from the broadcaster.
type Listener struct {
	C    chan []int16 // buffered channel of programme frames
	done chan struct{}
	once sync.Once
}

// Done is closed when the listener is unsubscribed.
func (l *Listener) Done() <-chan struct{} { return l.done }

// NewBroadcaster creates a broadcaster whose listeners buffer depth frames.
func NewBroadcaster(depth int) *Broadcaster {
	if depth < 1 {
		depth = 150 // ~3 seconds of 20ms frames
	}
	return &Broadcaster{
		listeners: make(map[*Listener]struct{}),
		depth:     depth,
	}
}

// Subscribe registers a new listener. Returns a Listener that receives frames.
func (b *Broadcaster) Subscribe() *Listener {
	l := &Listener{
		C:    make(chan []int16, b.depth),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.listeners[l] = struct{}{}
	b.mu.Unlock()
	return l
}

// Unsubscribe removes a listener and signals it to stop. It is safe to call
// more than once.
func (b *Broadcaster) Unsubscribe(l *Listener) {
	b.mu.Lock()
	delete(b.listeners, l)
	b.mu.Unlock()
	l.once.Do(func() { close(l.done) })
}

// ListenerCount returns the number of active listeners.
func (b *Broadcaster) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Feed returns a tap that copies frames into source without blocking. Frames
// are skipped while nobody is listening or when source is full.
func (b *Broadcaster) Feed(source chan<- []int16) func([]int16) {
	return func(frame []int16) {
		if b.ListenerCount() == 0 {
			return
		}
		select {
		case source <- slices.Clone(frame):
		default:
		}
	}
}

// Run reads frames from source and fans out to all listeners.
// Slow listeners get frames dropped rather than blocking the broadcast.
func (b *Broadcaster) Run(ctx context.Context, source <-chan []int16) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-source:
			if !ok {
				return
			}
			b.mu.RLock()
			for l := range b.listeners {
				select {
				case l.C <- frame:
				default:
				}
			}
			b.mu.RUnlock()
		}
	}
}
