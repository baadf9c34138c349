package engine

import (
	"sync/atomic"

	"github.com/satindergrewal/netsource/internal/synth"
)

// FallbackPlayer plays queued segments on the audio callback. Segments are
// rendered and acquired off the callback by the Sequencer and handed over
// through a lock-free ring; the callback releases each one when it finishes.
// When the ring runs dry the player repeats the filler segment if the cache
// already holds it, and plays silence otherwise.
type FallbackPlayer struct {
	cues   *ring[synth.Segment]
	cache  *synth.Cache
	filler synth.Key

	// Callback-only state.
	cur    *synth.Segment
	pos    int
	filled bool // cur came from the cache filler

	pending atomic.Int64 // queued samples not yet played
	playing atomic.Pointer[synth.Segment]
	silence atomic.Uint64
	fills   atomic.Uint64
}

// NewFallbackPlayer creates a player holding up to depth queued segments.
// cache may be nil, which disables the filler.
func NewFallbackPlayer(depth int, cache *synth.Cache, filler synth.Key) *FallbackPlayer {
	return &FallbackPlayer{
		cues:   newRing[synth.Segment](depth),
		cache:  cache,
		filler: filler,
	}
}

// Enqueue hands an acquired segment to the callback. The player takes over
// the reference. It returns false, without taking the reference, when the
// queue is full. Only one goroutine may enqueue.
func (p *FallbackPlayer) Enqueue(seg *synth.Segment) bool {
	if !p.cues.push(seg) {
		return false
	}
	p.pending.Add(int64(len(seg.Samples())))
	return true
}

// PendingSamples returns the queued but unplayed sample count.
func (p *FallbackPlayer) PendingSamples() int64 {
	return p.pending.Load()
}

// Queued returns the number of segments waiting behind the current one.
func (p *FallbackPlayer) Queued() int {
	return p.cues.len()
}

// Playing returns the key of the segment on air, if any.
func (p *FallbackPlayer) Playing() (synth.Key, bool) {
	if seg := p.playing.Load(); seg != nil {
		return seg.Key(), true
	}
	return synth.Key{}, false
}

// SilenceBlocks counts blocks that had to be padded with silence.
func (p *FallbackPlayer) SilenceBlocks() uint64 { return p.silence.Load() }

// FillerBlocks counts blocks that fell back to the filler segment.
func (p *FallbackPlayer) FillerBlocks() uint64 { return p.fills.Load() }

// Read fills dst from the queued segments. Callback only; does not allocate.
func (p *FallbackPlayer) Read(dst []int16) {
	usedFiller, padded := false, false
	for len(dst) > 0 {
		if p.cur == nil {
			if !p.next() {
				clear(dst)
				padded = true
				break
			}
			if p.cur == nil {
				continue
			}
		}
		n := copy(dst, p.cur.Samples()[p.pos:])
		if !p.filled {
			p.pending.Add(-int64(n))
		} else {
			usedFiller = true
		}
		p.pos += n
		dst = dst[n:]
		if p.pos >= len(p.cur.Samples()) {
			p.finish()
		}
	}
	if padded {
		p.silence.Add(1)
	}
	if usedFiller {
		p.fills.Add(1)
	}
}

func (p *FallbackPlayer) next() bool {
	if seg := p.cues.pop(); seg != nil {
		p.start(seg, false)
		return true
	}
	if p.cache == nil {
		return false
	}
	if seg, ok := p.cache.TryGet(p.filler); ok {
		if len(seg.Samples()) == 0 {
			seg.Release()
			return false
		}
		p.start(seg, true)
		return true
	}
	return false
}

func (p *FallbackPlayer) start(seg *synth.Segment, filler bool) {
	p.cur = seg
	p.pos = 0
	p.filled = filler
	p.playing.Store(seg)
	// An empty queued segment finishes immediately.
	if len(seg.Samples()) == 0 {
		p.finish()
	}
}

func (p *FallbackPlayer) finish() {
	p.cur.Release()
	p.cur = nil
	p.pos = 0
	p.playing.Store(nil)
}
