// Package clock provides the sample clock that is the engine's only time base,
// and the anchor used to translate wall-clock schedule times into it.
package clock

import (
	"sync/atomic"
	"time"
)

// SampleClock counts frames rendered since the engine started. Only the audio
// callback advances it; any goroutine may read it.
type SampleClock struct {
	n    atomic.Uint64
	rate int
}

// New returns a clock at zero for the given sample rate.
func New(rate int) *SampleClock {
	return &SampleClock{rate: rate}
}

// Now returns the current sample position.
func (c *SampleClock) Now() uint64 {
	return c.n.Load()
}

// Advance moves the clock forward by frames and returns the position of the
// first frame of the block.
func (c *SampleClock) Advance(frames int) uint64 {
	return c.n.Add(uint64(frames)) - uint64(frames)
}

// Rate returns the sample rate the clock counts in.
func (c *SampleClock) Rate() int {
	return c.rate
}

// Anchor pairs the current sample position with the current wall time.
func (c *SampleClock) Anchor() Anchor {
	return Anchor{Sample: c.Now(), Wall: time.Now(), Rate: c.rate}
}

// Samples converts a duration to a sample count at rate, rounding down.
func Samples(d time.Duration, rate int) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d / time.Microsecond * time.Duration(rate) / 1_000_000)
}

// Duration converts a sample count at rate to a duration.
func Duration(samples uint64, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	sec := samples / uint64(rate)
	rem := samples % uint64(rate)
	return time.Duration(sec)*time.Second + time.Duration(rem)*time.Second/time.Duration(rate)
}

// Anchor maps wall-clock instants onto the sample timeline. It assumes the
// device runs at its nominal rate; callers refresh it periodically to absorb
// drift between the audio clock and the system clock.
type Anchor struct {
	Sample uint64
	Wall   time.Time
	Rate   int
}

// SampleAt returns the sample position of wall time t. Instants before the
// engine started map to zero.
func (a Anchor) SampleAt(t time.Time) uint64 {
	d := t.Sub(a.Wall)
	if d >= 0 {
		return a.Sample + Samples(d, a.Rate)
	}
	back := Samples(-d, a.Rate)
	if back > a.Sample {
		return 0
	}
	return a.Sample - back
}

// TimeAt returns the wall time of sample position s.
func (a Anchor) TimeAt(s uint64) time.Time {
	if s >= a.Sample {
		return a.Wall.Add(Duration(s-a.Sample, a.Rate))
	}
	return a.Wall.Add(-Duration(a.Sample-s, a.Rate))
}
