package schedule

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/satindergrewal/netsource/internal/audio"
	"github.com/satindergrewal/netsource/internal/clock"
)

// Phase is the state of the live programme.
type Phase uint32

const (
	PhaseIdle Phase = iota
	PhaseFadingIn
	PhaseLive
	PhaseFadingOut
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFadingIn:
		return "fading_in"
	case PhaseLive:
		return "live"
	case PhaseFadingOut:
		return "fading_out"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// slot is an event compiled onto the sample timeline.
type slot struct {
	event     Event
	start     uint64
	fadeOutAt uint64
	fadeIn    uint64
	fadeOut   uint64
}

// snapshot is immutable once published.
type snapshot struct {
	slots   []slot
	enabled bool
}

// Gains is the envelope pair at one sample. Live + Local is always 1.
type Gains struct {
	Live  float32 `json:"live"`
	Local float32 `json:"local"`
}

// Status is the operator view of the scheduler.
type Status struct {
	Phase      Phase   `json:"phase"`
	LiveGain   float32 `json:"live_gain"`
	Automation bool    `json:"automation"`
	Active     *Event  `json:"active,omitempty"`
	Next       *Event  `json:"next,omitempty"`
}

// Scheduler owns the schedule. Submit, SetEnabled and Resync are called from
// control goroutines; Fill and GainAt belong to the audio callback alone and
// only ever read a complete snapshot.
type Scheduler struct {
	rate int
	snap atomic.Pointer[snapshot]

	mu      sync.Mutex
	events  []Event
	enabled bool
	anchor  clock.Anchor

	rt rtState

	phase    atomic.Uint32
	gainBits atomic.Uint32
	active   atomic.Pointer[slot]
}

// New creates a scheduler with automation enabled and no events.
func New(rate int) *Scheduler {
	s := &Scheduler{rate: rate, enabled: true}
	s.snap.Store(&snapshot{enabled: true})
	return s
}

// Submit replaces the schedule. Invalid or overlapping events are rejected
// and the running schedule is left untouched.
func (s *Scheduler) Submit(events []Event, anchor clock.Anchor) error {
	normalized, err := Normalize(events)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = normalized
	s.anchor = anchor
	s.publishLocked()
	return nil
}

// Resync re-maps the schedule with a fresh wall/sample anchor.
func (s *Scheduler) Resync(anchor clock.Anchor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anchor = anchor
	s.publishLocked()
}

// SetEnabled turns automation on or off. Disabling fades out any live
// programme and holds the fallback until re-enabled.
func (s *Scheduler) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
	s.publishLocked()
}

// Enabled reports whether automation is on.
func (s *Scheduler) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Events returns a copy of the accepted schedule.
func (s *Scheduler) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Next returns the first event starting after now.
func (s *Scheduler) Next(now time.Time) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.Start.After(now) {
			return e, true
		}
	}
	return Event{}, false
}

func (s *Scheduler) publishLocked() {
	a := s.anchor
	slots := make([]slot, 0, len(s.events))
	for _, e := range s.events {
		end := a.SampleAt(e.End)
		if a.Rate > 0 && end <= a.Sample {
			continue
		}
		start := a.SampleAt(e.Start)
		fadeOut := clock.Samples(e.FadeOut, s.rate)
		fadeOutAt := start
		if end-start > fadeOut {
			fadeOutAt = end - fadeOut
		}
		slots = append(slots, slot{
			event:     e,
			start:     start,
			fadeOutAt: fadeOutAt,
			fadeIn:    clock.Samples(e.FadeIn, s.rate),
			fadeOut:   fadeOut,
		})
	}
	s.snap.Store(&snapshot{slots: slots, enabled: s.enabled})
}

// Fill writes the live gain for each frame of a block starting at sample
// start. It does not allocate or lock.
func (s *Scheduler) Fill(start uint64, gains []float32) {
	s.rt.sync(s.snap.Load(), start)
	for i := range gains {
		gains[i] = float32(s.rt.step(start + uint64(i)))
	}
	s.publishStatus()
}

// GainAt advances the state machine to sample t and returns both envelopes.
// Like Fill it must only be called from the audio goroutine with
// non-decreasing t.
func (s *Scheduler) GainAt(t uint64) Gains {
	s.rt.sync(s.snap.Load(), t)
	live := float32(s.rt.step(t))
	s.publishStatus()
	return Gains{Live: live, Local: audio.Complement(live)}
}

func (s *Scheduler) publishStatus() {
	s.phase.Store(uint32(s.rt.phase))
	s.gainBits.Store(math.Float32bits(float32(s.rt.gain)))
	s.active.Store(s.rt.cur)
}

// Phase returns the phase as of the last processed block.
func (s *Scheduler) Phase() Phase {
	return Phase(s.phase.Load())
}

// Gains returns the envelopes as of the last processed block.
func (s *Scheduler) Gains() Gains {
	live := math.Float32frombits(s.gainBits.Load())
	return Gains{Live: live, Local: audio.Complement(live)}
}

// Status returns the phase, gain and programmes around now.
func (s *Scheduler) Status(now time.Time) Status {
	st := Status{
		Phase:      s.Phase(),
		LiveGain:   s.Gains().Live,
		Automation: s.Enabled(),
	}
	if sl := s.active.Load(); sl != nil {
		ev := sl.event
		st.Active = &ev
	}
	if next, ok := s.Next(now); ok {
		st.Next = &next
	}
	return st
}

// rtState is touched only by the audio callback.
type rtState struct {
	snap   *snapshot
	cursor int
	cur    *slot

	phase     Phase
	gain      float64
	from      float64
	fadeStart uint64
	fadeLen   uint64
}

// sync adopts a newly published snapshot. A programme that disappeared from
// the schedule, or every programme when automation is off, fades out from
// its current gain so the envelope stays continuous.
func (rt *rtState) sync(snap *snapshot, t uint64) {
	if snap == rt.snap {
		return
	}
	rt.snap = snap
	rt.cursor = 0

	if rt.cur == nil {
		return
	}
	var next *slot
	if snap.enabled {
		for i := range snap.slots {
			if snap.slots[i].event.ID == rt.cur.event.ID {
				next = &snap.slots[i]
				break
			}
		}
	}
	if next != nil {
		rt.cur = next
		return
	}
	if rt.phase == PhaseFadingIn || rt.phase == PhaseLive {
		rt.begin(PhaseFadingOut, t, rt.gain, rt.cur.fadeOut)
	}
}

func (rt *rtState) begin(p Phase, t uint64, from float64, length uint64) {
	rt.phase = p
	rt.from = from
	rt.fadeStart = t
	rt.fadeLen = length
}

func (rt *rtState) progress(t uint64) float64 {
	if rt.fadeLen == 0 {
		return 1
	}
	if t <= rt.fadeStart {
		return 0
	}
	return float64(t-rt.fadeStart) / float64(rt.fadeLen)
}

// candidate returns the programme that should be on air at t, if any.
func (rt *rtState) candidate(t uint64) *slot {
	if rt.snap == nil || !rt.snap.enabled {
		return nil
	}
	slots := rt.snap.slots
	for rt.cursor < len(slots) && slots[rt.cursor].fadeOutAt <= t {
		rt.cursor++
	}
	if rt.cursor < len(slots) && slots[rt.cursor].start <= t {
		return &slots[rt.cursor]
	}
	return nil
}

// step advances the state machine to sample t and returns the live gain.
func (rt *rtState) step(t uint64) float64 {
	for {
		switch rt.phase {
		case PhaseIdle:
			c := rt.candidate(t)
			if c == nil {
				rt.gain = 0
				return 0
			}
			// A late start (engine started mid-programme, or deferred behind
			// a fade-out) fades in from now, never past the fade-out point.
			rt.cur = c
			rt.begin(PhaseFadingIn, t, rt.gain, min(c.fadeIn, c.fadeOutAt-t))
		case PhaseFadingIn:
			if t >= rt.cur.fadeOutAt {
				rt.begin(PhaseFadingOut, t, rt.gain, rt.cur.fadeOut)
				continue
			}
			p := rt.progress(t)
			if p >= 1 {
				rt.phase = PhaseLive
				continue
			}
			rt.gain = audio.FadeIn(rt.from, p)
			return rt.gain
		case PhaseLive:
			if t >= rt.cur.fadeOutAt {
				rt.begin(PhaseFadingOut, t, 1, rt.cur.fadeOut)
				continue
			}
			rt.gain = 1
			return 1
		case PhaseFadingOut:
			p := rt.progress(t)
			if p >= 1 {
				rt.phase = PhaseIdle
				rt.cur = nil
				rt.gain = 0
				continue
			}
			rt.gain = audio.FadeOut(rt.from, p)
			return rt.gain
		default:
			rt.phase = PhaseIdle
		}
	}
}
