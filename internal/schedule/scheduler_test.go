package schedule

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satindergrewal/netsource/internal/clock"
)

// A low rate keeps the sample-by-sample walks short.
const testRate = 1000

var wall0 = time.Date(2026, 10, 25, 19, 0, 0, 0, time.UTC)

func anchorAt(sample uint64) clock.Anchor {
	return clock.Anchor{Sample: sample, Wall: wall0.Add(clock.Duration(sample, testRate)), Rate: testRate}
}

func sec(n float64) uint64 {
	return uint64(n * testRate)
}

func event(id string, startSec, endSec float64, fade time.Duration) Event {
	return Event{
		ID:      id,
		Source:  "studio",
		Start:   wall0.Add(time.Duration(startSec * float64(time.Second))),
		End:     wall0.Add(time.Duration(endSec * float64(time.Second))),
		FadeIn:  fade,
		FadeOut: fade,
	}
}

type trace struct {
	gains  []float32
	phases []Phase
	ids    []string
}

// run drives the scheduler sample by sample over [from, to).
func run(s *Scheduler, from, to uint64, tr *trace) {
	for t := from; t < to; t++ {
		g := s.GainAt(t)
		tr.gains = append(tr.gains, g.Live)
		tr.phases = append(tr.phases, s.Phase())
		id := ""
		if sl := s.active.Load(); sl != nil {
			id = sl.event.ID
		}
		tr.ids = append(tr.ids, id)
	}
}

func assertContinuous(t *testing.T, gains []float32, eps float64) {
	t.Helper()
	for i := 1; i < len(gains); i++ {
		if d := math.Abs(float64(gains[i] - gains[i-1])); d > eps {
			t.Fatalf("gain jumps %.5f between samples %d and %d (%v -> %v)", d, i-1, i, gains[i-1], gains[i])
		}
	}
}

func TestEndToEndProgramme(t *testing.T) {
	s := New(testRate)
	require.NoError(t, s.Submit([]Event{event("news", 10, 310, 3*time.Second)}, anchorAt(0)))

	var tr trace
	run(s, 0, sec(320), &tr)

	at := func(secs float64) int { return int(sec(secs)) }

	assert.Equal(t, PhaseFadingIn, tr.phases[at(10)])
	assert.Equal(t, float32(0), tr.gains[at(10)], "local gain is 1.0 at T")
	assert.Equal(t, PhaseLive, tr.phases[at(13)])
	assert.Equal(t, float32(1), tr.gains[at(13)], "live gain reaches 1.0 at T+3s")
	assert.Equal(t, PhaseLive, tr.phases[at(307)-1])
	assert.Equal(t, PhaseFadingOut, tr.phases[at(307)], "fade-out begins at T+297s")
	assert.Equal(t, float32(1), tr.gains[at(307)])
	assert.Equal(t, PhaseIdle, tr.phases[at(310)])
	assert.Equal(t, float32(0), tr.gains[at(310)], "live gain back to 0.0 at T+300s")

	// Midpoint crossing.
	assert.InDelta(t, 0.5, tr.gains[at(11.5)], 1e-6)
	assert.InDelta(t, 0.5, tr.gains[at(308.5)], 1e-6)

	assertContinuous(t, tr.gains, 1.0/1000)

	// Monotonic within each fade.
	for i := at(10) + 1; i < at(13); i++ {
		require.GreaterOrEqual(t, tr.gains[i], tr.gains[i-1])
	}
	for i := at(307) + 1; i < at(310); i++ {
		require.LessOrEqual(t, tr.gains[i], tr.gains[i-1])
	}
}

func TestGainsNeverExceedOne(t *testing.T) {
	s := New(testRate)
	require.NoError(t, s.Submit([]Event{
		event("a", 1, 5, 1500*time.Millisecond),
		event("b", 5, 9, 2*time.Second),
		event("c", 9.5, 12, 0),
	}, anchorAt(0)))

	for t0 := uint64(0); t0 < sec(15); t0++ {
		g := s.GainAt(t0)
		require.LessOrEqual(t, float64(g.Live+g.Local), 1.0+1e-6)
		require.GreaterOrEqual(t, g.Live, float32(0))
		require.GreaterOrEqual(t, g.Local, float32(0))
	}
}

func TestBackToBackProgrammesStayContinuous(t *testing.T) {
	s := New(testRate)
	require.NoError(t, s.Submit([]Event{
		event("a", 1, 5, time.Second),
		event("b", 5, 9, time.Second),
	}, anchorAt(0)))

	var tr trace
	run(s, 0, sec(10), &tr)
	assertContinuous(t, tr.gains, 2.0/1000)
	assert.Equal(t, "a", tr.ids[sec(4.5)])
	assert.Equal(t, "b", tr.ids[sec(5)])
}

func TestConflictingSubmissionStaysIdle(t *testing.T) {
	s := New(testRate)
	err := s.Submit([]Event{
		event("first", 10, 60, time.Second),
		event("second", 30, 90, time.Second),
	}, anchorAt(0))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrScheduleConflict)
	var ce *ConflictError
	require.True(t, errors.As(err, &ce))
	require.Len(t, ce.Conflicts, 1)
	assert.Equal(t, "first", ce.Conflicts[0].First.ID)
	assert.Equal(t, "second", ce.Conflicts[0].Second.ID)

	for t0 := uint64(0); t0 < sec(100); t0 += 7 {
		g := s.GainAt(t0)
		require.Equal(t, PhaseIdle, s.Phase())
		require.Equal(t, float32(0), g.Live)
	}
}

func TestConflictKeepsRunningSchedule(t *testing.T) {
	s := New(testRate)
	require.NoError(t, s.Submit([]Event{event("keep", 10, 60, time.Second)}, anchorAt(0)))

	err := s.Submit([]Event{event("x", 10, 60, 0), event("y", 20, 30, 0)}, anchorAt(0))
	require.ErrorIs(t, err, ErrScheduleConflict)

	events := s.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "keep", events[0].ID)
}

func TestLateJoinFadesInFromNow(t *testing.T) {
	s := New(testRate)
	// The engine is already 30s into a programme that started at 10s.
	require.NoError(t, s.Submit([]Event{event("late", 10, 100, 2*time.Second)}, anchorAt(sec(30))))

	var tr trace
	run(s, sec(30), sec(33), &tr)
	assert.Equal(t, PhaseFadingIn, tr.phases[0])
	assert.Equal(t, float32(0), tr.gains[0])
	assert.Equal(t, PhaseLive, tr.phases[sec(2)])
	assertContinuous(t, tr.gains, 1.0/1000)
}

func TestNewProgrammeDefersBehindFadeOut(t *testing.T) {
	s := New(testRate)
	require.NoError(t, s.Submit([]Event{event("a", 10, 100, 3*time.Second)}, anchorAt(0)))

	var tr trace
	run(s, 0, sec(50), &tr)
	require.Equal(t, PhaseLive, s.Phase())

	// Replace a with b starting 1s from now: a must finish fading out (3s)
	// before b may begin its fade-in.
	require.NoError(t, s.Submit([]Event{event("b", 51, 200, 3*time.Second)}, anchorAt(sec(50))))
	run(s, sec(50), sec(60), &tr)

	assert.Equal(t, PhaseFadingOut, tr.phases[sec(52)])
	assert.Equal(t, "a", tr.ids[sec(52)])
	assert.Equal(t, PhaseFadingIn, tr.phases[sec(53)])
	assert.Equal(t, "b", tr.ids[sec(53)])
	assert.Equal(t, PhaseLive, tr.phases[sec(56)])
	assertContinuous(t, tr.gains, 1.0/1000)
}

func TestDisablingAutomationFadesOut(t *testing.T) {
	s := New(testRate)
	require.NoError(t, s.Submit([]Event{event("show", 1, 100, 2*time.Second)}, anchorAt(0)))

	var tr trace
	run(s, 0, sec(10), &tr)
	require.Equal(t, PhaseLive, s.Phase())

	s.SetEnabled(false)
	assert.False(t, s.Enabled())
	run(s, sec(10), sec(20), &tr)
	assert.Equal(t, PhaseFadingOut, tr.phases[sec(11)])
	assert.Equal(t, PhaseIdle, tr.phases[sec(12)])
	assert.Equal(t, float32(0), tr.gains[sec(19)])

	s.SetEnabled(true)
	run(s, sec(20), sec(25), &tr)
	assert.Equal(t, PhaseFadingIn, tr.phases[sec(20)])
	assert.Equal(t, PhaseLive, tr.phases[sec(22)])
	assertContinuous(t, tr.gains, 1.0/1000)
}

func TestResyncKeepsActiveProgramme(t *testing.T) {
	s := New(testRate)
	require.NoError(t, s.Submit([]Event{event("show", 1, 100, time.Second)}, anchorAt(0)))

	var tr trace
	run(s, 0, sec(10), &tr)
	require.Equal(t, PhaseLive, s.Phase())

	// The audio clock ran 5 ms slow relative to the wall clock.
	a := anchorAt(sec(10))
	a.Wall = a.Wall.Add(5 * time.Millisecond)
	s.Resync(a)
	run(s, sec(10), sec(11), &tr)
	assert.Equal(t, PhaseLive, tr.phases[len(tr.phases)-1])
	assert.Equal(t, "show", tr.ids[len(tr.ids)-1])
}

func TestFillMatchesGainAt(t *testing.T) {
	a := New(testRate)
	b := New(testRate)
	ev := []Event{event("show", 1, 10, 2*time.Second)}
	require.NoError(t, a.Submit(ev, anchorAt(0)))
	require.NoError(t, b.Submit(ev, anchorAt(0)))

	block := make([]float32, 128)
	for start := uint64(0); start < sec(12); start += uint64(len(block)) {
		a.Fill(start, block)
		for i, g := range block {
			require.Equal(t, b.GainAt(start+uint64(i)).Live, g)
		}
	}
}

func TestFillDoesNotAllocate(t *testing.T) {
	s := New(testRate)
	require.NoError(t, s.Submit([]Event{event("show", 0, 1000, 2*time.Second)}, anchorAt(0)))
	block := make([]float32, 480)
	var pos uint64
	allocs := testing.AllocsPerRun(200, func() {
		s.Fill(pos, block)
		pos += uint64(len(block))
	})
	assert.Zero(t, allocs)
}

func TestStatus(t *testing.T) {
	s := New(testRate)
	require.NoError(t, s.Submit([]Event{event("now", 0, 10, 0), event("later", 20, 30, 0)}, anchorAt(0)))
	s.GainAt(sec(1))

	st := s.Status(wall0.Add(time.Second))
	assert.Equal(t, PhaseLive, st.Phase)
	assert.Equal(t, float32(1), st.LiveGain)
	assert.True(t, st.Automation)
	require.NotNil(t, st.Active)
	assert.Equal(t, "now", st.Active.ID)
	require.NotNil(t, st.Next)
	assert.Equal(t, "later", st.Next.ID)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "idle", PhaseIdle.String())
	assert.Equal(t, "fading_in", PhaseFadingIn.String())
	assert.Equal(t, "live", PhaseLive.String())
	assert.Equal(t, "fading_out", PhaseFadingOut.String())
	assert.Equal(t, "unknown", Phase(42).String())
}
