package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/satindergrewal/netsource/internal/engine"
	"github.com/satindergrewal/netsource/internal/schedule"
)

const reportInterval = time.Second

// reporter turns callback counters into log lines. The callback never logs,
// so glitches surface here as deltas, at most once per warnEvery.
type reporter struct {
	s       *Station
	limiter *rate.Limiter
	last    engine.Stats
	phase   schedule.Phase
	seqErrs uint64
}

const warnEvery = 10 * time.Second

func newReporter(s *Station) *reporter {
	return &reporter{
		s:       s,
		limiter: rate.NewLimiter(rate.Every(warnEvery), 1),
		phase:   s.sched.Phase(),
	}
}

func (r *reporter) run(ctx context.Context) error {
	t := time.NewTicker(reportInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r.check()
		}
	}
}

func (r *reporter) check() {
	if p := r.s.sched.Phase(); p != r.phase {
		attrs := []any{"from", r.phase.String(), "to", p.String()}
		if ev := r.s.sched.Status(r.s.now()).Active; ev != nil {
			attrs = append(attrs, "event", ev.ID, "source", ev.Source)
		}
		slog.Info("programme phase", attrs...)
		// The fallback takes over when a programme starts fading out, or
		// when one is cut short before it reached the fade out.
		if p == schedule.PhaseFadingOut || (p == schedule.PhaseIdle && r.phase != schedule.PhaseFadingOut) {
			r.s.fallbackSince.Store(r.s.now().UnixNano())
		}
		r.phase = p
	}

	st := r.s.engine.Stats()
	d := engine.Stats{
		Underruns:     st.Underruns - r.last.Underruns,
		Overruns:      st.Overruns - r.last.Overruns,
		LiveMissing:   st.LiveMissing - r.last.LiveMissing,
		Clipped:       st.Clipped - r.last.Clipped,
		FramesDropped: st.FramesDropped - r.last.FramesDropped,
	}
	var seqErrs uint64
	if seq := r.s.seq.Load(); seq != nil {
		seqErrs = seq.Errors() - r.seqErrs
		r.seqErrs = seq.Errors()
	}
	r.last = st

	if d.Underruns+d.Overruns+d.LiveMissing+d.Clipped+d.FramesDropped+seqErrs == 0 {
		return
	}
	if !r.limiter.Allow() {
		return
	}
	slog.Warn("audio glitches",
		"underruns", d.Underruns,
		"overruns", d.Overruns,
		"live_missing", d.LiveMissing,
		"clipped", d.Clipped,
		"stream_frames_dropped", d.FramesDropped,
		"fallback_render_errors", seqErrs,
		"max_process", st.MaxProcess)
}
