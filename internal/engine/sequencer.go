package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/satindergrewal/netsource/internal/synth"
)

// DelayFunc returns the delay to announce at now.
type DelayFunc func(now time.Time) time.Duration

// SequencerConfig controls the fallback rotation.
type SequencerConfig struct {
	Lead     time.Duration // audio to keep queued ahead of the callback
	Interval time.Duration // how often the queue is topped up
	Holding  bool          // include the holding message
}

// DefaultSequencerConfig keeps three seconds queued, checked every 100ms.
func DefaultSequencerConfig() SequencerConfig {
	return SequencerConfig{Lead: 3 * time.Second, Interval: 100 * time.Millisecond}
}

// Sequencer keeps the FallbackPlayer fed with the fallback rotation:
// confirmation tone, gap, timestamp, gap and optionally the holding message.
// It renders through the cache so repeated announcements are not re-rendered.
type Sequencer struct {
	cfg     SequencerConfig
	player  *FallbackPlayer
	cache   *synth.Cache
	delay   DelayFunc
	lead    int64
	items   []synth.Key
	step    int
	warn    rate.Sometimes
	failed  atomic.Uint64
	renders atomic.Uint64
}

// NewSequencer creates a sequencer. sampleRate and channels size the lead.
func NewSequencer(cfg SequencerConfig, player *FallbackPlayer, cache *synth.Cache, sampleRate, channels int, delay DelayFunc) *Sequencer {
	items := []synth.Key{
		{Kind: synth.KindConfirmTone},
		{Kind: synth.KindGap},
		{Kind: synth.KindTimestamp},
		{Kind: synth.KindGap},
	}
	if cfg.Holding {
		items = append(items, synth.Key{Kind: synth.KindHoldingMessage}, synth.Key{Kind: synth.KindGap})
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	return &Sequencer{
		cfg:    cfg,
		player: player,
		cache:  cache,
		delay:  delay,
		lead:   int64(cfg.Lead.Seconds() * float64(sampleRate*channels)),
		items:  items,
		warn:   rate.Sometimes{First: 1, Interval: time.Minute},
	}
}

// Run tops up the player until ctx is done.
func (s *Sequencer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := s.Fill(ctx); err != nil && ctx.Err() == nil {
			s.warn.Do(func() { slog.Warn("fallback rotation stalled", "error", err) })
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Fill queues segments until the lead is covered or the player is full.
func (s *Sequencer) Fill(ctx context.Context) error {
	for i := 0; i < s.player.cues.cap() && s.player.PendingSamples() < s.lead; i++ {
		seg, err := s.render(ctx, s.nextKey(time.Now()))
		if err != nil {
			s.failed.Add(1)
			return err
		}
		if seg == nil {
			continue
		}
		if !s.player.Enqueue(seg) {
			seg.Release()
			// Retry this item next time round.
			s.step--
			return nil
		}
	}
	return nil
}

func (s *Sequencer) nextKey(now time.Time) synth.Key {
	k := s.items[s.step%len(s.items)]
	s.step++
	if k.Kind == synth.KindTimestamp && s.delay != nil {
		k = synth.TimestampKey(s.delay(now))
	}
	return k
}

// render fetches a segment, substituting the out-of-range announcement for a
// timestamp that cannot be rendered. A holding message that cannot be
// rendered is skipped.
func (s *Sequencer) render(ctx context.Context, key synth.Key) (*synth.Segment, error) {
	seg, err := s.cache.GetOrRender(ctx, key)
	if err == nil {
		s.renders.Add(1)
		return seg, nil
	}
	var se *synth.SynthesisError
	if !errors.As(err, &se) {
		return nil, err
	}
	switch key.Kind {
	case synth.KindTimestamp:
		s.warn.Do(func() {
			slog.Warn("timestamp not renderable, using generic message", "key", key.String(), "error", err)
		})
		return s.cache.GetOrRender(ctx, synth.Key{Kind: synth.KindOutOfRange})
	case synth.KindHoldingMessage:
		s.warn.Do(func() { slog.Warn("holding message unavailable", "error", err) })
		return nil, nil
	}
	return nil, err
}

// Errors returns the number of failed top-ups.
func (s *Sequencer) Errors() uint64 { return s.failed.Load() }
