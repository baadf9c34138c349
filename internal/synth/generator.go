package synth

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/satindergrewal/netsource/internal/audio"
)

const outOfRangeText = "Delay exceeds reporting range"

// Config controls segment rendering.
type Config struct {
	Format      audio.Format
	Tone        ToneConfig
	MaxDelay    time.Duration // timestamps beyond this fail with ErrDelayOutOfRange
	Gap         time.Duration // silence between announcements
	HoldingText string        // spoken when no holding file is loaded
}

// DefaultConfig returns 48 kHz stereo rendering with a one hour reporting range.
func DefaultConfig() Config {
	return Config{
		Format:   audio.DefaultFormat(),
		Tone:     DefaultToneConfig(),
		MaxDelay: time.Hour,
		Gap:      1500 * time.Millisecond,
	}
}

// Generator renders segments. With a nil Speaker timestamps use the beep code;
// otherwise they are spoken.
type Generator struct {
	cfg     Config
	speaker Speaker

	mu      sync.RWMutex
	holding []int16
}

// NewGenerator creates a generator.
func NewGenerator(cfg Config, speaker Speaker) *Generator {
	return &Generator{cfg: cfg, speaker: speaker}
}

// Config returns the rendering configuration.
func (g *Generator) Config() Config {
	return g.cfg
}

// RenderTimestamp renders the announcement for a feed delay, rounded to the
// nearest second.
func (g *Generator) RenderTimestamp(ctx context.Context, delay time.Duration) (*Segment, error) {
	return g.Render(ctx, TimestampKey(delay))
}

// Render produces the segment for key. It may block and allocate and must not
// be called from the audio callback.
func (g *Generator) Render(ctx context.Context, key Key) (*Segment, error) {
	f := g.cfg.Format
	t := g.cfg.Tone

	var samples []int16
	switch key.Kind {
	case KindConfirmTone:
		samples = Tone(f, t.Frequency, t.LevelDBFS, t.Long)
	case KindShortBeep:
		samples = Tone(f, t.Frequency, t.LevelDBFS, t.Short)
	case KindGap:
		samples = Silence(f, g.cfg.Gap)
	case KindTimestamp:
		if limit := RoundDelay(g.cfg.MaxDelay); g.cfg.MaxDelay > 0 && key.Delay > limit {
			return nil, &SynthesisError{Key: key, Err: fmt.Errorf("%w: %ds > %ds", ErrDelayOutOfRange, key.Delay, limit)}
		}
		if g.speaker == nil {
			samples = BeepCode(f, t, key.Delay)
			break
		}
		var err error
		if samples, err = g.speaker.Speak(ctx, DelayText(key.Delay)); err != nil {
			return nil, &SynthesisError{Key: key, Err: err}
		}
	case KindOutOfRange:
		if g.speaker == nil {
			dash := Tone(f, t.Frequency/2, t.LevelDBFS, t.Long)
			samples = append(append(append(samples, dash...), Silence(f, pipGap)...), dash...)
			break
		}
		var err error
		if samples, err = g.speaker.Speak(ctx, outOfRangeText); err != nil {
			return nil, &SynthesisError{Key: key, Err: err}
		}
	case KindHoldingMessage:
		var err error
		if samples, err = g.renderHolding(ctx); err != nil {
			return nil, &SynthesisError{Key: key, Err: err}
		}
	default:
		return nil, &SynthesisError{Key: key, Err: fmt.Errorf("unsupported kind")}
	}
	return NewSegment(key, samples, f), nil
}

func (g *Generator) renderHolding(ctx context.Context) ([]int16, error) {
	g.mu.RLock()
	held := g.holding
	g.mu.RUnlock()
	if held != nil {
		out := make([]int16, len(held))
		copy(out, held)
		return out, nil
	}
	if g.speaker == nil || g.cfg.HoldingText == "" {
		return nil, ErrNoHoldingMessage
	}
	return g.speaker.Speak(ctx, g.cfg.HoldingText)
}

// LoadHoldingFile decodes a recorded holding message. WAV files are read
// directly; anything else goes through ffmpeg.
func (g *Generator) LoadHoldingFile(ctx context.Context, path string) error {
	var samples []int16
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read holding message: %w", err)
		}
		pcm, format, err := audio.DecodeWAV(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("holding message %s: %w", path, err)
		}
		samples = audio.Convert(pcm, format, g.cfg.Format)
	} else {
		var err error
		if samples, err = audio.DecodeFile(ctx, path, g.cfg.Format); err != nil {
			return err
		}
	}

	g.mu.Lock()
	g.holding = samples
	g.mu.Unlock()
	return nil
}

// HasHoldingMessage reports whether the rotation can include a holding message.
func (g *Generator) HasHoldingMessage() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.holding != nil || (g.speaker != nil && g.cfg.HoldingText != "")
}
