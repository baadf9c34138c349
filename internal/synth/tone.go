package synth

import (
	"math"
	"time"

	"github.com/satindergrewal/netsource/internal/audio"
)

// edge is the raised-cosine ramp applied to tone on/off to avoid clicks.
const edge = 5 * time.Millisecond

// ToneConfig controls the confirmation tones and the beep timestamp code.
type ToneConfig struct {
	Frequency float64       // Hz
	LevelDBFS float64       // peak level relative to full scale
	Long      time.Duration // confirmation tone
	Short     time.Duration // short confirmation beep
	Pip       time.Duration // one unit of a digit in the beep code
	Dash      time.Duration // a zero digit in the beep code
}

// DefaultToneConfig returns a 1 kHz tone at -12 dBFS with a 1s long beep and
// a 0.5s short beep.
func DefaultToneConfig() ToneConfig {
	return ToneConfig{
		Frequency: 1000,
		LevelDBFS: -12,
		Long:      time.Second,
		Short:     500 * time.Millisecond,
		Pip:       150 * time.Millisecond,
		Dash:      450 * time.Millisecond,
	}
}

// Amplitude converts a dBFS level to a linear int16 peak.
func Amplitude(dbfs float64) float64 {
	if dbfs > 0 {
		dbfs = 0
	}
	return 32767 * math.Pow(10, dbfs/20)
}

// Tone renders an interleaved sine burst with smoothed edges.
func Tone(format audio.Format, freq, dbfs float64, d time.Duration) []int16 {
	frames := format.Frames(d)
	out := make([]int16, frames*format.Channels)
	amp := Amplitude(dbfs)
	ramp := format.Frames(edge)
	if ramp*2 > frames {
		ramp = frames / 2
	}
	w := 2 * math.Pi * freq / float64(format.SampleRate)
	for f := 0; f < frames; f++ {
		env := 1.0
		switch {
		case f < ramp:
			env = 0.5 - 0.5*math.Cos(math.Pi*float64(f)/float64(ramp))
		case f >= frames-ramp:
			env = 0.5 - 0.5*math.Cos(math.Pi*float64(frames-1-f)/float64(ramp))
		}
		v := int16(amp * env * math.Sin(w*float64(f)))
		for c := 0; c < format.Channels; c++ {
			out[f*format.Channels+c] = v
		}
	}
	return out
}

// Silence renders d of digital silence.
func Silence(format audio.Format, d time.Duration) []int16 {
	return make([]int16, format.Frames(d)*format.Channels)
}

const (
	pipGap   = 250 * time.Millisecond
	digitGap = 750 * time.Millisecond
	groupGap = 1500 * time.Millisecond
)

// BeepCode renders a delay as beeps: the minutes digits, a pause, then the
// two seconds digits. Each digit is that many pips; zero is one dash.
func BeepCode(format audio.Format, cfg ToneConfig, seconds int) []int16 {
	pip := Tone(format, cfg.Frequency, cfg.LevelDBFS, cfg.Pip)
	dash := Tone(format, cfg.Frequency, cfg.LevelDBFS, cfg.Dash)

	var out []int16
	digits := func(ds []int) {
		for i, d := range ds {
			if i > 0 {
				out = append(out, Silence(format, digitGap)...)
			}
			if d == 0 {
				out = append(out, dash...)
				continue
			}
			for n := 0; n < d; n++ {
				if n > 0 {
					out = append(out, Silence(format, pipGap)...)
				}
				out = append(out, pip...)
			}
		}
	}

	digits(splitDigits(seconds / 60))
	out = append(out, Silence(format, groupGap)...)
	s := seconds % 60
	digits([]int{s / 10, s % 10})
	return out
}

func splitDigits(n int) []int {
	if n == 0 {
		return []int{0}
	}
	var ds []int
	for ; n > 0; n /= 10 {
		ds = append([]int{n % 10}, ds...)
	}
	return ds
}
