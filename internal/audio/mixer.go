package audio

// SourceKind tags the closed set of inputs the mixer combines.
type SourceKind uint8

const (
	// SourceLive is the studio feed captured from the input device.
	SourceLive SourceKind = iota
	// SourceFallback is the locally generated tone/message programme.
	SourceFallback
)

func (k SourceKind) String() string {
	switch k {
	case SourceLive:
		return "live"
	case SourceFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Source is one mixer input. Samples shorter than the output block (or nil)
// are padded with silence.
type Source struct {
	Kind    SourceKind
	Samples []int16
}

// MixResult reports what the mixer had to paper over for one block.
type MixResult struct {
	LiveMissing bool // live input absent or short, silence substituted
	Clipped     int  // samples clamped to the int16 range
}

// Mix writes one block of interleaved output. liveGain holds one gain per
// frame (len(out)/channels entries); the fallback source is weighted with the
// complement so the two gains never sum above 1. Mix does not allocate.
func Mix(out []int16, channels int, liveGain []float32, srcs [2]Source) MixResult {
	var res MixResult
	if channels <= 0 {
		return res
	}

	var live, local []int16
	for _, s := range srcs {
		switch s.Kind {
		case SourceLive:
			live = s.Samples
		case SourceFallback:
			local = s.Samples
		}
	}
	if len(live) < len(out) {
		res.LiveMissing = true
	}

	frames := len(out) / channels
	if len(liveGain) < frames {
		frames = len(liveGain)
	}
	for f := 0; f < frames; f++ {
		gl := liveGain[f]
		gf := Complement(gl)
		base := f * channels
		for c := 0; c < channels; c++ {
			i := base + c
			var v float32
			if i < len(live) {
				v += float32(live[i]) * gl
			}
			if i < len(local) {
				v += float32(local[i]) * gf
			}
			s, clipped := clip16(v)
			if clipped {
				res.Clipped++
			}
			out[i] = s
		}
	}
	// Frames without a gain entry are silenced rather than left stale.
	for i := frames * channels; i < len(out); i++ {
		out[i] = 0
	}
	return res
}
