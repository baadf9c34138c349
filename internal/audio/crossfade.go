package audio

// Smoothstep returns the smoothstep interpolation for t in [0,1].
// Formula: 3t^2 - 2t^3. Symmetric around 0.5, so a fade built on it crosses
// its complement exactly at the midpoint.
func Smoothstep(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	return t * t * (3 - 2*t)
}

// FadeIn ramps a gain from `from` up to 1 at progress p in [0,1].
func FadeIn(from, p float64) float64 {
	return from + (1-from)*Smoothstep(p)
}

// FadeOut ramps a gain from `from` down to 0 at progress p in [0,1].
func FadeOut(from, p float64) float64 {
	return from * (1 - Smoothstep(p))
}

// Complement returns the local source gain for a live gain, clamped to [0,1].
func Complement(live float32) float32 {
	g := 1 - live
	if g < 0 {
		return 0
	}
	if g > 1 {
		return 1
	}
	return g
}

func clip16(v float32) (int16, bool) {
	if v > 32767 {
		return 32767, true
	} else if v < -32768 {
		return -32768, true
	}
	return int16(v), false
}
