package audio

// Convert maps interleaved PCM from one format to another: channels are
// duplicated (mono to many), averaged (many to mono) or truncated/zero-filled,
// then the rate is changed by linear interpolation. Intended for
// non-real-time material such as speech renders and holding messages.
func Convert(in []int16, from, to Format) []int16 {
	if !from.Valid() || !to.Valid() || len(in) == 0 {
		return nil
	}
	mapped := remapChannels(in, from.Channels, to.Channels)
	if from.SampleRate == to.SampleRate {
		return mapped
	}
	return resampleLinear(mapped, to.Channels, from.SampleRate, to.SampleRate)
}

func remapChannels(in []int16, fromCh, toCh int) []int16 {
	if fromCh == toCh {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}
	frames := len(in) / fromCh
	out := make([]int16, frames*toCh)
	for f := 0; f < frames; f++ {
		src := in[f*fromCh : (f+1)*fromCh]
		dst := out[f*toCh : (f+1)*toCh]
		switch {
		case fromCh == 1:
			for c := range dst {
				dst[c] = src[0]
			}
		case toCh == 1:
			var sum int
			for _, s := range src {
				sum += int(s)
			}
			dst[0] = int16(sum / fromCh)
		default:
			copy(dst, src)
		}
	}
	return out
}

func resampleLinear(in []int16, channels, fromRate, toRate int) []int16 {
	inFrames := len(in) / channels
	if inFrames == 0 {
		return nil
	}
	outFrames := int(int64(inFrames) * int64(toRate) / int64(fromRate))
	out := make([]int16, outFrames*channels)
	step := float64(fromRate) / float64(toRate)
	for f := 0; f < outFrames; f++ {
		pos := float64(f) * step
		i0 := int(pos)
		frac := pos - float64(i0)
		i1 := i0 + 1
		if i1 >= inFrames {
			i1 = inFrames - 1
		}
		for c := 0; c < channels; c++ {
			a := float64(in[i0*channels+c])
			b := float64(in[i1*channels+c])
			out[f*channels+c] = int16(a + (b-a)*frac)
		}
	}
	return out
}
