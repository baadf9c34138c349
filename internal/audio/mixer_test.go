package audio

import (
	"bytes"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constGains(n int, g float32) []float32 {
	gains := make([]float32, n)
	for i := range gains {
		gains[i] = g
	}
	return gains
}

func TestMixAllLocal(t *testing.T) {
	live := []int16{2000, -2000, 1500, -1500}
	local := []int16{1000, -1000, 500, -500}
	out := make([]int16, 4)

	res := Mix(out, 2, constGains(2, 0), [2]Source{{SourceLive, live}, {SourceFallback, local}})
	assert.Equal(t, local, out)
	assert.False(t, res.LiveMissing)
	assert.Zero(t, res.Clipped)
}

func TestMixAllLive(t *testing.T) {
	live := []int16{2000, -2000, 1500, -1500}
	local := []int16{1000, -1000, 500, -500}
	out := make([]int16, 4)

	Mix(out, 2, constGains(2, 1), [2]Source{{SourceFallback, local}, {SourceLive, live}})
	assert.Equal(t, live, out)
}

func TestMixMidpoint(t *testing.T) {
	live := []int16{3000, -3000}
	local := []int16{1000, -1000}
	out := make([]int16, 2)

	Mix(out, 2, []float32{float32(Smoothstep(0.5))}, [2]Source{{SourceLive, live}, {SourceFallback, local}})
	assert.Equal(t, []int16{2000, -2000}, out)
}

func TestMixPerFrameGain(t *testing.T) {
	live := []int16{1000, 1000, 1000, 1000, 1000, 1000}
	out := make([]int16, 6)

	Mix(out, 2, []float32{0, 0.5, 1}, [2]Source{{SourceLive, live}, {SourceFallback, nil}})
	assert.Equal(t, []int16{0, 0, 500, 500, 1000, 1000}, out)
}

func TestMixMissingLiveSubstitutesSilence(t *testing.T) {
	local := []int16{800, 800, 800, 800}
	out := []int16{9, 9, 9, 9}

	res := Mix(out, 2, constGains(2, 1), [2]Source{{SourceLive, nil}, {SourceFallback, local}})
	assert.True(t, res.LiveMissing)
	assert.Equal(t, []int16{0, 0, 0, 0}, out)
}

func TestMixShortLiveIsPadded(t *testing.T) {
	live := []int16{1000, 1000}
	out := make([]int16, 4)

	res := Mix(out, 2, constGains(2, 1), [2]Source{{SourceLive, live}, {SourceFallback, nil}})
	assert.True(t, res.LiveMissing)
	assert.Equal(t, []int16{1000, 1000, 0, 0}, out)
}

func TestMixClampsOverflow(t *testing.T) {
	live := []int16{32767, -32768}
	local := []int16{32767, -32768}
	out := make([]int16, 2)

	// A gain above 1 is never produced by the scheduler but must still clamp.
	res := Mix(out, 2, []float32{1.5}, [2]Source{{SourceLive, live}, {SourceFallback, local}})
	assert.Equal(t, []int16{32767, -32768}, out)
	assert.Equal(t, 2, res.Clipped)
}

func TestMixDoesNotAllocate(t *testing.T) {
	live := make([]int16, FrameSamples)
	local := make([]int16, FrameSamples)
	out := make([]int16, FrameSamples)
	gains := constGains(FrameSize, 0.3)
	srcs := [2]Source{{SourceLive, live}, {SourceFallback, local}}

	allocs := testing.AllocsPerRun(100, func() {
		Mix(out, Channels, gains, srcs)
	})
	assert.Zero(t, allocs)
}

func TestSourceKindString(t *testing.T) {
	assert.Equal(t, "live", SourceLive.String())
	assert.Equal(t, "fallback", SourceFallback.String())
	assert.Equal(t, "unknown", SourceKind(9).String())
}

func TestBandThresholds(t *testing.T) {
	tests := []struct {
		dbfs float64
		want Band
	}{
		{0, BandRed},
		{-2.9, BandRed},
		{-3, BandOrange},
		{-5.5, BandOrange},
		{-6, BandGreen},
		{MinDBFS, BandGreen},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BandOf(tt.dbfs), "dbfs=%v", tt.dbfs)
	}
}

func TestPeakDBFS(t *testing.T) {
	assert.Equal(t, MinDBFS, PeakDBFS(0))
	assert.InDelta(t, 0, PeakDBFS(32768), 1e-9)
	assert.InDelta(t, -6.02, PeakDBFS(16384), 0.01)
}

func TestMeterHoldsPeakUntilRead(t *testing.T) {
	m := NewMeter(2)
	m.Update([]int16{100, -16384, 50, 20})
	m.Update([]int16{-32768, 10, 0, 0})

	levels := m.Read()
	require.Len(t, levels, 2)
	assert.InDelta(t, 0, levels[0].DBFS, 1e-9)
	assert.Equal(t, BandRed, levels[0].Band)
	assert.InDelta(t, -6.02, levels[1].DBFS, 0.01)
	assert.Equal(t, BandGreen, levels[1].Band)

	levels = m.Read()
	assert.Equal(t, MinDBFS, levels[0].DBFS)
}

func TestConvertMonoToStereo(t *testing.T) {
	in := []int16{1, 2, 3}
	out := Convert(in, Format{SampleRate: 48000, Channels: 1}, DefaultFormat())
	assert.Equal(t, []int16{1, 1, 2, 2, 3, 3}, out)
}

func TestConvertStereoToMono(t *testing.T) {
	in := []int16{100, 300, -100, -300}
	out := Convert(in, DefaultFormat(), Format{SampleRate: 48000, Channels: 1})
	assert.Equal(t, []int16{200, -200}, out)
}

func TestConvertUpsamplesLength(t *testing.T) {
	in := make([]int16, 22050)
	for i := range in {
		in[i] = int16(1000 * math.Sin(float64(i)/10))
	}
	out := Convert(in, Format{SampleRate: 22050, Channels: 1}, DefaultFormat())
	assert.Len(t, out, 48000*2)
}

func TestWAVRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 1234, -4321, 42}
	path := filepath.Join(t.TempDir(), "clip.wav")

	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, EncodeWAV(f, samples, DefaultFormat()))
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	got, format, err := DecodeWAV(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, DefaultFormat(), format)
	assert.Equal(t, samples, got)
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	_, _, err := DecodeWAV(io.NewSectionReader(bytes.NewReader([]byte("not a wav file at all")), 0, 21))
	assert.ErrorIs(t, err, ErrInvalidWAV)
}
