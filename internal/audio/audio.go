// Package audio holds the PCM format shared by every stage of the chain
// (interleaved signed 16-bit samples) and the sample-level building blocks:
// fade curves, the crossfade mixer, level metering, resampling and decoders.
package audio

import "time"

const (
	SampleRate    = 48000
	Channels      = 2
	BitDepth      = 16
	FrameDuration = 20 * time.Millisecond
	FrameSize     = 960                  // samples per channel per 20ms frame
	FrameSamples  = FrameSize * Channels // total interleaved samples per frame
	FrameBytes    = FrameSamples * 2     // bytes per frame (int16 = 2 bytes)

	// MaxChannels bounds fixed-size per-channel state such as meters.
	MaxChannels = 8
)

// Format describes an interleaved int16 PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// DefaultFormat is the engine format: 48 kHz stereo.
func DefaultFormat() Format {
	return Format{SampleRate: SampleRate, Channels: Channels}
}

// Frames returns the number of frames (samples per channel) covering d.
func (f Format) Frames(d time.Duration) int {
	return int(d * time.Duration(f.SampleRate) / time.Second)
}

// Duration returns the playing time of n frames.
func (f Format) Duration(frames int) time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// FrameSamples returns the interleaved sample count of one 20ms stream frame.
func (f Format) FrameSamples() int {
	return f.Frames(FrameDuration) * f.Channels
}

// Valid reports whether the format can be processed.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0 && f.Channels <= MaxChannels
}
