package audio

import (
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrInvalidWAV is returned for input that is not a RIFF/WAVE PCM file.
var ErrInvalidWAV = errors.New("invalid WAV file")

// DecodeWAV reads a PCM WAV file and returns its samples scaled to 16 bits.
func DecodeWAV(r io.ReadSeeker) ([]int16, Format, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, Format{}, ErrInvalidWAV
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("decode wav: %w", err)
	}
	format := Format{SampleRate: int(d.SampleRate), Channels: int(d.NumChans)}
	if buf.Format != nil {
		format = Format{SampleRate: buf.Format.SampleRate, Channels: buf.Format.NumChannels}
	}
	if !format.Valid() {
		return nil, Format{}, fmt.Errorf("%w: %d Hz, %d channels", ErrInvalidWAV, format.SampleRate, format.Channels)
	}

	shift := int(d.BitDepth) - BitDepth
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		switch {
		case shift > 0:
			v >>= shift
		case shift < 0:
			// 8-bit WAV is unsigned
			v = (v - 128) << -shift
		}
		samples[i] = int16(v)
	}
	return samples, format, nil
}

// EncodeWAV writes samples as a 16-bit PCM WAV file.
func EncodeWAV(w io.WriteSeeker, samples []int16, format Format) error {
	enc := wav.NewEncoder(w, format.SampleRate, BitDepth, format.Channels, 1)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buf := &goaudio.IntBuffer{
		Data:           data,
		Format:         &goaudio.Format{SampleRate: format.SampleRate, NumChannels: format.Channels},
		SourceBitDepth: BitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav: %w", err)
	}
	return nil
}
