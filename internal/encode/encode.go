// Package encode turns finished PCM into the bitstream sent to the streaming
// server. An Encoder is used by one goroutine; a new one is begun for every
// connection so each listener-facing stream starts with fresh headers.
package encode

import (
	"fmt"
	"strings"
)

// Encoder converts interleaved int16 PCM into codec bytes.
type Encoder interface {
	// Begin starts a new bitstream and returns its header bytes, if any.
	Begin() ([]byte, error)
	// Encode consumes PCM and returns whatever encoded bytes are ready.
	Encode(pcm []int16) ([]byte, error)
	// Close flushes and releases the encoder, returning trailing bytes.
	Close() ([]byte, error)
	// ContentType is the MIME type announced to the server.
	ContentType() string
}

// Config selects and tunes the codec.
type Config struct {
	Codec      string // "opus" (Ogg/Opus) or "mp3"
	SampleRate int
	Channels   int
	Bitrate    int // bits per second
}

// DefaultConfig returns 128 kbit/s Ogg/Opus at 48 kHz stereo.
func DefaultConfig() Config {
	return Config{Codec: "opus", SampleRate: 48000, Channels: 2, Bitrate: 128000}
}

// Validate checks the configuration against what the codecs accept.
func (c Config) Validate() error {
	if c.Channels < 1 || c.Channels > 2 {
		return fmt.Errorf("encode: unsupported channel count %d", c.Channels)
	}
	if c.Bitrate <= 0 {
		return fmt.Errorf("encode: bitrate must be positive")
	}
	switch strings.ToLower(c.Codec) {
	case "opus":
		switch c.SampleRate {
		case 8000, 12000, 16000, 24000, 48000:
		default:
			return fmt.Errorf("encode: opus does not support %d Hz", c.SampleRate)
		}
	case "mp3":
		if c.SampleRate <= 0 {
			return fmt.Errorf("encode: invalid sample rate %d", c.SampleRate)
		}
	default:
		return fmt.Errorf("encode: unknown codec %q", c.Codec)
	}
	return nil
}

// New creates an encoder for cfg. Begin must be called before Encode.
func New(cfg Config) (Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch strings.ToLower(cfg.Codec) {
	case "mp3":
		return NewMP3(cfg), nil
	default:
		return NewOpusOgg(cfg), nil
	}
}
