// Package device is the audio hardware boundary. A Device opens a duplex
// stream that invokes a Callback on the driver's high-priority thread once
// per period; the callback fills the output buffer from the input buffer and
// must return without blocking.
package device

import "time"

// Result tells the driver whether to keep calling back.
type Result int

const (
	Continue Result = iota
	Stop
)

// CallbackInfo carries timing for one invocation.
type CallbackInfo struct {
	Time   time.Time     // when the driver entered the callback
	Period time.Duration // nominal period at the configured buffer size
}

// Callback processes one period. out and in are interleaved int16 with
// frames*channels samples; in is nil when no capture data is available.
type Callback func(out, in []int16, frames int, info CallbackInfo) Result

// StreamConfig describes the stream to open.
type StreamConfig struct {
	SampleRate   int
	Channels     int
	PeriodFrames int
	InputDevice  string // empty selects the default device
	OutputDevice string
	NoInput      bool // playback only
}

// Period returns the nominal callback period.
func (c StreamConfig) Period() time.Duration {
	if c.SampleRate == 0 {
		return 0
	}
	return time.Duration(c.PeriodFrames) * time.Second / time.Duration(c.SampleRate)
}

// Stream is an open hardware stream.
type Stream interface {
	Start() error
	Stop() error
	Close() error
	// Done is closed once the callback has returned Stop.
	Done() <-chan struct{}
}

// Device opens streams.
type Device interface {
	Open(cfg StreamConfig, cb Callback) (Stream, error)
}

// Info describes an enumerated device.
type Info struct {
	Name    string `json:"name"`
	ID      string `json:"id"`
	Kind    string `json:"kind"` // "playback" or "capture"
	Default bool   `json:"default"`
}

// Enumerator lists available devices.
type Enumerator interface {
	Devices() ([]Info, error)
}
