package audio

import (
	"math"
	"sync/atomic"
)

// MinDBFS is reported for digital silence.
const MinDBFS = -96.0

// Band is the traffic-light colour of a level reading.
type Band uint8

const (
	BandGreen Band = iota
	BandOrange
	BandRed
)

func (b Band) String() string {
	switch b {
	case BandRed:
		return "red"
	case BandOrange:
		return "orange"
	default:
		return "green"
	}
}

// MarshalText renders the band name in JSON status output.
func (b Band) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// BandOf classifies a peak: above -3 dBFS is red, above -6 dBFS orange.
func BandOf(dbfs float64) Band {
	switch {
	case dbfs > -3:
		return BandRed
	case dbfs > -6:
		return BandOrange
	default:
		return BandGreen
	}
}

// PeakDBFS converts an absolute sample peak to dBFS relative to int16 full scale.
func PeakDBFS(peak int) float64 {
	if peak <= 0 {
		return MinDBFS
	}
	db := 20 * math.Log10(float64(peak)/32768)
	if db < MinDBFS {
		return MinDBFS
	}
	return db
}

// Level is one channel reading.
type Level struct {
	DBFS float64 `json:"dbfs"`
	Band Band    `json:"band"`
}

// Meter accumulates per-channel peaks from the audio callback and hands them
// to readers. Update is wait-free; Read returns the peak since the last Read.
type Meter struct {
	channels int
	peak     [MaxChannels]atomic.Uint32
}

// NewMeter creates a meter for interleaved blocks of the given channel count.
func NewMeter(channels int) *Meter {
	if channels > MaxChannels {
		channels = MaxChannels
	}
	return &Meter{channels: channels}
}

// Update folds one interleaved block into the held peaks.
func (m *Meter) Update(samples []int16) {
	if m == nil || m.channels == 0 {
		return
	}
	var block [MaxChannels]uint32
	for i, s := range samples {
		v := int32(s)
		if v < 0 {
			v = -v
		}
		c := i % m.channels
		if uint32(v) > block[c] {
			block[c] = uint32(v)
		}
	}
	for c := 0; c < m.channels; c++ {
		for {
			cur := m.peak[c].Load()
			if block[c] <= cur || m.peak[c].CompareAndSwap(cur, block[c]) {
				break
			}
		}
	}
}

// Read returns and resets the held peaks.
func (m *Meter) Read() []Level {
	if m == nil {
		return nil
	}
	levels := make([]Level, m.channels)
	for c := range levels {
		db := PeakDBFS(int(m.peak[c].Swap(0)))
		levels[c] = Level{DBFS: db, Band: BandOf(db)}
	}
	return levels
}
