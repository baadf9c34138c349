package synth

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/satindergrewal/netsource/internal/audio"
)

// Kind identifies what a segment announces.
type Kind uint8

const (
	KindConfirmTone Kind = iota
	KindShortBeep
	KindTimestamp
	KindOutOfRange
	KindHoldingMessage
	KindGap
)

var kindNames = [...]string{
	KindConfirmTone:    "confirm",
	KindShortBeep:      "beep",
	KindTimestamp:      "timestamp",
	KindOutOfRange:     "out-of-range",
	KindHoldingMessage: "holding",
	KindGap:            "gap",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind resolves a kind name as printed by String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown segment kind %q", s)
}

// Key addresses a cached segment. Delay is in whole seconds and only
// meaningful for KindTimestamp.
type Key struct {
	Kind  Kind
	Delay int
}

// TimestampKey returns the key for a delay rounded to the nearest second.
func TimestampKey(delay time.Duration) Key {
	return Key{Kind: KindTimestamp, Delay: RoundDelay(delay)}
}

// RoundDelay rounds a delay magnitude to the nearest whole second.
func RoundDelay(delay time.Duration) int {
	if delay < 0 {
		delay = -delay
	}
	return int(math.Round(delay.Seconds()))
}

func (k Key) String() string {
	if k.Kind == KindTimestamp {
		return fmt.Sprintf("%s/%d", k.Kind, k.Delay)
	}
	return k.Kind.String()
}

// Segment is an immutable pre-rendered block of PCM. Segments served by a
// Cache are reference counted: every successful TryGet or GetOrRender must be
// paired with Release, and a referenced segment is never evicted.
type Segment struct {
	key     Key
	samples []int16
	format  audio.Format

	// refs < 0 marks an evicted segment that can no longer be acquired.
	refs     atomic.Int64
	lastUsed atomic.Uint64
}

// NewSegment wraps rendered samples. The slice must not be modified afterwards.
func NewSegment(key Key, samples []int16, format audio.Format) *Segment {
	return &Segment{key: key, samples: samples, format: format}
}

func (s *Segment) Key() Key             { return s.key }
func (s *Segment) Samples() []int16     { return s.samples }
func (s *Segment) Format() audio.Format { return s.format }
func (s *Segment) Bytes() int           { return len(s.samples) * 2 }
func (s *Segment) Duration() time.Duration {
	return s.format.Duration(len(s.samples) / s.format.Channels)
}

// Refs returns the number of outstanding references.
func (s *Segment) Refs() int64 {
	return s.refs.Load()
}

// Acquire takes a reference. It fails once the segment has been evicted.
func (s *Segment) Acquire() bool {
	for {
		n := s.refs.Load()
		if n < 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a reference taken by Acquire.
func (s *Segment) Release() {
	s.refs.Add(-1)
}

// tombstone marks an unreferenced segment evicted.
func (s *Segment) tombstone() bool {
	return s.refs.CompareAndSwap(0, -1)
}
