package sink

import (
	"errors"
	"fmt"
)

// ConnectionState is the sink's position in its connect/stream/retry cycle.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Streaming
	Backoff
)

var stateNames = [...]string{"disconnected", "connecting", "streaming", "backoff"}

func (s ConnectionState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int32(s))
	}
	return stateNames[s]
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrStopTimeout is returned by Stop when Run does not exit in time.
var ErrStopTimeout = errors.New("sink: stop timed out")

// ConnectError reports a failed connection attempt. It is retried with
// backoff and only surfaces through Stats.
type ConnectError struct {
	Target string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Target, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// StreamIOError reports a failure on an established stream, in the encoder
// or on the network. It moves the sink to Backoff.
type StreamIOError struct {
	Op  string // "encode" or "send"
	Err error
}

func (e *StreamIOError) Error() string {
	return fmt.Sprintf("stream %s: %v", e.Op, e.Err)
}

func (e *StreamIOError) Unwrap() error { return e.Err }
