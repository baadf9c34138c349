package synth

import (
	"errors"
	"fmt"
)

var (
	// ErrDelayOutOfRange is wrapped by SynthesisError when a timestamp exceeds
	// the configured maximum reporting delay.
	ErrDelayOutOfRange = errors.New("delay exceeds reporting range")
	// ErrNoHoldingMessage means neither a holding file nor text is configured.
	ErrNoHoldingMessage = errors.New("no holding message configured")
)

// SynthesisError reports a segment that could not be rendered. Callers fall
// back to the generic out-of-range segment.
type SynthesisError struct {
	Key Key
	Err error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesize %s: %v", e.Key, e.Err)
}

func (e *SynthesisError) Unwrap() error {
	return e.Err
}
