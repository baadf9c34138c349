// Package schedule decides, sample by sample, how much of the live feed is on
// air. Operators submit ScheduleEvents; the scheduler validates them, compiles
// them against the sample clock into an immutable snapshot and publishes it
// by atomic swap. The audio callback walks each programme through
// Idle -> FadingIn -> Live -> FadingOut -> Idle and writes the live gain
// envelope for every block.
package schedule

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultSource names the live input when an event does not set one.
const DefaultSource = "live"

// Event is one scheduled live programme.
type Event struct {
	ID      string        `json:"id" yaml:"id"`
	Source  string        `json:"source" yaml:"source"`
	Start   time.Time     `json:"start" yaml:"start"`
	End     time.Time     `json:"end" yaml:"end"`
	FadeIn  time.Duration `json:"fade_in" yaml:"fade_in"`
	FadeOut time.Duration `json:"fade_out" yaml:"fade_out"`
}

// Duration returns the scheduled length of the programme.
func (e Event) Duration() time.Duration {
	return e.End.Sub(e.Start)
}

// FadeOutAt returns the wall time the fade-out begins.
func (e Event) FadeOutAt() time.Time {
	return e.End.Add(-e.FadeOut)
}

func (e Event) String() string {
	return fmt.Sprintf("%s [%s - %s]", e.ID, e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
}

// ErrInvalidEvent is wrapped by validation failures.
var ErrInvalidEvent = errors.New("invalid schedule event")

// Validate checks a single event.
func (e Event) Validate() error {
	switch {
	case e.Start.IsZero() || e.End.IsZero():
		return fmt.Errorf("%w %q: start and end are required", ErrInvalidEvent, e.ID)
	case !e.End.After(e.Start):
		return fmt.Errorf("%w %q: end %s is not after start %s", ErrInvalidEvent, e.ID, e.End.Format(time.RFC3339), e.Start.Format(time.RFC3339))
	case e.FadeIn < 0 || e.FadeOut < 0:
		return fmt.Errorf("%w %q: negative fade", ErrInvalidEvent, e.ID)
	case e.FadeIn+e.FadeOut > e.Duration():
		return fmt.Errorf("%w %q: fades (%s + %s) longer than programme %s", ErrInvalidEvent, e.ID, e.FadeIn, e.FadeOut, e.Duration())
	}
	return nil
}

// Normalize returns a validated copy of events ordered by start time, with
// missing IDs and sources filled in. Invalid events yield a joined error;
// overlapping events yield a *ConflictError.
func Normalize(events []Event) ([]Event, error) {
	out := make([]Event, len(events))
	copy(out, events)

	var errs []error
	seen := make(map[string]bool, len(out))
	for i := range out {
		e := &out[i]
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.Source == "" {
			e.Source = DefaultSource
		}
		if seen[e.ID] {
			errs = append(errs, fmt.Errorf("%w %q: duplicate id", ErrInvalidEvent, e.ID))
		}
		seen[e.ID] = true
		if err := e.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })

	var conflicts []Conflict
	for i := 1; i < len(out); i++ {
		// Compare against every earlier event still running; a long event can
		// overlap several later ones.
		for j := i - 1; j >= 0; j-- {
			if out[i].Start.Before(out[j].End) {
				conflicts = append(conflicts, Conflict{First: out[j], Second: out[i]})
			}
		}
	}
	if len(conflicts) > 0 {
		return nil, &ConflictError{Conflicts: conflicts}
	}
	return out, nil
}

// ErrScheduleConflict is matched by errors.Is for any *ConflictError.
var ErrScheduleConflict = errors.New("schedule conflict")

// Conflict is one overlapping pair.
type Conflict struct {
	First  Event `json:"first"`
	Second Event `json:"second"`
}

// ConflictError rejects a submission whose events overlap. Overlaps are never
// resolved by truncation; the operator must fix the schedule.
type ConflictError struct {
	Conflicts []Conflict
}

func (e *ConflictError) Error() string {
	parts := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		parts[i] = fmt.Sprintf("%s overlaps %s", c.Second, c.First)
	}
	return ErrScheduleConflict.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ConflictError) Unwrap() error {
	return ErrScheduleConflict
}
