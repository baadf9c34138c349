package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Weekday is a time.Weekday that decodes from its English name.
type Weekday time.Weekday

func (d *Weekday) UnmarshalText(b []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(b)))
	for w := time.Sunday; w <= time.Saturday; w++ {
		name := strings.ToLower(w.String())
		if s == name || s == name[:3] {
			*d = Weekday(w)
			return nil
		}
	}
	return fmt.Errorf("unknown weekday %q", string(b))
}

func (d Weekday) MarshalText() ([]byte, error) {
	return []byte(time.Weekday(d).String()), nil
}

// TimeOfDay is a wall-clock time within a day, written "15:04:05".
type TimeOfDay struct {
	Hour, Minute, Second int
}

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	var p time.Time
	var err error
	for _, layout := range []string{"15:04:05", "15:04"} {
		if p, err = time.Parse(layout, strings.TrimSpace(string(b))); err == nil {
			*t = TimeOfDay{Hour: p.Hour(), Minute: p.Minute(), Second: p.Second()}
			return nil
		}
	}
	return fmt.Errorf("invalid time of day %q: want HH:MM:SS", string(b))
}

func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

func (t TimeOfDay) offset() time.Duration {
	return time.Duration(t.Hour)*time.Hour + time.Duration(t.Minute)*time.Minute + time.Duration(t.Second)*time.Second
}

// Weekly is a recurring programme window, e.g. Sunday 19:02:01 to Sunday
// 20:59:53, expanded into concrete events over a rolling horizon.
type Weekly struct {
	Source    string        `json:"source" yaml:"source"`
	StartDay  Weekday       `json:"start_day" yaml:"start_day"`
	StartTime TimeOfDay     `json:"start_time" yaml:"start_time"`
	EndDay    Weekday       `json:"end_day" yaml:"end_day"`
	EndTime   TimeOfDay     `json:"end_time" yaml:"end_time"`
	FadeIn    time.Duration `json:"fade_in" yaml:"fade_in"`
	FadeOut   time.Duration `json:"fade_out" yaml:"fade_out"`
	Timezone  string        `json:"timezone" yaml:"timezone"`
}

const week = 7 * 24 * time.Hour

// length returns the window length; an end at or before the start on the
// same day wraps to the following week.
func (w Weekly) length() time.Duration {
	start := time.Duration(w.StartDay)*24*time.Hour + w.StartTime.offset()
	end := time.Duration(w.EndDay)*24*time.Hour + w.EndTime.offset()
	if end <= start {
		end += week
	}
	return end - start
}

func (w Weekly) location() (*time.Location, error) {
	if w.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(w.Timezone)
}

// Validate checks the window definition.
func (w Weekly) Validate() error {
	if _, err := w.location(); err != nil {
		return fmt.Errorf("%w: weekly %s: %v", ErrInvalidEvent, w.Source, err)
	}
	if w.FadeIn < 0 || w.FadeOut < 0 || w.FadeIn+w.FadeOut > w.length() {
		return fmt.Errorf("%w: weekly %s: fades do not fit the window", ErrInvalidEvent, w.Source)
	}
	return nil
}

// Expand returns the occurrences that are running at from or start before
// from+horizon. Event IDs are stable across expansions.
func (w Weekly) Expand(from time.Time, horizon time.Duration) ([]Event, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	loc, _ := w.location()
	length := w.length()
	until := from.Add(horizon)

	local := from.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, -7)

	var events []Event
	for ; day.Before(until); day = day.AddDate(0, 0, 1) {
		if day.Weekday() != time.Weekday(w.StartDay) {
			continue
		}
		start := time.Date(day.Year(), day.Month(), day.Day(), w.StartTime.Hour, w.StartTime.Minute, w.StartTime.Second, 0, loc)
		end := start.Add(length)
		if !end.After(from) || !start.Before(until) {
			continue
		}
		events = append(events, Event{
			ID:      fmt.Sprintf("%s@%s", w.Source, start.UTC().Format(time.RFC3339)),
			Source:  w.Source,
			Start:   start,
			End:     end,
			FadeIn:  w.FadeIn,
			FadeOut: w.FadeOut,
		})
	}
	return events, nil
}

// ExpandAll expands every window and appends the one-off events.
func ExpandAll(oneOff []Event, windows []Weekly, from time.Time, horizon time.Duration) ([]Event, error) {
	events := append([]Event(nil), oneOff...)
	var errs []error
	for _, w := range windows {
		ev, err := w.Expand(from, horizon)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		events = append(events, ev...)
	}
	return events, errors.Join(errs...)
}
