package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/satindergrewal/netsource/internal/schedule"
)

// ScheduleFile is the on-disk schedule: one-off events plus weekly windows.
//
//	events:
//	  - source: live
//	    start: 2026-10-24T20:00:00Z
//	    end: 2026-10-24T21:00:00Z
//	weekly:
//	  - start_day: saturday
//	    start_time: "20:00"
//	    end_day: saturday
//	    end_time: "21:00"
//	    timezone: Europe/London
type ScheduleFile struct {
	Events []schedule.Event  `yaml:"events"`
	Weekly []schedule.Weekly `yaml:"weekly"`
}

// LoadSchedule reads and validates a schedule file.
func LoadSchedule(path string) (ScheduleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ScheduleFile{}, fmt.Errorf("read schedule: %w", err)
	}
	return ParseSchedule(bytes.NewReader(data))
}

// ParseSchedule decodes a schedule. Unknown fields are errors, and every
// invalid entry is reported.
func ParseSchedule(r io.Reader) (ScheduleFile, error) {
	var f ScheduleFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return ScheduleFile{}, fmt.Errorf("decode schedule: %w", err)
	}

	var errs []error
	for i, e := range f.Events {
		if err := e.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("events[%d]: %w", i, err))
		}
	}
	for i, w := range f.Weekly {
		if err := w.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("weekly[%d]: %w", i, err))
		}
	}
	if len(errs) > 0 {
		return ScheduleFile{}, errors.Join(errs...)
	}
	return f, nil
}
