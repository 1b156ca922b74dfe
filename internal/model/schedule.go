package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type ScheduleKind string

const (
	ScheduleInterval ScheduleKind = "interval"
	ScheduleCron     ScheduleKind = "cron"
)

// Schedule is a tagged union: either a fixed interval in seconds, or a
// standard 5-field cron expression evaluated in Timezone.
type Schedule struct {
	Kind       ScheduleKind `json:"kind"`
	Seconds    int          `json:"seconds,omitempty"`
	Expression string       `json:"expression,omitempty"`
	Timezone   string       `json:"timezone,omitempty"`
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleInterval:
		if s.Seconds < 1 {
			return fmt.Errorf("interval seconds must be at least 1, got %d", s.Seconds)
		}
		return nil
	case ScheduleCron:
		if strings.TrimSpace(s.Expression) == "" {
			return fmt.Errorf("cron expression is required")
		}
		if _, err := cronParser.Parse(s.Expression); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", s.Expression, err)
		}
		if _, err := s.location(); err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

// Next computes the run time following now. It is a pure function of the
// schedule and now; cron schedules are evaluated in the schedule's timezone.
func (s Schedule) Next(now time.Time) (time.Time, error) {
	switch s.Kind {
	case ScheduleInterval:
		if s.Seconds < 1 {
			return time.Time{}, fmt.Errorf("interval seconds must be at least 1, got %d", s.Seconds)
		}
		return now.Add(time.Duration(s.Seconds) * time.Second), nil
	case ScheduleCron:
		sched, err := cronParser.Parse(s.Expression)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", s.Expression, err)
		}
		loc, err := s.location()
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(now.In(loc)), nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

func (s Schedule) location() (*time.Location, error) {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}

// String renders a human-readable form for logs and API listings.
func (s Schedule) String() string {
	switch s.Kind {
	case ScheduleInterval:
		return fmt.Sprintf("every %ds", s.Seconds)
	case ScheduleCron:
		if s.Timezone != "" {
			return fmt.Sprintf("cron %q (%s)", s.Expression, s.Timezone)
		}
		return fmt.Sprintf("cron %q", s.Expression)
	default:
		return string(s.Kind)
	}
}
