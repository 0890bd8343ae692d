package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleType selects how fire times are computed.
type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
)

// MisfirePolicy decides what happens to fire times that elapsed while
// the engine was not running to act on them.
type MisfirePolicy string

const (
	// MisfireSkip advances to the next future occurrence.
	MisfireSkip MisfirePolicy = "skip"
	// MisfireFireOnce runs the app once immediately, then resumes the
	// normal cadence.
	MisfireFireOnce MisfirePolicy = "fire-once"
)

// CronParser is the shared parser for schedule expressions: standard
// five-field crontab plus @-descriptors.
var CronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Schedule is a trigger specification for one scheduled app. An app may
// carry several schedules. The scheduler engine is the sole writer of
// LastRun, NextRun, and RunCount.
type Schedule struct {
	ID      string `json:"id"`
	AppName string `json:"app_name"`
	Name    string `json:"name"`

	Type     ScheduleType  `json:"type"`
	CronExpr string        `json:"cron_expr,omitempty"`
	Interval time.Duration `json:"interval,omitempty"`
	Timezone string        `json:"timezone"`

	Enabled bool          `json:"enabled"`
	Timeout time.Duration `json:"timeout,omitempty"`
	Misfire MisfirePolicy `json:"misfire"`

	LastRun  *time.Time `json:"last_run,omitempty"`
	NextRun  *time.Time `json:"next_run,omitempty"`
	RunCount int        `json:"run_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GetDefaults fills zero fields.
func (s *Schedule) GetDefaults() {
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	if s.Misfire == "" {
		s.Misfire = MisfireSkip
	}
}

// Validate checks the trigger specification, including that the cron
// expression parses and the timezone loads.
func (s *Schedule) Validate() error {
	if s.Name == "" {
		return errors.New("schedule name is required")
	}
	if s.AppName == "" {
		return errors.New("schedule app_name is required")
	}
	switch s.Type {
	case ScheduleCron:
		if s.CronExpr == "" {
			return errors.New("cron schedule requires cron_expr")
		}
		if _, err := CronParser.Parse(s.CronExpr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", s.CronExpr, err)
		}
	case ScheduleInterval:
		if s.Interval <= 0 {
			return errors.New("interval schedule requires interval > 0")
		}
	default:
		return fmt.Errorf("unknown schedule type %q", s.Type)
	}
	switch s.Misfire {
	case "", MisfireSkip, MisfireFireOnce:
	default:
		return fmt.Errorf("unknown misfire policy %q", s.Misfire)
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
		}
	}
	return nil
}

// Location resolves the schedule's timezone, falling back to UTC.
func (s *Schedule) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Next computes the first fire time strictly after from, evaluated in
// the schedule's timezone.
func (s *Schedule) Next(from time.Time) (time.Time, error) {
	switch s.Type {
	case ScheduleCron:
		sched, err := CronParser.Parse(s.CronExpr)
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(from.In(s.Location())), nil
	case ScheduleInterval:
		return from.Add(s.Interval), nil
	}
	return time.Time{}, fmt.Errorf("unknown schedule type %q", s.Type)
}
