package app

import (
	"testing"
	"time"
)

func TestScheduleNextCronUTC(t *testing.T) {
	s := &Schedule{
		AppName:  "report",
		Name:     "daily",
		Type:     ScheduleCron,
		CronExpr: "0 7 * * *",
		Timezone: "UTC",
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	from := time.Date(2026, 1, 18, 10, 0, 0, 0, time.UTC)
	next, err := s.Next(from)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	want := time.Date(2026, 1, 19, 7, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %s, want %s", next, want)
	}
}

func TestScheduleNextCronTimezone(t *testing.T) {
	s := &Schedule{
		AppName:  "report",
		Name:     "daily",
		Type:     ScheduleCron,
		CronExpr: "0 7 * * *",
		Timezone: "America/New_York",
	}
	from := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	next, err := s.Next(from)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	// 07:00 EDT == 11:00 UTC during DST.
	want := time.Date(2026, 6, 1, 11, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %s, want %s", next.UTC(), want)
	}
}

func TestScheduleNextInterval(t *testing.T) {
	s := &Schedule{
		AppName:  "poller",
		Name:     "every-5m",
		Type:     ScheduleInterval,
		Interval: 5 * time.Minute,
	}
	from := time.Date(2026, 1, 18, 10, 0, 0, 0, time.UTC)
	next, err := s.Next(from)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !next.Equal(from.Add(5 * time.Minute)) {
		t.Fatalf("next = %s, want from+5m", next)
	}
}

func TestScheduleValidate(t *testing.T) {
	bad := []*Schedule{
		{AppName: "a", Name: "s", Type: ScheduleCron, CronExpr: "not a cron"},
		{AppName: "a", Name: "s", Type: ScheduleCron},
		{AppName: "a", Name: "s", Type: ScheduleInterval},
		{AppName: "a", Name: "s", Type: "hourly"},
		{AppName: "a", Name: "s", Type: ScheduleInterval, Interval: time.Second, Timezone: "Mars/Olympus"},
		{AppName: "a", Name: "s", Type: ScheduleInterval, Interval: time.Second, Misfire: "retry-forever"},
		{AppName: "a", Type: ScheduleInterval, Interval: time.Second},
	}
	for i, s := range bad {
		if err := s.Validate(); err == nil {
			t.Errorf("case %d: invalid schedule accepted", i)
		}
	}

	ok := &Schedule{AppName: "a", Name: "s", Type: ScheduleCron, CronExpr: "@hourly"}
	if err := ok.Validate(); err != nil {
		t.Errorf("descriptor schedule rejected: %v", err)
	}
	ok.GetDefaults()
	if ok.Timezone != "UTC" || ok.Misfire != MisfireSkip {
		t.Errorf("defaults = %s/%s, want UTC/skip", ok.Timezone, ok.Misfire)
	}
}

func TestExecutionTerminal(t *testing.T) {
	for _, s := range []ExecutionStatus{ExecSuccess, ExecFailed, ExecTimeout, ExecOrphaned} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []ExecutionStatus{ExecPending, ExecRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
