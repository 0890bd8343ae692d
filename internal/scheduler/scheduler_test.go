package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/appstead/appstead/internal/app"
	"github.com/appstead/appstead/internal/store"
	"github.com/appstead/appstead/internal/store/sqlite"
)

type call struct {
	appName    string
	scheduleID string
	timeout    time.Duration
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []call
	block chan struct{}
}

func (f *fakeRunner) RunScheduled(_ context.Context, appName, scheduleID string, timeout time.Duration) error {
	f.mu.Lock()
	f.calls = append(f.calls, call{appName, scheduleID, timeout})
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRunner) last() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	return db
}

func intervalSchedule(appName string, every time.Duration) *app.Schedule {
	return &app.Schedule{
		ID:       uuid.NewString(),
		AppName:  appName,
		Name:     "every",
		Type:     app.ScheduleInterval,
		Interval: every,
		Enabled:  true,
	}
}

func TestIntervalFires(t *testing.T) {
	st := newTestStore(t)
	runner := &fakeRunner{}
	sc := New(st, runner, Config{DefaultTimeout: time.Minute})
	defer sc.Stop()

	s := intervalSchedule("tick", 100*time.Millisecond)
	if err := sc.Add(context.Background(), s); err != nil {
		t.Fatalf("add: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for runner.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("only %d fires", runner.count())
		case <-time.After(20 * time.Millisecond):
		}
	}
	got := runner.last()
	if got.appName != "tick" || got.scheduleID != s.ID || got.timeout != time.Minute {
		t.Fatalf("unexpected call: %+v", got)
	}

	persisted, err := st.GetSchedule(context.Background(), s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if persisted.RunCount < 2 || persisted.LastRun == nil || persisted.NextRun == nil {
		t.Fatalf("fire bookkeeping not persisted: %+v", persisted)
	}
}

func TestOverlapSkipped(t *testing.T) {
	st := newTestStore(t)
	runner := &fakeRunner{block: make(chan struct{})}
	sc := New(st, runner, Config{})
	defer sc.Stop()

	s := intervalSchedule("busy", 100*time.Millisecond)
	if err := sc.Add(context.Background(), s); err != nil {
		t.Fatalf("add: %v", err)
	}

	// the first fire blocks; later fires must be skipped, not queued
	time.Sleep(550 * time.Millisecond)
	if got := runner.count(); got != 1 {
		t.Fatalf("%d runs while blocked, want 1", got)
	}
	close(runner.block)

	// cadence resumes once the run finishes
	deadline := time.After(5 * time.Second)
	for runner.count() < 2 {
		select {
		case <-deadline:
			t.Fatal("no fire after unblock")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestScheduleTimeoutOverridesDefault(t *testing.T) {
	st := newTestStore(t)
	runner := &fakeRunner{}
	sc := New(st, runner, Config{DefaultTimeout: time.Minute})
	defer sc.Stop()

	s := intervalSchedule("bounded", 50*time.Millisecond)
	s.Timeout = 7 * time.Second
	if err := sc.Add(context.Background(), s); err != nil {
		t.Fatalf("add: %v", err)
	}
	deadline := time.After(5 * time.Second)
	for runner.count() < 1 {
		select {
		case <-deadline:
			t.Fatal("no fire")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if got := runner.last().timeout; got != 7*time.Second {
		t.Fatalf("timeout = %s, want 7s", got)
	}
}

func TestDisabledScheduleNotArmed(t *testing.T) {
	st := newTestStore(t)
	runner := &fakeRunner{}
	sc := New(st, runner, Config{})
	defer sc.Stop()

	s := intervalSchedule("idle", 50*time.Millisecond)
	s.Enabled = false
	if err := sc.Add(context.Background(), s); err != nil {
		t.Fatalf("add: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if runner.count() != 0 {
		t.Fatalf("disabled schedule fired %d times", runner.count())
	}
	persisted, err := st.GetSchedule(context.Background(), s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if persisted.NextRun != nil {
		t.Fatal("disabled schedule carries a next fire")
	}
}

func TestRemoveCancels(t *testing.T) {
	st := newTestStore(t)
	runner := &fakeRunner{}
	sc := New(st, runner, Config{})
	defer sc.Stop()

	s := intervalSchedule("gone", 50*time.Millisecond)
	if err := sc.Add(context.Background(), s); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := sc.Remove(context.Background(), s.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	before := runner.count()
	time.Sleep(250 * time.Millisecond)
	if runner.count() != before {
		t.Fatal("removed schedule still firing")
	}
	if _, err := st.GetSchedule(context.Background(), s.ID); err == nil {
		t.Fatal("schedule still in store")
	}
}

func TestMisfireSkipAdvances(t *testing.T) {
	st := newTestStore(t)
	runner := &fakeRunner{}
	sc := New(st, runner, Config{})
	defer sc.Stop()

	// the engine was down over the 07:00 fire
	fixed := time.Date(2026, 1, 18, 10, 0, 0, 0, time.UTC)
	sc.now = func() time.Time { return fixed }

	missed := time.Date(2026, 1, 18, 7, 0, 0, 0, time.UTC)
	s := &app.Schedule{
		ID:       uuid.NewString(),
		AppName:  "daily",
		Name:     "morning",
		Type:     app.ScheduleCron,
		CronExpr: "0 7 * * *",
		Timezone: "UTC",
		Enabled:  true,
		Misfire:  app.MisfireSkip,
		NextRun:  &missed,
	}
	if err := st.SaveSchedule(context.Background(), s); err != nil {
		t.Fatal(err)
	}

	if err := sc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if runner.count() != 0 {
		t.Fatalf("skip policy ran the missed fire %d times", runner.count())
	}
	persisted, err := st.GetSchedule(context.Background(), s.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 1, 19, 7, 0, 0, 0, time.UTC)
	if persisted.NextRun == nil || !persisted.NextRun.Equal(want) {
		t.Fatalf("next run = %v, want %v", persisted.NextRun, want)
	}
}

func TestMisfireFireOnceRunsImmediately(t *testing.T) {
	st := newTestStore(t)
	runner := &fakeRunner{}
	sc := New(st, runner, Config{})
	defer sc.Stop()

	fixed := time.Date(2026, 1, 18, 10, 0, 0, 0, time.UTC)
	sc.now = func() time.Time { return fixed }

	missed := time.Date(2026, 1, 18, 7, 0, 0, 0, time.UTC)
	s := &app.Schedule{
		ID:       uuid.NewString(),
		AppName:  "daily",
		Name:     "morning",
		Type:     app.ScheduleCron,
		CronExpr: "0 7 * * *",
		Timezone: "UTC",
		Enabled:  true,
		Misfire:  app.MisfireFireOnce,
		NextRun:  &missed,
	}
	if err := st.SaveSchedule(context.Background(), s); err != nil {
		t.Fatal(err)
	}

	if err := sc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for runner.count() < 1 {
		select {
		case <-deadline:
			t.Fatal("fire-once policy did not run the missed fire")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if runner.count() != 1 {
		t.Fatalf("ran %d times, want exactly 1", runner.count())
	}
	// cadence resumes at the normal next occurrence, not doubled
	persisted, err := st.GetSchedule(context.Background(), s.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 1, 19, 7, 0, 0, 0, time.UTC)
	if persisted.NextRun == nil || !persisted.NextRun.Equal(want) {
		t.Fatalf("next run = %v, want %v", persisted.NextRun, want)
	}
}

func TestPauseAndResumeApp(t *testing.T) {
	st := newTestStore(t)
	runner := &fakeRunner{}
	sc := New(st, runner, Config{})
	defer sc.Stop()

	s := intervalSchedule("paused", 50*time.Millisecond)
	if err := sc.Add(context.Background(), s); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := sc.PauseApp(context.Background(), "paused"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	before := runner.count()
	time.Sleep(250 * time.Millisecond)
	if runner.count() != before {
		t.Fatal("paused schedule still firing")
	}

	if err := sc.ResumeApp(context.Background(), "paused"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	deadline := time.After(5 * time.Second)
	for runner.count() <= before {
		select {
		case <-deadline:
			t.Fatal("no fire after resume")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
