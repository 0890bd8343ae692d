package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/appstead/appstead/internal/app"
	"github.com/appstead/appstead/internal/metrics"
	"github.com/appstead/appstead/internal/store"
)

// Runner executes one fire of a schedule. The engine implements it; the
// scheduler only decides WHEN to run, never how.
type Runner interface {
	RunScheduled(ctx context.Context, appName, scheduleID string, timeout time.Duration) error
}

// Scheduler drives cron and interval schedules. Each active schedule
// owns one timer; fires of the same schedule never overlap, a fire
// landing while the previous run is still active is skipped and the
// cadence continues (coalesced, at most one pending occurrence).
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*entry
	stopped bool

	st     store.Store
	runner Runner

	defaultTimeout time.Duration
	defaultMisfire app.MisfirePolicy

	now func() time.Time
	wg  sync.WaitGroup
}

type entry struct {
	sched   app.Schedule
	timer   *time.Timer
	running bool
	removed bool
}

type Config struct {
	DefaultTimeout time.Duration
	DefaultMisfire app.MisfirePolicy
}

func New(st store.Store, runner Runner, cfg Config) *Scheduler {
	misfire := cfg.DefaultMisfire
	if misfire == "" {
		misfire = app.MisfireSkip
	}
	return &Scheduler{
		entries:        make(map[string]*entry),
		st:             st,
		runner:         runner,
		defaultTimeout: cfg.DefaultTimeout,
		defaultMisfire: misfire,
		now:            time.Now,
	}
}

// Start loads every enabled schedule from the store and arms it,
// applying each schedule's misfire policy to fire times that elapsed
// while the engine was down.
func (sc *Scheduler) Start(ctx context.Context) error {
	scheds, err := sc.st.ListSchedules(ctx, "")
	if err != nil {
		return err
	}
	for _, s := range scheds {
		if !s.Enabled {
			continue
		}
		if err := sc.arm(ctx, s, true); err != nil {
			slog.Error("arming schedule failed", "schedule", s.Name, "app", s.AppName, "err", err)
		}
	}
	slog.Info("scheduler started", "schedules", len(sc.entries))
	return nil
}

// Add validates, persists and arms a new or updated schedule. A
// disabled schedule is persisted but not armed.
func (sc *Scheduler) Add(ctx context.Context, s *app.Schedule) error {
	s.GetDefaults()
	if s.Misfire == "" {
		s.Misfire = sc.defaultMisfire
	}
	if err := s.Validate(); err != nil {
		return err
	}
	sc.cancel(s.ID)
	if !s.Enabled {
		s.NextRun = nil
		return sc.st.SaveSchedule(ctx, s)
	}
	return sc.arm(ctx, s, false)
}

// Remove cancels and deletes a schedule.
func (sc *Scheduler) Remove(ctx context.Context, id string) error {
	sc.cancel(id)
	return sc.st.DeleteSchedule(ctx, id)
}

// RemoveApp cancels and deletes every schedule of one app, used when
// the app is deleted.
func (sc *Scheduler) RemoveApp(ctx context.Context, appName string) error {
	scheds, err := sc.st.ListSchedules(ctx, appName)
	if err != nil {
		return err
	}
	for _, s := range scheds {
		if err := sc.Remove(ctx, s.ID); err != nil {
			return err
		}
	}
	return nil
}

// PauseApp disarms every schedule of one app without deleting it, used
// when the app is disabled.
func (sc *Scheduler) PauseApp(ctx context.Context, appName string) error {
	scheds, err := sc.st.ListSchedules(ctx, appName)
	if err != nil {
		return err
	}
	for _, s := range scheds {
		sc.cancel(s.ID)
	}
	return nil
}

// ResumeApp re-arms the enabled schedules of one app, used when the
// app is re-enabled. Missed occurrences follow the misfire policy.
func (sc *Scheduler) ResumeApp(ctx context.Context, appName string) error {
	scheds, err := sc.st.ListSchedules(ctx, appName)
	if err != nil {
		return err
	}
	for _, s := range scheds {
		if !s.Enabled {
			continue
		}
		if err := sc.arm(ctx, s, true); err != nil {
			return err
		}
	}
	return nil
}

// Stop cancels all timers and waits for in-flight runs.
func (sc *Scheduler) Stop() {
	sc.mu.Lock()
	sc.stopped = true
	for _, e := range sc.entries {
		e.removed = true
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	sc.entries = make(map[string]*entry)
	sc.mu.Unlock()
	sc.wg.Wait()
}

// arm computes the schedule's next fire and starts its timer. With
// resuming set, a persisted NextRun in the past is treated per the
// misfire policy.
func (sc *Scheduler) arm(ctx context.Context, s *app.Schedule, resuming bool) error {
	now := sc.now()
	fireNow := false
	var next time.Time
	if resuming && s.NextRun != nil && s.NextRun.Before(now) {
		missed := *s.NextRun
		fireNow = s.Misfire == app.MisfireFireOnce
		n, err := s.Next(now)
		if err != nil {
			return err
		}
		next = n
		slog.Warn("missed fire", "schedule", s.Name, "app", s.AppName,
			"missed", missed, "policy", s.Misfire)
	} else {
		n, err := s.Next(now)
		if err != nil {
			return err
		}
		next = n
	}

	s.NextRun = &next
	s.UpdatedAt = now.UTC()
	if err := sc.st.SaveSchedule(ctx, s); err != nil {
		return err
	}

	sc.mu.Lock()
	if sc.stopped {
		sc.mu.Unlock()
		return fmt.Errorf("scheduler stopped")
	}
	if old := sc.entries[s.ID]; old != nil {
		old.removed = true
		if old.timer != nil {
			old.timer.Stop()
		}
	}
	e := &entry{sched: *s}
	e.timer = time.AfterFunc(next.Sub(now), func() { sc.fire(e) })
	sc.entries[s.ID] = e
	sc.mu.Unlock()

	metrics.SetScheduleNextFire(s.AppName, s.Name, float64(next.Unix()))
	if fireNow {
		sc.launch(e, now)
	}
	return nil
}

// fire handles one timer expiry: skip if the previous run is still
// active, otherwise launch, and in both cases arm the next occurrence.
func (sc *Scheduler) fire(e *entry) {
	now := sc.now()

	sc.mu.Lock()
	if e.removed || sc.stopped {
		sc.mu.Unlock()
		return
	}
	skip := e.running
	next, err := e.sched.Next(now)
	if err == nil {
		e.sched.NextRun = &next
		e.timer = time.AfterFunc(next.Sub(now), func() { sc.fire(e) })
	}
	sc.mu.Unlock()

	if err != nil {
		slog.Error("computing next fire failed", "schedule", e.sched.Name, "err", err)
		return
	}
	metrics.SetScheduleNextFire(e.sched.AppName, e.sched.Name, float64(next.Unix()))

	if skip {
		metrics.IncScheduleSkip(e.sched.AppName)
		sc.mu.Lock()
		snap := e.sched
		sc.mu.Unlock()
		if err := sc.st.SaveSchedule(context.Background(), &snap); err != nil {
			slog.Warn("persisting skip failed", "schedule", snap.Name, "err", err)
		}
		slog.Warn("fire skipped, previous run still active",
			"schedule", e.sched.Name, "app", e.sched.AppName)
		return
	}
	sc.launch(e, now)
}

// launch marks the schedule running, persists the fire bookkeeping and
// executes the run in the background.
func (sc *Scheduler) launch(e *entry, at time.Time) {
	sc.mu.Lock()
	if e.running || e.removed {
		sc.mu.Unlock()
		return
	}
	e.running = true
	e.sched.LastRun = &at
	e.sched.RunCount++
	snap := e.sched
	sc.mu.Unlock()

	ctx := context.Background()
	if err := sc.st.SaveSchedule(ctx, &snap); err != nil {
		slog.Warn("persisting fire failed", "schedule", snap.Name, "err", err)
	}
	metrics.IncScheduleFire(snap.AppName)

	timeout := snap.Timeout
	if timeout <= 0 {
		timeout = sc.defaultTimeout
	}
	sc.wg.Add(1)
	go func() {
		defer sc.wg.Done()
		defer func() {
			sc.mu.Lock()
			e.running = false
			sc.mu.Unlock()
		}()
		if err := sc.runner.RunScheduled(ctx, snap.AppName, snap.ID, timeout); err != nil {
			slog.Warn("scheduled run failed", "schedule", snap.Name, "app", snap.AppName, "err", err)
		}
	}()
}

// cancel disarms a schedule's timer if armed.
func (sc *Scheduler) cancel(id string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if e := sc.entries[id]; e != nil {
		e.removed = true
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(sc.entries, id)
	}
}
