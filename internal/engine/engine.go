package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/appstead/appstead/internal/app"
	"github.com/appstead/appstead/internal/config"
	"github.com/appstead/appstead/internal/history"
	"github.com/appstead/appstead/internal/logger"
	"github.com/appstead/appstead/internal/metrics"
	"github.com/appstead/appstead/internal/process"
	"github.com/appstead/appstead/internal/provisioner"
	"github.com/appstead/appstead/internal/recorder"
	"github.com/appstead/appstead/internal/scheduler"
	"github.com/appstead/appstead/internal/source"
	"github.com/appstead/appstead/internal/store"
	"github.com/appstead/appstead/internal/supervisor"
	"github.com/appstead/appstead/internal/update"
)

// Engine is the single owner of app records and their lifecycle. Every
// mutation runs under that app's lock; the supervisor and scheduler
// report back through the engine instead of touching records
// themselves.
type Engine struct {
	st    store.Store
	rec   *recorder.Recorder
	sup   *supervisor.Supervisor
	sched *scheduler.Scheduler
	prov  *provisioner.Provisioner
	upd   *update.Updater

	paths          config.Paths
	defaultTimeout time.Duration

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	// runMu guards the per-app run latch: at most one execution per
	// app across manual and scheduled triggers, cancelable from
	// Disable, Delete and Shutdown.
	runMu sync.Mutex
	runs  map[string]*runHandle

	// recordMu serializes record writes coming from supervisor
	// callbacks against each other; per-app op locks cover the rest.
	recordMu sync.Mutex
}

type runHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// keepBackups bounds how many previous versions survive an update.
const keepBackups = 5

// New wires the engine from configuration. sink may be nil.
func New(cfg *config.Config, st store.Store, sink history.Sink) *Engine {
	paths := cfg.Paths()
	_ = metrics.Register(nil)
	rec := recorder.New(st, sink)
	prov := provisioner.New(paths, cfg.Provisioner)
	e := &Engine{
		st:             st,
		rec:            rec,
		prov:           prov,
		upd:            update.New(paths, prov),
		paths:          paths,
		defaultTimeout: cfg.Scheduler.DefaultTimeout,
		locks:          make(map[string]*sync.Mutex),
		runs:           make(map[string]*runHandle),
	}
	sinkCfg := logger.SinkConfig{
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}
	e.sup = supervisor.New(rec, paths, sinkCfg, prov.InterpreterPath, cfg.Supervisor, e)
	e.sched = scheduler.New(st, e, scheduler.Config{
		DefaultTimeout: cfg.Scheduler.DefaultTimeout,
		DefaultMisfire: app.MisfirePolicy(cfg.Scheduler.DefaultMisfire),
	})
	return e
}

func (e *Engine) lock(name string) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	m := e.locks[name]
	if m == nil {
		m = &sync.Mutex{}
		e.locks[name] = m
	}
	return m
}

// beginRun claims the app's single run slot. ok is false when an
// execution for the app is already in flight; otherwise the returned
// context is canceled by cancelRun and release must be called once the
// run finishes.
func (e *Engine) beginRun(ctx context.Context, name string) (runCtx context.Context, release func(), ok bool) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if _, busy := e.runs[name]; busy {
		return nil, nil, false
	}
	runCtx, cancel := context.WithCancel(ctx)
	h := &runHandle{cancel: cancel, done: make(chan struct{})}
	e.runs[name] = h
	release = func() {
		cancel()
		e.runMu.Lock()
		delete(e.runs, name)
		e.runMu.Unlock()
		close(h.done)
	}
	return runCtx, release, true
}

// cancelRun interrupts the app's in-flight run, if any, and waits for
// it to finalize its execution record.
func (e *Engine) cancelRun(name string) {
	e.runMu.Lock()
	h := e.runs[name]
	e.runMu.Unlock()
	if h == nil {
		return
	}
	h.cancel()
	<-h.done
}

// UploadSpec describes one app registration. Exactly one of Archive or
// GitURL must be set.
type UploadSpec struct {
	Name        string
	DisplayName string
	Description string
	Kind        app.Kind
	Entrypoint  string
	Env         []string
	Restart     app.RestartPolicy

	Archive   io.Reader
	GitURL    string
	GitBranch string
}

// Upload registers a new app: acquire its source (archive or git),
// detect or validate the entrypoint and persist the record in state
// uploaded.
func (e *Engine) Upload(ctx context.Context, spec UploadSpec) (*app.App, error) {
	if !app.ValidName(spec.Name) {
		return nil, fmt.Errorf("app name: allowed [A-Za-z0-9._-], max 128 chars, no '..'")
	}
	mu := e.lock(spec.Name)
	mu.Lock()
	defer mu.Unlock()

	if _, err := e.st.GetApp(ctx, spec.Name); err == nil {
		return nil, fmt.Errorf("app %s: already exists", spec.Name)
	}

	a := &app.App{
		ID:          uuid.NewString(),
		Name:        spec.Name,
		DisplayName: spec.DisplayName,
		Description: spec.Description,
		Kind:        spec.Kind,
		State:       app.StateUploaded,
		Entrypoint:  spec.Entrypoint,
		Env:         spec.Env,
		Restart:     spec.Restart,
		Version:     1,
	}
	if a.DisplayName == "" {
		a.DisplayName = a.Name
	}
	a.Restart.GetDefaults()

	staged, err := e.stageSource(ctx, a, spec)
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.RemoveAll(staged) }()

	if a.Entrypoint == "" {
		detected, err := source.DetectEntrypoint(staged)
		if err != nil {
			return nil, err
		}
		a.Entrypoint = detected
	} else if err := source.ValidateEntrypoint(staged, a.Entrypoint); err != nil {
		return nil, err
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}

	srcDir := e.paths.SourceDir(a.Name)
	if err := os.RemoveAll(srcDir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(e.paths.AppDir(a.Name), 0o755); err != nil {
		return nil, err
	}
	if err := os.Rename(staged, srcDir); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	if err := e.st.SaveApp(ctx, a); err != nil {
		return nil, err
	}
	slog.Info("app uploaded", "app", a.Name, "kind", a.Kind, "entrypoint", a.Entrypoint)
	return a, nil
}

// Install provisions the app's isolated environment and installs its
// dependency manifest. On failure the app stays uploaded with the
// error recorded, and Install may be retried.
func (e *Engine) Install(ctx context.Context, name string) (*app.App, error) {
	mu := e.lock(name)
	mu.Lock()
	defer mu.Unlock()

	a, err := e.st.GetApp(ctx, name)
	if err != nil {
		return nil, err
	}
	if !a.CanInstall() {
		return nil, &app.InvalidStateError{App: name, Op: "install", From: a.State}
	}
	if err := e.prov.Provision(ctx, name); err != nil {
		e.recordError(ctx, a, err)
		return nil, err
	}
	a.State = app.StateInstalled
	a.LastError = ""
	a.LastErrorAt = nil
	if err := e.save(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Enable makes the app eligible to run and re-arms its schedules.
func (e *Engine) Enable(ctx context.Context, name string) (*app.App, error) {
	mu := e.lock(name)
	mu.Lock()
	defer mu.Unlock()

	a, err := e.st.GetApp(ctx, name)
	if err != nil {
		return nil, err
	}
	if !a.CanEnable() {
		return nil, &app.InvalidStateError{App: name, Op: "enable", From: a.State}
	}
	a.State = app.StateEnabled
	if err := e.save(ctx, a); err != nil {
		return nil, err
	}
	if a.Kind == app.KindScheduled {
		if err := e.sched.ResumeApp(ctx, name); err != nil {
			slog.Warn("resuming schedules failed", "app", name, "err", err)
		}
	}
	return a, nil
}

// Disable stops the app if running, disarms its schedules and parks it.
func (e *Engine) Disable(ctx context.Context, name string) (*app.App, error) {
	mu := e.lock(name)
	mu.Lock()
	defer mu.Unlock()

	a, err := e.st.GetApp(ctx, name)
	if err != nil {
		return nil, err
	}
	if !a.CanDisable() {
		return nil, &app.InvalidStateError{App: name, Op: "disable", From: a.State}
	}
	if a.IsRunning() || e.sup.Running(name) {
		if err := e.sup.Stop(ctx, name); err != nil {
			slog.Warn("stop during disable failed", "app", name, "err", err)
		}
	}
	e.cancelRun(name)
	if a.Kind == app.KindScheduled {
		if err := e.sched.PauseApp(ctx, name); err != nil {
			slog.Warn("pausing schedules failed", "app", name, "err", err)
		}
	}
	a.State = app.StateDisabled
	a.PID = 0
	if err := e.save(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Start launches a perpetual app under supervision. Starting resets
// the restart window.
func (e *Engine) Start(ctx context.Context, name string) (*app.App, error) {
	mu := e.lock(name)
	mu.Lock()
	defer mu.Unlock()

	a, err := e.st.GetApp(ctx, name)
	if err != nil {
		return nil, err
	}
	if a.Kind != app.KindPerpetual {
		return nil, fmt.Errorf("app %s: only perpetual apps can be started; use run for scheduled apps", name)
	}
	if !a.CanStart() {
		return nil, &app.InvalidStateError{App: name, Op: "start", From: a.State}
	}
	pid, err := e.sup.Start(ctx, a, app.TriggerManual)
	if err != nil {
		e.recordError(ctx, a, err)
		return nil, err
	}
	a.State = app.StateRunning
	a.PID = pid
	a.LastError = ""
	a.LastErrorAt = nil
	if err := e.save(ctx, a); err != nil {
		return nil, err
	}
	e.updateRunningGauge(ctx)
	return a, nil
}

// Stop gracefully stops a running perpetual app.
func (e *Engine) Stop(ctx context.Context, name string) (*app.App, error) {
	mu := e.lock(name)
	mu.Lock()
	defer mu.Unlock()

	a, err := e.st.GetApp(ctx, name)
	if err != nil {
		return nil, err
	}
	if !a.CanStop() {
		return nil, &app.InvalidStateError{App: name, Op: "stop", From: a.State}
	}
	if err := e.sup.Stop(ctx, name); err != nil {
		slog.Warn("supervisor stop failed", "app", name, "err", err)
	}
	a.State = app.StateStopped
	a.PID = 0
	if err := e.save(ctx, a); err != nil {
		return nil, err
	}
	e.updateRunningGauge(ctx)
	return a, nil
}

// Restart stops the app if it is running, then starts it.
func (e *Engine) Restart(ctx context.Context, name string) (*app.App, error) {
	a, err := e.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if a.CanStop() {
		if _, err := e.Stop(ctx, name); err != nil {
			return nil, err
		}
	}
	return e.Start(ctx, name)
}

// UpdateSpec carries the replacement source for an update. Exactly one
// of Archive or GitURL must be set; an empty GitURL reuses the app's
// recorded git origin. The zero flags keep the safe defaults: a
// timestamped backup of the previous tree and a full re-provision.
type UpdateSpec struct {
	Archive   io.Reader
	GitURL    string
	GitBranch string

	SkipBackup    bool
	SkipReinstall bool
}

// Update replaces the app's source atomically: stop if running, swap in
// the staged tree with the previous version kept as a backup,
// re-provision, then restart if it was running before. A failure at any
// step rolls the source and environment back to the previous version.
func (e *Engine) Update(ctx context.Context, name string, spec UpdateSpec) (*app.App, error) {
	mu := e.lock(name)
	mu.Lock()
	defer mu.Unlock()

	a, err := e.st.GetApp(ctx, name)
	if err != nil {
		return nil, err
	}
	switch a.State {
	case app.StateUploaded, app.StateDeleted:
		return nil, &app.InvalidStateError{App: name, Op: "update", From: a.State}
	}

	wasRunning := a.State == app.StateRunning || e.sup.Running(name)
	if wasRunning {
		if err := e.sup.Stop(ctx, name); err != nil {
			slog.Warn("stop during update failed", "app", name, "err", err)
		}
		a.State = app.StateStopped
		a.PID = 0
		if err := e.save(ctx, a); err != nil {
			return nil, err
		}
	}
	restart := func() {
		if !wasRunning {
			return
		}
		if pid, err := e.sup.Start(ctx, a, app.TriggerRestart); err == nil {
			a.State = app.StateRunning
			a.PID = pid
		} else {
			a.State = app.StateFailed
			e.recordError(ctx, a, err)
		}
	}

	up := UploadSpec{Archive: spec.Archive, GitURL: spec.GitURL, GitBranch: spec.GitBranch}
	if up.Archive == nil && up.GitURL == "" && a.Source.Type == app.SourceGit {
		up.GitURL = a.Source.GitURL
		up.GitBranch = a.Source.GitBranch
	}
	next := *a
	staged, err := e.stageSource(ctx, &next, up)
	if err != nil {
		restart()
		_ = e.save(ctx, a)
		return nil, err
	}
	defer func() { _ = os.RemoveAll(staged) }()

	if err := source.ValidateEntrypoint(staged, a.Entrypoint); err != nil {
		restart()
		_ = e.save(ctx, a)
		return nil, err
	}

	backupDir, err := e.upd.Apply(ctx, name, staged, update.Options{
		SkipBackup:    spec.SkipBackup,
		SkipReinstall: spec.SkipReinstall,
	})
	if err != nil {
		restart()
		e.recordError(ctx, a, err)
		return nil, err
	}

	now := time.Now().UTC()
	a.Source = next.Source
	a.Version++
	a.UpdateCount++
	a.LastUpdatedAt = &now
	a.LastError = ""
	a.LastErrorAt = nil
	restart()
	if err := e.save(ctx, a); err != nil {
		return nil, err
	}
	e.updateRunningGauge(ctx)
	if err := e.upd.PruneBackups(name, keepBackups); err != nil {
		slog.Warn("pruning backups failed", "app", name, "err", err)
	}
	slog.Info("app updated", "app", name, "version", a.Version, "backup", backupDir)
	return a, nil
}

// RunNow executes one manual run of a scheduled app and returns the
// finalized execution.
func (e *Engine) RunNow(ctx context.Context, name string) (*app.Execution, error) {
	mu := e.lock(name)
	mu.Lock()
	a, err := e.st.GetApp(ctx, name)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	if a.Kind != app.KindScheduled {
		mu.Unlock()
		return nil, fmt.Errorf("app %s: run applies to scheduled apps; use start for perpetual apps", name)
	}
	if a.State != app.StateEnabled {
		mu.Unlock()
		return nil, &app.InvalidStateError{App: name, Op: "run", From: a.State}
	}
	runCtx, release, ok := e.beginRun(ctx, name)
	if !ok {
		mu.Unlock()
		return nil, &app.ExecutionConflictError{App: name}
	}
	snap := *a
	mu.Unlock()
	defer release()

	// the run itself happens outside the lock so the app stays
	// operable while a long job is in flight
	return e.sup.RunOnce(runCtx, &snap, app.TriggerManual, "", e.defaultTimeout)
}

// RunScheduled implements scheduler.Runner. A fire landing while any
// run of the app is active, scheduled or manual, is skipped.
func (e *Engine) RunScheduled(ctx context.Context, appName, scheduleID string, timeout time.Duration) error {
	mu := e.lock(appName)
	mu.Lock()
	a, err := e.st.GetApp(ctx, appName)
	if err != nil {
		mu.Unlock()
		return err
	}
	if a.Kind != app.KindScheduled || a.State != app.StateEnabled {
		mu.Unlock()
		slog.Debug("fire ignored, app not eligible", "app", appName, "state", a.State)
		return nil
	}
	runCtx, release, ok := e.beginRun(ctx, appName)
	if !ok {
		mu.Unlock()
		metrics.IncScheduleSkip(appName)
		slog.Warn("fire skipped, another run of the app is active",
			"app", appName, "schedule", scheduleID)
		return nil
	}
	snap := *a
	mu.Unlock()
	defer release()

	_, err = e.sup.RunOnce(runCtx, &snap, app.TriggerScheduled, scheduleID, timeout)
	return err
}

// Delete stops the app, removes its schedules and soft-deletes the
// record. With hard set the environment, source and backup directories
// are removed as well. Execution history stays queryable either way.
func (e *Engine) Delete(ctx context.Context, name string, hard bool) error {
	mu := e.lock(name)
	mu.Lock()
	defer mu.Unlock()

	a, err := e.st.GetApp(ctx, name)
	if err != nil {
		return err
	}
	if e.sup.Running(name) {
		if err := e.sup.Stop(ctx, name); err != nil {
			slog.Warn("stop during delete failed", "app", name, "err", err)
		}
	}
	e.cancelRun(name)
	if err := e.sched.RemoveApp(ctx, name); err != nil {
		return err
	}

	now := time.Now().UTC()
	a.State = app.StateDeleted
	a.PID = 0
	a.IsDeleted = true
	a.DeletedAt = &now
	if err := e.save(ctx, a); err != nil {
		return err
	}

	if hard {
		if err := e.prov.Remove(name); err != nil {
			return err
		}
		if err := os.RemoveAll(e.paths.AppDir(name)); err != nil {
			return err
		}
		if err := os.RemoveAll(e.paths.AppBackupsDir(name)); err != nil {
			return err
		}
	}
	e.updateRunningGauge(ctx)
	slog.Info("app deleted", "app", name, "hard", hard)
	return nil
}

// Get returns one live app.
func (e *Engine) Get(ctx context.Context, name string) (*app.App, error) {
	return e.st.GetApp(ctx, name)
}

// List returns apps, optionally including soft-deleted records.
func (e *Engine) List(ctx context.Context, includeDeleted bool) ([]*app.App, error) {
	return e.st.ListApps(ctx, includeDeleted)
}

// AddSchedule registers a trigger for a scheduled app.
func (e *Engine) AddSchedule(ctx context.Context, s *app.Schedule) error {
	mu := e.lock(s.AppName)
	mu.Lock()
	defer mu.Unlock()

	a, err := e.st.GetApp(ctx, s.AppName)
	if err != nil {
		return err
	}
	if a.Kind != app.KindScheduled {
		return fmt.Errorf("app %s: schedules apply to scheduled apps", s.AppName)
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	// only schedules of enabled apps are armed
	if a.State != app.StateEnabled {
		s.GetDefaults()
		if err := s.Validate(); err != nil {
			return err
		}
		return e.st.SaveSchedule(ctx, s)
	}
	return e.sched.Add(ctx, s)
}

// RemoveSchedule cancels and deletes one schedule.
func (e *Engine) RemoveSchedule(ctx context.Context, id string) error {
	return e.sched.Remove(ctx, id)
}

// ListSchedules returns the schedules of one app, or all.
func (e *Engine) ListSchedules(ctx context.Context, appName string) ([]*app.Schedule, error) {
	return e.st.ListSchedules(ctx, appName)
}

// GetExecution returns one execution record.
func (e *Engine) GetExecution(ctx context.Context, id string) (*app.Execution, error) {
	return e.rec.Get(ctx, id)
}

// ListExecutions queries execution history.
func (e *Engine) ListExecutions(ctx context.Context, q store.ExecutionQuery) ([]*app.Execution, error) {
	return e.rec.List(ctx, q)
}

// Recover reconciles persisted state with the process table after a
// daemon restart: orphan stale execution records, re-adopt processes
// that are still alive and fail records whose process is gone. Run
// before the scheduler starts.
func (e *Engine) Recover(ctx context.Context) error {
	orphaned, err := e.rec.MarkOrphans(ctx)
	if err != nil {
		return err
	}
	apps, err := e.st.ListApps(ctx, false)
	if err != nil {
		return err
	}
	adopted, lost := 0, 0
	for _, a := range apps {
		if a.State != app.StateRunning {
			continue
		}
		if a.PID > 0 && process.AlivePID(a.PID) {
			e.sup.Adopt(a, a.PID)
			adopted++
			continue
		}
		a.State = app.StateFailed
		a.PID = 0
		msg := "process lost while engine was down"
		a.LastError = msg
		now := time.Now().UTC()
		a.LastErrorAt = &now
		if err := e.save(ctx, a); err != nil {
			return err
		}
		lost++
	}
	e.updateRunningGauge(ctx)
	slog.Info("recovery complete", "orphaned_executions", orphaned, "adopted", adopted, "lost", lost)
	return nil
}

// StartScheduler arms all persisted schedules; call after Recover.
func (e *Engine) StartScheduler(ctx context.Context) error {
	return e.sched.Start(ctx)
}

// Shutdown cancels in-flight runs, stops the scheduler, then every
// supervised app.
func (e *Engine) Shutdown(ctx context.Context) {
	e.runMu.Lock()
	handles := make([]*runHandle, 0, len(e.runs))
	for _, h := range e.runs {
		handles = append(handles, h)
	}
	e.runMu.Unlock()
	for _, h := range handles {
		h.cancel()
		<-h.done
	}
	e.sched.Stop()
	e.sup.StopAll(ctx)
	slog.Info("engine shut down")
}

// AppStarted implements supervisor.Sink for automatic relaunches.
func (e *Engine) AppStarted(name string, pid int) {
	e.recordMu.Lock()
	defer e.recordMu.Unlock()
	ctx := context.Background()
	a, err := e.st.GetApp(ctx, name)
	if err != nil {
		return
	}
	a.State = app.StateRunning
	a.PID = pid
	_ = e.save(ctx, a)
	e.updateRunningGauge(ctx)
}

// AppRestarting implements supervisor.Sink.
func (e *Engine) AppRestarting(name string, attempt int, delay time.Duration) {
	e.recordMu.Lock()
	defer e.recordMu.Unlock()
	ctx := context.Background()
	a, err := e.st.GetApp(ctx, name)
	if err != nil {
		return
	}
	now := time.Now().UTC()
	a.RestartCount++
	a.LastRestartAt = &now
	a.PID = 0
	_ = e.save(ctx, a)
	slog.Info("app relaunch scheduled", "app", name, "attempt", attempt, "delay", delay)
}

// AppExited implements supervisor.Sink for exits the supervisor will
// not relaunch.
func (e *Engine) AppExited(name string, final app.State, errMsg string) {
	e.recordMu.Lock()
	defer e.recordMu.Unlock()
	ctx := context.Background()
	a, err := e.st.GetApp(ctx, name)
	if err != nil {
		return
	}
	a.State = final
	a.PID = 0
	if errMsg != "" {
		now := time.Now().UTC()
		a.LastError = errMsg
		a.LastErrorAt = &now
	}
	_ = e.save(ctx, a)
	e.updateRunningGauge(ctx)
}

func (e *Engine) stageSource(ctx context.Context, a *app.App, spec UploadSpec) (string, error) {
	staged := e.paths.StagingDir(a.Name, uuid.NewString()[:8])
	if err := os.MkdirAll(staged, 0o755); err != nil {
		return "", err
	}
	switch {
	case spec.Archive != nil:
		archivePath := e.paths.ArchivePath(a.Name)
		if err := source.WriteArchive(archivePath, spec.Archive); err != nil {
			_ = os.RemoveAll(staged)
			return "", err
		}
		if err := source.ExtractArchive(archivePath, staged); err != nil {
			_ = os.RemoveAll(staged)
			return "", err
		}
		a.Source = app.Source{Type: app.SourceArchive}
	case spec.GitURL != "":
		// git clone wants a non-existent target
		if err := os.RemoveAll(staged); err != nil {
			return "", err
		}
		commit, err := source.CloneGit(ctx, spec.GitURL, spec.GitBranch, staged)
		if err != nil {
			_ = os.RemoveAll(staged)
			return "", err
		}
		a.Source = app.Source{
			Type:      app.SourceGit,
			GitURL:    spec.GitURL,
			GitBranch: spec.GitBranch,
			GitCommit: commit,
		}
	default:
		_ = os.RemoveAll(staged)
		return "", fmt.Errorf("app %s: either an archive or a git url is required", a.Name)
	}
	return staged, nil
}

func (e *Engine) save(ctx context.Context, a *app.App) error {
	a.UpdatedAt = time.Now().UTC()
	return e.st.SaveApp(ctx, a)
}

func (e *Engine) recordError(ctx context.Context, a *app.App, err error) {
	now := time.Now().UTC()
	a.LastError = err.Error()
	a.LastErrorAt = &now
	if saveErr := e.save(ctx, a); saveErr != nil {
		slog.Warn("recording error failed", "app", a.Name, "err", saveErr)
	}
}

func (e *Engine) updateRunningGauge(ctx context.Context) {
	apps, err := e.st.ListApps(ctx, false)
	if err != nil {
		return
	}
	n := 0
	for _, a := range apps {
		if a.State == app.StateRunning {
			n++
		}
	}
	metrics.SetRunningApps(n)
}
