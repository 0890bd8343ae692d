package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/appstead/appstead/internal/app"
	"github.com/appstead/appstead/internal/config"
	"github.com/appstead/appstead/internal/logger"
	"github.com/appstead/appstead/internal/metrics"
	"github.com/appstead/appstead/internal/process"
	"github.com/appstead/appstead/internal/recorder"
)

// Sink receives the state transitions the supervisor decides. The
// owner of the app records implements it and persists the outcome;
// the supervisor itself never writes app records.
type Sink interface {
	AppStarted(name string, pid int)
	AppRestarting(name string, attempt int, delay time.Duration)
	AppExited(name string, final app.State, errMsg string)
}

// NopSink discards all transitions.
type NopSink struct{}

func (NopSink) AppStarted(string, int)                   {}
func (NopSink) AppRestarting(string, int, time.Duration) {}
func (NopSink) AppExited(string, app.State, string)      {}

// Supervisor launches perpetual apps, watches their exits and applies
// each app's restart policy. It also runs scheduled apps to completion
// under a wall-clock timeout. At most one supervised process exists
// per app name.
type Supervisor struct {
	mu    sync.Mutex
	procs map[string]*supervised

	rec     *recorder.Recorder
	paths   config.Paths
	sinkCfg logger.SinkConfig
	interp  func(name string) string

	grace           time.Duration
	monitorInterval time.Duration

	sink Sink
}

// supervised is the book-keeping for one app's live process. handle is
// nil for processes adopted from a previous engine run, which are
// watched by polling the process table instead.
type supervised struct {
	spec   app.App
	handle *process.Handle
	pid    int
	exec   *app.Execution

	window       restartWindow
	consecutive  int
	stopping     bool
	restartTimer *time.Timer

	// closed once the monitor has finalized and removed the entry
	cleaned chan struct{}
}

func New(rec *recorder.Recorder, paths config.Paths, sinkCfg logger.SinkConfig, interp func(string) string, cfg config.SupervisorConfig, sink Sink) *Supervisor {
	if sink == nil {
		sink = NopSink{}
	}
	return &Supervisor{
		procs:           make(map[string]*supervised),
		rec:             rec,
		paths:           paths,
		sinkCfg:         sinkCfg,
		interp:          interp,
		grace:           cfg.GracePeriod,
		monitorInterval: cfg.MonitorInterval,
		sink:            sink,
	}
}

// Running reports whether the app currently has a supervised process
// or a relaunch pending.
func (s *Supervisor) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[name] != nil
}

// PID returns the supervised process id, or 0.
func (s *Supervisor) PID(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sv := s.procs[name]; sv != nil {
		return sv.pid
	}
	return 0
}

// Start launches a perpetual app and begins supervising it.
func (s *Supervisor) Start(ctx context.Context, a *app.App, trigger app.TriggerKind) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.procs[a.Name] != nil {
		return 0, fmt.Errorf("app %s: already supervised", a.Name)
	}
	h, e, err := s.spawn(ctx, a, trigger, "")
	if err != nil {
		return 0, err
	}
	sv := &supervised{
		spec:    *a,
		handle:  h,
		pid:     h.PID(),
		exec:    e,
		cleaned: make(chan struct{}),
	}
	sv.spec.Restart.GetDefaults()
	s.procs[a.Name] = sv
	go s.watch(sv, h)
	metrics.IncStart(a.Name)
	return h.PID(), nil
}

// Adopt resumes supervision of a process from a previous engine run.
// Without a child relationship there is no exit code; exits of adopted
// processes are treated as failures for restart purposes.
func (s *Supervisor) Adopt(a *app.App, pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.procs[a.Name] != nil {
		return
	}
	sv := &supervised{
		spec:    *a,
		pid:     pid,
		cleaned: make(chan struct{}),
	}
	sv.spec.Restart.GetDefaults()
	s.procs[a.Name] = sv
	go s.watchAdopted(sv, pid)
	slog.Info("adopted running process", "app", a.Name, "pid", pid)
}

// Stop ends supervision and stops the process. It cancels a pending
// relaunch, waits for the monitor to finish book-keeping and returns
// once the app has no live process.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	s.mu.Lock()
	sv := s.procs[name]
	if sv == nil {
		s.mu.Unlock()
		return fmt.Errorf("app %s: not supervised", name)
	}
	sv.stopping = true
	if sv.restartTimer != nil {
		sv.restartTimer.Stop()
	}
	if sv.handle == nil && sv.pid == 0 {
		// relaunch was pending, nothing alive
		delete(s.procs, name)
		s.mu.Unlock()
		s.sink.AppExited(name, app.StateStopped, "")
		close(sv.cleaned)
		metrics.IncStop(name)
		return nil
	}
	h := sv.handle
	pid := sv.pid
	s.mu.Unlock()

	if h != nil {
		h.Stop(ctx, s.grace)
	} else {
		s.stopAdopted(ctx, pid)
	}
	<-sv.cleaned
	metrics.IncStop(name)
	return nil
}

// StopAll stops every supervised app, used at engine shutdown.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	names := make([]string, 0, len(s.procs))
	for name := range s.procs {
		names = append(names, name)
	}
	s.mu.Unlock()
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			if err := s.Stop(ctx, n); err != nil {
				slog.Warn("shutdown stop failed", "app", n, "err", err)
			}
		}(name)
	}
	wg.Wait()
}

// RunOnce executes a scheduled app to completion, bounded by timeout
// (zero means unbounded). The returned execution is finalized.
func (s *Supervisor) RunOnce(ctx context.Context, a *app.App, trigger app.TriggerKind, scheduleID string, timeout time.Duration) (*app.Execution, error) {
	h, e, err := s.spawn(ctx, a, trigger, scheduleID)
	if err != nil {
		return nil, err
	}
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-h.Done():
		code := h.ExitCode()
		if code == 0 {
			err = s.rec.Finalize(ctx, e, app.ExecSuccess, &code, "")
		} else {
			err = s.rec.Finalize(ctx, e, app.ExecFailed, &code, exitMessage(h))
		}
		return e, err
	case <-expired:
		h.Stop(ctx, s.grace)
		code := h.ExitCode()
		_ = s.rec.Finalize(ctx, e, app.ExecTimeout, &code,
			fmt.Sprintf("exceeded timeout %s", timeout))
		return e, &app.ExecutionTimeoutError{App: a.Name, Timeout: timeout.String()}
	case <-ctx.Done():
		// ctx is already dead, the finalize write needs its own
		h.Stop(context.Background(), s.grace)
		code := h.ExitCode()
		_ = s.rec.Finalize(context.Background(), e, app.ExecFailed, &code, "canceled")
		return e, ctx.Err()
	}
}

// spawn starts the app's entrypoint inside its environment and records
// the execution.
func (s *Supervisor) spawn(ctx context.Context, a *app.App, trigger app.TriggerKind, scheduleID string) (*process.Handle, *app.Execution, error) {
	e, err := s.rec.Begin(ctx, a.Name, trigger, scheduleID)
	if err != nil {
		return nil, nil, err
	}
	outPath, errPath := s.paths.ExecutionLogPaths(a.Name, e.ID)
	stdout, stderr, err := s.sinkCfg.ExecutionSinks(outPath, errPath)
	if err != nil {
		_ = s.rec.Finalize(ctx, e, app.ExecFailed, nil, err.Error())
		return nil, nil, err
	}
	workDir := s.paths.SourceDir(a.Name)
	h, err := process.Spawn(process.Command{
		Interpreter: s.interp(a.Name),
		Entrypoint:  filepath.Join(workDir, filepath.FromSlash(a.Entrypoint)),
		WorkDir:     workDir,
		Env:         append(os.Environ(), a.Env...),
		Stdout:      stdout,
		Stderr:      stderr,
	})
	if err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		_ = s.rec.Finalize(ctx, e, app.ExecFailed, nil, err.Error())
		return nil, nil, &app.ProcessSpawnError{App: a.Name, Err: err}
	}
	if err := s.rec.MarkRunning(ctx, e, h.PID(), outPath, errPath); err != nil {
		slog.Warn("recording running state failed", "app", a.Name, "err", err)
	}
	slog.Info("process started", "app", a.Name, "pid", h.PID(), "trigger", trigger)
	return h, e, nil
}

// watch waits for one spawned process to exit and reacts.
func (s *Supervisor) watch(sv *supervised, h *process.Handle) {
	<-h.Done()
	code := h.ExitCode()
	uptime := time.Since(h.StartedAt())
	s.onExit(sv, &code, exitMessage(h), uptime)
}

// watchAdopted polls the process table for a process we did not spawn.
func (s *Supervisor) watchAdopted(sv *supervised, pid int) {
	interval := s.monitorInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	started := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if !process.AlivePID(pid) {
			s.onExit(sv, nil, "exit observed via process table", time.Since(started))
			return
		}
	}
}

// onExit finalizes the execution and either removes the app or
// schedules a relaunch per policy. code is nil when unknown (adopted).
func (s *Supervisor) onExit(sv *supervised, code *int, errMsg string, uptime time.Duration) {
	name := sv.spec.Name
	failed := code == nil || *code != 0

	s.mu.Lock()
	stopping := sv.stopping
	exec := sv.exec
	s.mu.Unlock()

	ctx := context.Background()
	if exec != nil {
		status := app.ExecSuccess
		msg := ""
		if failed && !stopping {
			status = app.ExecFailed
			msg = errMsg
		}
		if err := s.rec.Finalize(ctx, exec, status, code, msg); err != nil {
			slog.Warn("finalize failed", "app", name, "err", err)
		}
	}

	s.mu.Lock()
	if s.procs[name] != sv {
		s.mu.Unlock()
		return
	}
	if sv.stopping {
		delete(s.procs, name)
		s.mu.Unlock()
		slog.Info("process stopped", "app", name)
		// the sink hears about the exit before the Stop caller is
		// released, so a follow-up start cannot be clobbered by a
		// late stopped notification
		s.sink.AppExited(name, app.StateStopped, "")
		close(sv.cleaned)
		return
	}

	policy := sv.spec.Restart
	restart := policy.Mode == app.RestartAlways ||
		(policy.Mode == app.RestartOnFailure && failed)
	if !restart {
		delete(s.procs, name)
		s.mu.Unlock()
		close(sv.cleaned)
		final := app.StateStopped
		if failed {
			final = app.StateFailed
		}
		slog.Info("process exited, no relaunch", "app", name, "failed", failed)
		s.sink.AppExited(name, final, errMsg)
		return
	}

	now := time.Now()
	if uptime > policy.Window {
		// a long healthy run restarts the escalation from scratch
		sv.consecutive = 0
	}
	sv.window.prune(now.Add(-policy.Window))
	if sv.window.count() >= policy.MaxRestarts {
		delete(s.procs, name)
		s.mu.Unlock()
		close(sv.cleaned)
		budget := &app.RestartBudgetExceededError{App: name, MaxRestarts: policy.MaxRestarts}
		slog.Error("restart budget exceeded", "app", name, "max", policy.MaxRestarts, "window", policy.Window)
		s.sink.AppExited(name, app.StateFailed, budget.Error())
		return
	}
	sv.window.add(now)
	delay := backoffDelay(policy, sv.consecutive)
	sv.consecutive++
	attempt := sv.consecutive
	sv.handle = nil
	sv.pid = 0
	sv.exec = nil
	sv.restartTimer = time.AfterFunc(delay, func() { s.relaunch(sv) })
	s.mu.Unlock()

	slog.Warn("process exited, relaunching", "app", name, "attempt", attempt, "delay", delay)
	s.sink.AppRestarting(name, attempt, delay)
}

func (s *Supervisor) relaunch(sv *supervised) {
	name := sv.spec.Name
	s.mu.Lock()
	if s.procs[name] != sv || sv.stopping {
		s.mu.Unlock()
		return
	}
	h, e, err := s.spawn(context.Background(), &sv.spec, app.TriggerRestart, "")
	if err != nil {
		delete(s.procs, name)
		s.mu.Unlock()
		close(sv.cleaned)
		slog.Error("relaunch failed", "app", name, "err", err)
		s.sink.AppExited(name, app.StateFailed, err.Error())
		return
	}
	sv.handle = h
	sv.pid = h.PID()
	sv.exec = e
	sv.restartTimer = nil
	s.mu.Unlock()
	metrics.IncRestart(name)
	go s.watch(sv, h)
	s.sink.AppStarted(name, h.PID())
}

func (s *Supervisor) stopAdopted(ctx context.Context, pid int) {
	process.TerminatePID(pid)
	deadline := time.Now().Add(s.grace)
	for time.Now().Before(deadline) {
		if !process.AlivePID(pid) {
			return
		}
		select {
		case <-ctx.Done():
			process.KillPID(pid)
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	process.KillPID(pid)
}

func exitMessage(h *process.Handle) string {
	if err := h.ExitErr(); err != nil {
		return err.Error()
	}
	return ""
}
