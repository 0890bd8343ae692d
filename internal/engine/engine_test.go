//go:build !windows

package engine

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/appstead/appstead/internal/app"
	"github.com/appstead/appstead/internal/config"
	"github.com/appstead/appstead/internal/provisioner"
	"github.com/appstead/appstead/internal/store"
	"github.com/appstead/appstead/internal/store/sqlite"
	"github.com/appstead/appstead/internal/update"
)

// fakeInterpreter emulates just enough of a real interpreter for the
// provisioner (venv creation, manifest install) and then executes
// entrypoints as shell scripts.
const fakeInterpreter = `#!/bin/sh
if [ "$1" = "-m" ]; then
  case "$2" in
    venv) mkdir -p "$3/bin" && cp "$0" "$3/bin/python" && exit 0 ;;
    pip) exit 0 ;;
  esac
  exit 1
fi
exec /bin/sh "$@"
`

type fixture struct {
	eng *Engine
	st  store.Store
	dir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	interp := filepath.Join(dir, "fake-python")
	if err := os.WriteFile(interp, []byte(fakeInterpreter), 0o755); err != nil {
		t.Fatal(err)
	}
	st, err := sqlite.New(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default()
	cfg.DataDir = dir
	cfg.Provisioner.Interpreter = interp
	cfg.Supervisor.GracePeriod = 2 * time.Second
	cfg.Supervisor.MonitorInterval = 50 * time.Millisecond
	cfg.Scheduler.DefaultTimeout = 10 * time.Second

	eng := New(&cfg, st, nil)
	t.Cleanup(func() { eng.Shutdown(context.Background()) })
	return &fixture{eng: eng, st: st, dir: dir}
}

// breakProvisioner swaps in an interpreter that always fails.
func (f *fixture) breakProvisioner() {
	prov := provisioner.New(config.Paths{DataDir: f.dir}, config.ProvisionerConfig{
		Interpreter:    "/bin/false",
		InstallTimeout: 30 * time.Second,
	})
	f.eng.prov = prov
	f.eng.upd = update.New(config.Paths{DataDir: f.dir}, prov)
}

func makeZip(t *testing.T, files map[string]string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf
}

func (f *fixture) upload(t *testing.T, name string, kind app.Kind, script string) *app.App {
	t.Helper()
	a, err := f.eng.Upload(context.Background(), UploadSpec{
		Name:    name,
		Kind:    kind,
		Archive: makeZip(t, map[string]string{"main.py": script}),
		Restart: app.RestartPolicy{Mode: app.RestartNever},
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	return a
}

func (f *fixture) installAndEnable(t *testing.T, name string) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.eng.Install(ctx, name); err != nil {
		t.Fatalf("install: %v", err)
	}
	if _, err := f.eng.Enable(ctx, name); err != nil {
		t.Fatalf("enable: %v", err)
	}
}

func TestPerpetualLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.upload(t, "web", app.KindPerpetual, "sleep 30\n")
	if a.State != app.StateUploaded {
		t.Fatalf("state after upload = %s", a.State)
	}
	if a.Entrypoint != "main.py" {
		t.Fatalf("detected entrypoint = %q", a.Entrypoint)
	}

	a, err := f.eng.Install(ctx, "web")
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if a.State != app.StateInstalled {
		t.Fatalf("state after install = %s", a.State)
	}
	envPython := filepath.Join(f.dir, "envs", "web", "bin", "python")
	if _, err := os.Stat(envPython); err != nil {
		t.Fatalf("provisioned interpreter missing: %v", err)
	}

	if _, err := f.eng.Enable(ctx, "web"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	a, err = f.eng.Start(ctx, "web")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if a.State != app.StateRunning || a.PID <= 0 {
		t.Fatalf("after start: state=%s pid=%d", a.State, a.PID)
	}

	a, err = f.eng.Stop(ctx, "web")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if a.State != app.StateStopped || a.PID != 0 {
		t.Fatalf("after stop: state=%s pid=%d", a.State, a.PID)
	}

	if err := f.eng.Delete(ctx, "web", true); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.eng.Get(ctx, "web"); err == nil {
		t.Fatal("deleted app still visible")
	}
	all, err := f.eng.List(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || !all[0].IsDeleted {
		t.Fatalf("deleted record not listed: %+v", all)
	}
	if _, err := os.Stat(filepath.Join(f.dir, "apps", "web")); !os.IsNotExist(err) {
		t.Fatal("app dir survives delete")
	}
}

func TestUploadDuplicateRejected(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "dup", app.KindScheduled, "exit 0\n")
	_, err := f.eng.Upload(context.Background(), UploadSpec{
		Name:    "dup",
		Kind:    app.KindScheduled,
		Archive: makeZip(t, map[string]string{"main.py": "exit 0\n"}),
	})
	if err == nil {
		t.Fatal("duplicate upload accepted")
	}
}

func TestStartRequiresLegalState(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "web", app.KindPerpetual, "sleep 5\n")
	_, err := f.eng.Start(context.Background(), "web")
	var ise *app.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("start from uploaded: %v", err)
	}
}

func TestInstallFailureKeepsUploaded(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "broken", app.KindScheduled, "exit 0\n")

	f.breakProvisioner()
	_, err := f.eng.Install(context.Background(), "broken")
	var pe *app.ProvisioningError
	if !errors.As(err, &pe) {
		t.Fatalf("want ProvisioningError, got %v", err)
	}
	a, err := f.eng.Get(context.Background(), "broken")
	if err != nil {
		t.Fatal(err)
	}
	if a.State != app.StateUploaded {
		t.Fatalf("state = %s, want uploaded", a.State)
	}
	if a.LastError == "" || a.LastErrorAt == nil {
		t.Fatal("install failure not recorded on the app")
	}
}

func TestRunNowScheduledApp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upload(t, "job", app.KindScheduled, "echo done\nexit 0\n")
	f.installAndEnable(t, "job")

	e, err := f.eng.RunNow(ctx, "job")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if e.Status != app.ExecSuccess {
		t.Fatalf("execution status = %s", e.Status)
	}
	if e.Trigger != app.TriggerManual {
		t.Fatalf("trigger = %s", e.Trigger)
	}
	got, err := f.eng.GetExecution(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != app.ExecSuccess {
		t.Fatalf("persisted status = %s", got.Status)
	}
}

func TestRunNowRejectsPerpetual(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "web", app.KindPerpetual, "sleep 5\n")
	f.installAndEnable(t, "web")
	if _, err := f.eng.RunNow(context.Background(), "web"); err == nil {
		t.Fatal("run accepted for perpetual app")
	}
	if _, err := f.eng.Start(context.Background(), "web"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.eng.Stop(context.Background(), "web"); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestDisableStopsRunningApp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upload(t, "web", app.KindPerpetual, "sleep 30\n")
	f.installAndEnable(t, "web")
	if _, err := f.eng.Start(ctx, "web"); err != nil {
		t.Fatalf("start: %v", err)
	}
	a, err := f.eng.Disable(ctx, "web")
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if a.State != app.StateDisabled || a.PID != 0 {
		t.Fatalf("after disable: state=%s pid=%d", a.State, a.PID)
	}
}

func TestConcurrentStartsYieldOneProcess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upload(t, "web", app.KindPerpetual, "sleep 30\n")
	f.installAndEnable(t, "web")

	const n = 6
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := f.eng.Start(ctx, "web")
			errs <- err
		}()
	}
	ok := 0
	for i := 0; i < n; i++ {
		if err := <-errs; err == nil {
			ok++
		} else {
			var ise *app.InvalidStateError
			if !errors.As(err, &ise) {
				t.Fatalf("unexpected error kind: %v", err)
			}
		}
	}
	if ok != 1 {
		t.Fatalf("starts succeeded = %d, want 1", ok)
	}
	a, err := f.eng.Stop(ctx, "web")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if a.State != app.StateStopped || a.PID != 0 {
		t.Fatalf("after stop: state=%s pid=%d", a.State, a.PID)
	}
}

func TestUpdateSwapsSourceAndRestarts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upload(t, "web", app.KindPerpetual, "sleep 30\n")
	f.installAndEnable(t, "web")
	a, err := f.eng.Start(ctx, "web")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	oldPID := a.PID

	a, err = f.eng.Update(ctx, "web", UpdateSpec{
		Archive: makeZip(t, map[string]string{
			"main.py":  "sleep 30\n",
			"extra.py": "",
		}),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if a.Version != 2 || a.UpdateCount != 1 || a.LastUpdatedAt == nil {
		t.Fatalf("version bookkeeping: %+v", a)
	}
	if a.State != app.StateRunning || a.PID == oldPID || a.PID <= 0 {
		t.Fatalf("after update: state=%s pid=%d (old %d)", a.State, a.PID, oldPID)
	}
	if _, err := os.Stat(filepath.Join(f.dir, "apps", "web", "app", "extra.py")); err != nil {
		t.Fatalf("new source not active: %v", err)
	}
	backups, err := os.ReadDir(filepath.Join(f.dir, "backups", "web"))
	if err != nil || len(backups) != 1 {
		t.Fatalf("backups = %v, %v", backups, err)
	}
	if _, err := f.eng.Stop(ctx, "web"); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestUpdateRollsBackOnProvisionFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upload(t, "web", app.KindScheduled, "exit 0\n")
	f.installAndEnable(t, "web")

	f.breakProvisioner()
	_, err := f.eng.Update(ctx, "web", UpdateSpec{
		Archive: makeZip(t, map[string]string{"main.py": "exit 1\n", "v2.py": ""}),
	})
	var ufe *app.UpdateFailedError
	if !errors.As(err, &ufe) {
		t.Fatalf("want UpdateFailedError, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(f.dir, "apps", "web", "app", "v2.py")); !os.IsNotExist(statErr) {
		t.Fatal("failed update left new source active")
	}
	a, err := f.eng.Get(ctx, "web")
	if err != nil {
		t.Fatal(err)
	}
	if a.Version != 1 || a.UpdateCount != 0 {
		t.Fatalf("version advanced on failed update: %+v", a)
	}
}

func TestScheduleFiresThroughEngine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upload(t, "tick", app.KindScheduled, "exit 0\n")
	f.installAndEnable(t, "tick")

	if err := f.eng.AddSchedule(ctx, &app.Schedule{
		AppName:  "tick",
		Name:     "every-100ms",
		Type:     app.ScheduleInterval,
		Interval: 100 * time.Millisecond,
		Enabled:  true,
	}); err != nil {
		t.Fatalf("add schedule: %v", err)
	}
	if err := f.eng.StartScheduler(ctx); err != nil {
		t.Fatalf("scheduler: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		execs, err := f.eng.ListExecutions(ctx, store.ExecutionQuery{
			AppName: "tick",
			Status:  app.ExecSuccess,
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(execs) >= 1 {
			if execs[0].Trigger != app.TriggerScheduled {
				t.Fatalf("trigger = %s", execs[0].Trigger)
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("schedule never produced a successful execution")
}

func TestAddScheduleRejectsPerpetual(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "web", app.KindPerpetual, "sleep 5\n")
	err := f.eng.AddSchedule(context.Background(), &app.Schedule{
		AppName:  "web",
		Name:     "nope",
		Type:     app.ScheduleInterval,
		Interval: time.Second,
		Enabled:  true,
	})
	if err == nil {
		t.Fatal("schedule accepted for perpetual app")
	}
}

func TestRecoverMarksLostProcess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upload(t, "web", app.KindPerpetual, "sleep 5\n")
	f.installAndEnable(t, "web")

	// simulate a record left behind by a crashed daemon
	a, err := f.st.GetApp(ctx, "web")
	if err != nil {
		t.Fatal(err)
	}
	a.State = app.StateRunning
	a.PID = 1 << 30 // certainly not alive
	if err := f.st.SaveApp(ctx, a); err != nil {
		t.Fatal(err)
	}

	if err := f.eng.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	a, err = f.eng.Get(ctx, "web")
	if err != nil {
		t.Fatal(err)
	}
	if a.State != app.StateFailed || a.PID != 0 {
		t.Fatalf("after recover: state=%s pid=%d", a.State, a.PID)
	}
	if a.LastError == "" {
		t.Fatal("lost process not recorded")
	}
}

func waitForRunningExecution(t *testing.T, f *fixture, name string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		execs, err := f.eng.ListExecutions(context.Background(), store.ExecutionQuery{
			AppName: name,
			Status:  app.ExecRunning,
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(execs) > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("no running execution appeared")
}

func TestOneExecutionPerApp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upload(t, "job", app.KindScheduled, "sleep 2\n")
	f.installAndEnable(t, "job")

	done := make(chan error, 1)
	go func() {
		_, err := f.eng.RunNow(ctx, "job")
		done <- err
	}()
	waitForRunningExecution(t, f, "job")

	_, err := f.eng.RunNow(ctx, "job")
	var ce *app.ExecutionConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("second manual run: got %v, want ExecutionConflictError", err)
	}
	// a scheduled fire coalesces instead of overlapping
	if err := f.eng.RunScheduled(ctx, "job", "some-schedule", 0); err != nil {
		t.Fatalf("scheduled fire during manual run: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	execs, err := f.eng.ListExecutions(ctx, store.ExecutionQuery{AppName: "job"})
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 1 {
		t.Fatalf("executions = %d, want the single manual run", len(execs))
	}
}

func TestTwoSchedulesNeverOverlap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upload(t, "onejob", app.KindScheduled, "sleep 0.5\n")
	f.installAndEnable(t, "onejob")

	for _, n := range []string{"first", "second"} {
		if err := f.eng.AddSchedule(ctx, &app.Schedule{
			AppName:  "onejob",
			Name:     n,
			Type:     app.ScheduleInterval,
			Interval: 150 * time.Millisecond,
			Enabled:  true,
		}); err != nil {
			t.Fatalf("add schedule %s: %v", n, err)
		}
	}
	if err := f.eng.StartScheduler(ctx); err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	time.Sleep(1200 * time.Millisecond)
	f.eng.Shutdown(ctx)

	execs, err := f.eng.ListExecutions(ctx, store.ExecutionQuery{AppName: "onejob"})
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) == 0 {
		t.Fatal("schedules never fired")
	}
	for i := 0; i < len(execs); i++ {
		for j := i + 1; j < len(execs); j++ {
			a, b := execs[i], execs[j]
			if a.StartedAt == nil || a.EndedAt == nil || b.StartedAt == nil || b.EndedAt == nil {
				t.Fatalf("execution not finalized: %+v %+v", a, b)
			}
			if a.StartedAt.Before(*b.EndedAt) && b.StartedAt.Before(*a.EndedAt) {
				t.Fatalf("executions %s and %s overlap", a.ID, b.ID)
			}
		}
	}
}

func TestDeleteCancelsInFlightRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upload(t, "job", app.KindScheduled, "sleep 30\n")
	f.installAndEnable(t, "job")

	done := make(chan error, 1)
	go func() {
		_, err := f.eng.RunNow(ctx, "job")
		done <- err
	}()
	waitForRunningExecution(t, f, "job")

	start := time.Now()
	if err := f.eng.Delete(ctx, "job", false); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := <-done; err == nil {
		t.Fatal("run survived delete")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("delete waited %s for the run", elapsed)
	}
	execs, err := f.eng.ListExecutions(ctx, store.ExecutionQuery{AppName: "job"})
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 1 || !execs[0].Status.Terminal() {
		t.Fatalf("execution not finalized after delete: %+v", execs)
	}
}

func TestDisableCancelsInFlightRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upload(t, "job", app.KindScheduled, "sleep 30\n")
	f.installAndEnable(t, "job")

	done := make(chan error, 1)
	go func() {
		_, err := f.eng.RunNow(ctx, "job")
		done <- err
	}()
	waitForRunningExecution(t, f, "job")

	a, err := f.eng.Disable(ctx, "job")
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if a.State != app.StateDisabled {
		t.Fatalf("state = %s", a.State)
	}
	if err := <-done; err == nil {
		t.Fatal("run survived disable")
	}
}

func TestNameReusableAfterDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upload(t, "app1", app.KindScheduled, "exit 0\n")
	if err := f.eng.Delete(ctx, "app1", false); err != nil {
		t.Fatalf("delete: %v", err)
	}
	a := f.upload(t, "app1", app.KindScheduled, "exit 0\n")
	if a.State != app.StateUploaded {
		t.Fatalf("re-upload state = %s", a.State)
	}
}
