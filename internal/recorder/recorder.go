package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/appstead/appstead/internal/app"
	"github.com/appstead/appstead/internal/history"
	"github.com/appstead/appstead/internal/metrics"
	"github.com/appstead/appstead/internal/store"
)

// Recorder owns the execution record lifecycle: it creates records at
// trigger time, marks them running once a PID exists, and finalizes
// them exactly once. Finalized records are forwarded to the configured
// history sink; sink failures are logged, never propagated, so the
// control path does not depend on analytics availability.
type Recorder struct {
	store store.Store
	sink  history.Sink
}

func New(st store.Store, sink history.Sink) *Recorder {
	return &Recorder{store: st, sink: sink}
}

// Begin creates a pending execution record.
func (r *Recorder) Begin(ctx context.Context, appName string, trigger app.TriggerKind, scheduleID string) (*app.Execution, error) {
	e := &app.Execution{
		ID:         uuid.NewString(),
		AppName:    appName,
		Status:     app.ExecPending,
		Trigger:    trigger,
		ScheduleID: scheduleID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.store.SaveExecution(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// MarkRunning moves a pending record to running with its observed PID
// and log destinations.
func (r *Recorder) MarkRunning(ctx context.Context, e *app.Execution, pid int, stdoutPath, stderrPath string) error {
	now := time.Now().UTC()
	e.Status = app.ExecRunning
	e.PID = pid
	e.StartedAt = &now
	e.StdoutPath = stdoutPath
	e.StderrPath = stderrPath
	return r.store.SaveExecution(ctx, e)
}

// Finalize sets the terminal status. A record that is already terminal
// is left untouched; the first finalization wins.
func (r *Recorder) Finalize(ctx context.Context, e *app.Execution, status app.ExecutionStatus, exitCode *int, errMsg string) error {
	if e.Status.Terminal() {
		return nil
	}
	if !status.Terminal() {
		return fmt.Errorf("finalize with non-terminal status %q", status)
	}
	now := time.Now().UTC()
	e.Status = status
	e.ExitCode = exitCode
	e.EndedAt = &now
	e.Error = errMsg
	if e.StartedAt == nil {
		// never reached running; account the attempt as zero-length
		e.StartedAt = &now
	}
	if err := r.store.SaveExecution(ctx, e); err != nil {
		return err
	}
	metrics.ObserveExecutionDuration(e.AppName, string(status), e.Duration().Seconds())
	if status == app.ExecTimeout {
		metrics.IncExecutionTimeout(e.AppName)
	}
	r.export(ctx, e)
	return nil
}

// MarkOrphans finalizes every execution left active by a previous
// engine run. Called once during startup recovery, before any new
// execution is created.
func (r *Recorder) MarkOrphans(ctx context.Context) (int, error) {
	active, err := r.store.ListActiveExecutions(ctx)
	if err != nil {
		return 0, err
	}
	for _, e := range active {
		if err := r.Finalize(ctx, e, app.ExecOrphaned, nil, "engine restarted during run"); err != nil {
			return 0, err
		}
		slog.Warn("orphaned execution from previous run", "app", e.AppName, "execution", e.ID)
	}
	return len(active), nil
}

// Get returns one execution by id.
func (r *Recorder) Get(ctx context.Context, id string) (*app.Execution, error) {
	return r.store.GetExecution(ctx, id)
}

// List queries execution history.
func (r *Recorder) List(ctx context.Context, q store.ExecutionQuery) ([]*app.Execution, error) {
	return r.store.ListExecutions(ctx, q)
}

func (r *Recorder) export(ctx context.Context, e *app.Execution) {
	if r.sink == nil {
		return
	}
	if err := r.sink.Send(ctx, history.FromExecution(e)); err != nil {
		slog.Warn("history sink send failed", "app", e.AppName, "execution", e.ID, "err", err)
	}
}
