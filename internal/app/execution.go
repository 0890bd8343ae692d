package app

import "time"

// ExecutionStatus tracks one run attempt through its life.
// pending -> running -> success | failed | timeout, or orphaned when a
// supervisor restart finds a run it can no longer account for.
type ExecutionStatus string

const (
	ExecPending  ExecutionStatus = "pending"
	ExecRunning  ExecutionStatus = "running"
	ExecSuccess  ExecutionStatus = "success"
	ExecFailed   ExecutionStatus = "failed"
	ExecTimeout  ExecutionStatus = "timeout"
	ExecOrphaned ExecutionStatus = "orphaned"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecSuccess, ExecFailed, ExecTimeout, ExecOrphaned:
		return true
	}
	return false
}

// TriggerKind records what caused an execution.
type TriggerKind string

const (
	TriggerManual    TriggerKind = "manual"
	TriggerScheduled TriggerKind = "scheduled"
	TriggerRestart   TriggerKind = "restart"
)

// Execution is one recorded run attempt of a managed app. Records are
// created at trigger time and finalized exactly once by the component
// that owns the run; after finalization they are immutable.
type Execution struct {
	ID      string          `json:"id"`
	AppName string          `json:"app_name"`
	Status  ExecutionStatus `json:"status"`
	Trigger TriggerKind     `json:"trigger"`

	ScheduleID string `json:"schedule_id,omitempty"`

	PID      int  `json:"pid,omitempty"`
	ExitCode *int `json:"exit_code,omitempty"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	StdoutPath string `json:"stdout_path,omitempty"`
	StderrPath string `json:"stderr_path,omitempty"`

	Error string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Duration returns the elapsed run time, or zero when not finalized.
func (e *Execution) Duration() time.Duration {
	if e.StartedAt == nil || e.EndedAt == nil {
		return 0
	}
	return e.EndedAt.Sub(*e.StartedAt)
}

// Active reports whether the execution has not yet reached a terminal
// status.
func (e *Execution) Active() bool { return !e.Status.Terminal() }
