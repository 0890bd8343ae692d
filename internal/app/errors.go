package app

import "fmt"

// InvalidStateError is returned when a lifecycle operation is attempted
// from a state that does not permit it. Always a caller error.
type InvalidStateError struct {
	App  string
	Op   string
	From State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("app %s: cannot %s from state %s", e.App, e.Op, e.From)
}

// ExecutionConflictError is returned when a run is requested while
// another execution of the same app is still in flight.
type ExecutionConflictError struct {
	App string
}

func (e *ExecutionConflictError) Error() string {
	return fmt.Sprintf("app %s: an execution is already in flight", e.App)
}

// NotFoundError is returned when no app with the given name exists.
type NotFoundError struct {
	App string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("app %s: not found", e.App) }

// ProvisioningError wraps a failure to build the app's isolated
// environment or install its dependency manifest. The app remains
// installable afterward.
type ProvisioningError struct {
	App string
	Err error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("app %s: provisioning failed: %v", e.App, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// UpdateFailedError reports an aborted update transaction. The app was
// rolled back to its pre-update version, files, and running-ness.
type UpdateFailedError struct {
	App  string
	Step string
	Err  error
}

func (e *UpdateFailedError) Error() string {
	return fmt.Sprintf("app %s: update failed at %s (rolled back): %v", e.App, e.Step, e.Err)
}

func (e *UpdateFailedError) Unwrap() error { return e.Err }

// ProcessSpawnError reports that the entrypoint could not be launched.
type ProcessSpawnError struct {
	App string
	Err error
}

func (e *ProcessSpawnError) Error() string {
	return fmt.Sprintf("app %s: spawn failed: %v", e.App, e.Err)
}

func (e *ProcessSpawnError) Unwrap() error { return e.Err }

// RestartBudgetExceededError reports that the restart policy was
// exhausted inside its window. The app stays FAILED until an explicit
// Start resets the window.
type RestartBudgetExceededError struct {
	App         string
	MaxRestarts int
}

func (e *RestartBudgetExceededError) Error() string {
	return fmt.Sprintf("app %s: exceeded %d restarts within window", e.App, e.MaxRestarts)
}

// ExecutionTimeoutError reports a scheduled execution that exceeded its
// wall-clock bound and was force-terminated.
type ExecutionTimeoutError struct {
	App     string
	Timeout string
}

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("app %s: execution exceeded timeout %s", e.App, e.Timeout)
}
