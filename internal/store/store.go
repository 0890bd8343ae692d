package store

import (
	"context"

	"github.com/appstead/appstead/internal/app"
)

// ExecutionQuery narrows ListExecutions. Zero values mean "any".
type ExecutionQuery struct {
	AppName    string
	ScheduleID string
	Status     app.ExecutionStatus
	Limit      int
}

// Store persists app records, their schedules and their execution
// history. Implementations must keep executions readable after the
// owning app has been soft-deleted.
type Store interface {
	EnsureSchema(ctx context.Context) error

	SaveApp(ctx context.Context, a *app.App) error
	GetApp(ctx context.Context, name string) (*app.App, error)
	ListApps(ctx context.Context, includeDeleted bool) ([]*app.App, error)

	SaveSchedule(ctx context.Context, s *app.Schedule) error
	GetSchedule(ctx context.Context, id string) (*app.Schedule, error)
	ListSchedules(ctx context.Context, appName string) ([]*app.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	SaveExecution(ctx context.Context, e *app.Execution) error
	GetExecution(ctx context.Context, id string) (*app.Execution, error)
	ListExecutions(ctx context.Context, q ExecutionQuery) ([]*app.Execution, error)
	// ListActiveExecutions returns executions whose status is not yet
	// terminal, regardless of app.
	ListActiveExecutions(ctx context.Context) ([]*app.Execution, error)

	Close() error
}
