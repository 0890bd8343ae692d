package history

import (
	"context"
	"time"

	"github.com/appstead/appstead/internal/app"
)

// Event is one finalized execution, exported to external analytics
// systems. Events are emitted exactly once, after the execution record
// has reached a terminal status.
type Event struct {
	OccurredAt  time.Time       `json:"occurred_at"`
	AppName     string          `json:"app_name"`
	ExecutionID string          `json:"execution_id"`
	Status      app.ExecutionStatus `json:"status"`
	Trigger     app.TriggerKind `json:"trigger"`
	ScheduleID  string          `json:"schedule_id,omitempty"`
	PID         int             `json:"pid,omitempty"`
	ExitCode    *int            `json:"exit_code,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`
	DurationMS  int64           `json:"duration_ms"`
	Error       string          `json:"error,omitempty"`
}

// FromExecution builds the export event for a finalized execution.
func FromExecution(e *app.Execution) Event {
	return Event{
		OccurredAt:  time.Now().UTC(),
		AppName:     e.AppName,
		ExecutionID: e.ID,
		Status:      e.Status,
		Trigger:     e.Trigger,
		ScheduleID:  e.ScheduleID,
		PID:         e.PID,
		ExitCode:    e.ExitCode,
		StartedAt:   e.StartedAt,
		EndedAt:     e.EndedAt,
		DurationMS:  e.Duration().Milliseconds(),
		Error:       e.Error,
	}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi fans one event out to several sinks, returning the first error.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var first error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
