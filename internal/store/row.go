package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/appstead/appstead/internal/app"
)

// Flat row mirrors of the domain records. Nested fields (env, restart
// policy, source) travel as JSON text so both SQL backends share one
// schema shape. Conversion lives here so the drivers only do SQL.

type AppRow struct {
	ID          string
	Name        string
	DisplayName string
	Description sql.NullString

	Kind       string
	State      string
	Entrypoint string
	Env        string
	Restart    string
	Source     string

	Version       int
	UpdateCount   int
	LastUpdatedAt sql.NullTime

	PID           int
	RestartCount  int
	LastRestartAt sql.NullTime
	LastError     sql.NullString
	LastErrorAt   sql.NullTime

	Deleted   bool
	DeletedAt sql.NullTime

	CreatedAt time.Time
	UpdatedAt time.Time
}

func AppToRow(a *app.App) (AppRow, error) {
	env, err := json.Marshal(a.Env)
	if err != nil {
		return AppRow{}, err
	}
	restart, err := json.Marshal(a.Restart)
	if err != nil {
		return AppRow{}, err
	}
	src, err := json.Marshal(a.Source)
	if err != nil {
		return AppRow{}, err
	}
	return AppRow{
		ID:            a.ID,
		Name:          a.Name,
		DisplayName:   a.DisplayName,
		Description:   nullStr(a.Description),
		Kind:          string(a.Kind),
		State:         string(a.State),
		Entrypoint:    a.Entrypoint,
		Env:           string(env),
		Restart:       string(restart),
		Source:        string(src),
		Version:       a.Version,
		UpdateCount:   a.UpdateCount,
		LastUpdatedAt: nullTimePtr(a.LastUpdatedAt),
		PID:           a.PID,
		RestartCount:  a.RestartCount,
		LastRestartAt: nullTimePtr(a.LastRestartAt),
		LastError:     nullStr(a.LastError),
		LastErrorAt:   nullTimePtr(a.LastErrorAt),
		Deleted:       a.IsDeleted,
		DeletedAt:     nullTimePtr(a.DeletedAt),
		CreatedAt:     a.CreatedAt.UTC(),
		UpdatedAt:     a.UpdatedAt.UTC(),
	}, nil
}

func (r AppRow) App() (*app.App, error) {
	a := &app.App{
		ID:            r.ID,
		Name:          r.Name,
		DisplayName:   r.DisplayName,
		Description:   r.Description.String,
		Kind:          app.Kind(r.Kind),
		State:         app.State(r.State),
		Entrypoint:    r.Entrypoint,
		Version:       r.Version,
		UpdateCount:   r.UpdateCount,
		LastUpdatedAt: timePtr(r.LastUpdatedAt),
		PID:           r.PID,
		RestartCount:  r.RestartCount,
		LastRestartAt: timePtr(r.LastRestartAt),
		LastError:     r.LastError.String,
		LastErrorAt:   timePtr(r.LastErrorAt),
		IsDeleted:     r.Deleted,
		DeletedAt:     timePtr(r.DeletedAt),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.Env != "" {
		if err := json.Unmarshal([]byte(r.Env), &a.Env); err != nil {
			return nil, err
		}
	}
	if r.Restart != "" {
		if err := json.Unmarshal([]byte(r.Restart), &a.Restart); err != nil {
			return nil, err
		}
	}
	if r.Source != "" {
		if err := json.Unmarshal([]byte(r.Source), &a.Source); err != nil {
			return nil, err
		}
	}
	return a, nil
}

type ScheduleRow struct {
	ID      string
	AppName string
	Name    string

	Type       string
	CronExpr   sql.NullString
	IntervalNS int64
	Timezone   string

	Enabled   bool
	TimeoutNS int64
	Misfire   string

	LastRun  sql.NullTime
	NextRun  sql.NullTime
	RunCount int

	CreatedAt time.Time
	UpdatedAt time.Time
}

func ScheduleToRow(s *app.Schedule) ScheduleRow {
	return ScheduleRow{
		ID:         s.ID,
		AppName:    s.AppName,
		Name:       s.Name,
		Type:       string(s.Type),
		CronExpr:   nullStr(s.CronExpr),
		IntervalNS: int64(s.Interval),
		Timezone:   s.Timezone,
		Enabled:    s.Enabled,
		TimeoutNS:  int64(s.Timeout),
		Misfire:    string(s.Misfire),
		LastRun:    nullTimePtr(s.LastRun),
		NextRun:    nullTimePtr(s.NextRun),
		RunCount:   s.RunCount,
		CreatedAt:  s.CreatedAt.UTC(),
		UpdatedAt:  s.UpdatedAt.UTC(),
	}
}

func (r ScheduleRow) Schedule() *app.Schedule {
	return &app.Schedule{
		ID:        r.ID,
		AppName:   r.AppName,
		Name:      r.Name,
		Type:      app.ScheduleType(r.Type),
		CronExpr:  r.CronExpr.String,
		Interval:  time.Duration(r.IntervalNS),
		Timezone:  r.Timezone,
		Enabled:   r.Enabled,
		Timeout:   time.Duration(r.TimeoutNS),
		Misfire:   app.MisfirePolicy(r.Misfire),
		LastRun:   timePtr(r.LastRun),
		NextRun:   timePtr(r.NextRun),
		RunCount:  r.RunCount,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type ExecutionRow struct {
	ID      string
	AppName string
	Status  string
	Trigger string

	ScheduleID sql.NullString

	PID      int
	ExitCode sql.NullInt64

	StartedAt sql.NullTime
	EndedAt   sql.NullTime

	StdoutPath sql.NullString
	StderrPath sql.NullString
	Error      sql.NullString

	CreatedAt time.Time
}

func ExecutionToRow(e *app.Execution) ExecutionRow {
	var exit sql.NullInt64
	if e.ExitCode != nil {
		exit = sql.NullInt64{Int64: int64(*e.ExitCode), Valid: true}
	}
	return ExecutionRow{
		ID:         e.ID,
		AppName:    e.AppName,
		Status:     string(e.Status),
		Trigger:    string(e.Trigger),
		ScheduleID: nullStr(e.ScheduleID),
		PID:        e.PID,
		ExitCode:   exit,
		StartedAt:  nullTimePtr(e.StartedAt),
		EndedAt:    nullTimePtr(e.EndedAt),
		StdoutPath: nullStr(e.StdoutPath),
		StderrPath: nullStr(e.StderrPath),
		Error:      nullStr(e.Error),
		CreatedAt:  e.CreatedAt.UTC(),
	}
}

func (r ExecutionRow) Execution() *app.Execution {
	var exit *int
	if r.ExitCode.Valid {
		v := int(r.ExitCode.Int64)
		exit = &v
	}
	return &app.Execution{
		ID:         r.ID,
		AppName:    r.AppName,
		Status:     app.ExecutionStatus(r.Status),
		Trigger:    app.TriggerKind(r.Trigger),
		ScheduleID: r.ScheduleID.String,
		PID:        r.PID,
		ExitCode:   exit,
		StartedAt:  timePtr(r.StartedAt),
		EndedAt:    timePtr(r.EndedAt),
		StdoutPath: r.StdoutPath.String,
		StderrPath: r.StderrPath.String,
		Error:      r.Error.String,
		CreatedAt:  r.CreatedAt,
	}
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
