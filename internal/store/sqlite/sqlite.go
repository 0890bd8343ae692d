package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/appstead/appstead/internal/app"
	"github.com/appstead/appstead/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.

type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	dsn := p
	// the pragma rides the DSN so every pooled connection gets it,
	// not just the one a bare Exec happens to land on
	if p != ":memory:" && !strings.Contains(p, "?") {
		dsn = p + "?_pragma=busy_timeout(3000)"
	}
	d, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS apps(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			display_name TEXT NOT NULL,
			description TEXT NULL,
			kind TEXT NOT NULL,
			state TEXT NOT NULL,
			entrypoint TEXT NOT NULL,
			env TEXT NOT NULL,
			restart TEXT NOT NULL,
			source TEXT NOT NULL,
			version INTEGER NOT NULL,
			update_count INTEGER NOT NULL,
			last_updated_at TIMESTAMP NULL,
			pid INTEGER NOT NULL,
			restart_count INTEGER NOT NULL,
			last_restart_at TIMESTAMP NULL,
			last_error TEXT NULL,
			last_error_at TIMESTAMP NULL,
			deleted BOOLEAN NOT NULL,
			deleted_at TIMESTAMP NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		// name is reusable after soft delete, but unique among live apps
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_apps_live_name ON apps(name) WHERE deleted=0;`,
		`CREATE INDEX IF NOT EXISTS idx_apps_state ON apps(state);`,
		`CREATE TABLE IF NOT EXISTS schedules(
			id TEXT PRIMARY KEY,
			app_name TEXT NOT NULL,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			cron_expr TEXT NULL,
			interval_ns INTEGER NOT NULL,
			timezone TEXT NOT NULL,
			enabled BOOLEAN NOT NULL,
			timeout_ns INTEGER NOT NULL,
			misfire TEXT NOT NULL,
			last_run TIMESTAMP NULL,
			next_run TIMESTAMP NULL,
			run_count INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_app ON schedules(app_name);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_schedules_app_name ON schedules(app_name, name);`,
		`CREATE TABLE IF NOT EXISTS executions(
			id TEXT PRIMARY KEY,
			app_name TEXT NOT NULL,
			status TEXT NOT NULL,
			trigger_kind TEXT NOT NULL,
			schedule_id TEXT NULL,
			pid INTEGER NOT NULL,
			exit_code INTEGER NULL,
			started_at TIMESTAMP NULL,
			ended_at TIMESTAMP NULL,
			stdout_path TEXT NULL,
			stderr_path TEXT NULL,
			error TEXT NULL,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_executions_app ON executions(app_name);`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) SaveApp(ctx context.Context, a *app.App) error {
	r, err := store.AppToRow(a)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO apps(id, name, display_name, description, kind, state, entrypoint,
			env, restart, source, version, update_count, last_updated_at,
			pid, restart_count, last_restart_at, last_error, last_error_at,
			deleted, deleted_at, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			display_name=excluded.display_name,
			description=excluded.description,
			kind=excluded.kind,
			state=excluded.state,
			entrypoint=excluded.entrypoint,
			env=excluded.env,
			restart=excluded.restart,
			source=excluded.source,
			version=excluded.version,
			update_count=excluded.update_count,
			last_updated_at=excluded.last_updated_at,
			pid=excluded.pid,
			restart_count=excluded.restart_count,
			last_restart_at=excluded.last_restart_at,
			last_error=excluded.last_error,
			last_error_at=excluded.last_error_at,
			deleted=excluded.deleted,
			deleted_at=excluded.deleted_at,
			updated_at=excluded.updated_at;`,
		r.ID, r.Name, r.DisplayName, r.Description, r.Kind, r.State, r.Entrypoint,
		r.Env, r.Restart, r.Source, r.Version, r.UpdateCount, r.LastUpdatedAt,
		r.PID, r.RestartCount, r.LastRestartAt, r.LastError, r.LastErrorAt,
		r.Deleted, r.DeletedAt, r.CreatedAt, r.UpdatedAt)
	return err
}

const appCols = `id, name, display_name, description, kind, state, entrypoint,
	env, restart, source, version, update_count, last_updated_at,
	pid, restart_count, last_restart_at, last_error, last_error_at,
	deleted, deleted_at, created_at, updated_at`

func (s *DB) GetApp(ctx context.Context, name string) (*app.App, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+appCols+` FROM apps WHERE name=? AND deleted=0;`, name)
	a, err := scanApp(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &app.NotFoundError{App: name}
	}
	return a, err
}

func (s *DB) ListApps(ctx context.Context, includeDeleted bool) ([]*app.App, error) {
	q := `SELECT ` + appCols + ` FROM apps ORDER BY name;`
	if !includeDeleted {
		q = `SELECT ` + appCols + ` FROM apps WHERE deleted=0 ORDER BY name;`
	}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]*app.App, 0)
	for rows.Next() {
		a, err := scanApp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *DB) SaveSchedule(ctx context.Context, sc *app.Schedule) error {
	r := store.ScheduleToRow(sc)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules(id, app_name, name, type, cron_expr, interval_ns,
			timezone, enabled, timeout_ns, misfire, last_run, next_run,
			run_count, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			app_name=excluded.app_name,
			name=excluded.name,
			type=excluded.type,
			cron_expr=excluded.cron_expr,
			interval_ns=excluded.interval_ns,
			timezone=excluded.timezone,
			enabled=excluded.enabled,
			timeout_ns=excluded.timeout_ns,
			misfire=excluded.misfire,
			last_run=excluded.last_run,
			next_run=excluded.next_run,
			run_count=excluded.run_count,
			updated_at=excluded.updated_at;`,
		r.ID, r.AppName, r.Name, r.Type, r.CronExpr, r.IntervalNS,
		r.Timezone, r.Enabled, r.TimeoutNS, r.Misfire, r.LastRun, r.NextRun,
		r.RunCount, r.CreatedAt, r.UpdatedAt)
	return err
}

const scheduleCols = `id, app_name, name, type, cron_expr, interval_ns,
	timezone, enabled, timeout_ns, misfire, last_run, next_run,
	run_count, created_at, updated_at`

func (s *DB) GetSchedule(ctx context.Context, id string) (*app.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+scheduleCols+` FROM schedules WHERE id=?;`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &app.NotFoundError{App: id}
	}
	return sc, err
}

func (s *DB) ListSchedules(ctx context.Context, appName string) ([]*app.Schedule, error) {
	q := `SELECT ` + scheduleCols + ` FROM schedules ORDER BY app_name, name;`
	args := []any{}
	if appName != "" {
		q = `SELECT ` + scheduleCols + ` FROM schedules WHERE app_name=? ORDER BY name;`
		args = append(args, appName)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]*app.Schedule, 0)
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *DB) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id=?;`, id)
	return err
}

func (s *DB) SaveExecution(ctx context.Context, e *app.Execution) error {
	r := store.ExecutionToRow(e)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions(id, app_name, status, trigger_kind, schedule_id,
			pid, exit_code, started_at, ended_at, stdout_path, stderr_path,
			error, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			pid=excluded.pid,
			exit_code=excluded.exit_code,
			started_at=excluded.started_at,
			ended_at=excluded.ended_at,
			stdout_path=excluded.stdout_path,
			stderr_path=excluded.stderr_path,
			error=excluded.error;`,
		r.ID, r.AppName, r.Status, r.Trigger, r.ScheduleID,
		r.PID, r.ExitCode, r.StartedAt, r.EndedAt, r.StdoutPath, r.StderrPath,
		r.Error, r.CreatedAt)
	return err
}

const executionCols = `id, app_name, status, trigger_kind, schedule_id,
	pid, exit_code, started_at, ended_at, stdout_path, stderr_path,
	error, created_at`

func (s *DB) GetExecution(ctx context.Context, id string) (*app.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionCols+` FROM executions WHERE id=?;`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &app.NotFoundError{App: id}
	}
	return e, err
}

func (s *DB) ListExecutions(ctx context.Context, q store.ExecutionQuery) ([]*app.Execution, error) {
	where := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if q.AppName != "" {
		where = append(where, "app_name=?")
		args = append(args, q.AppName)
	}
	if q.ScheduleID != "" {
		where = append(where, "schedule_id=?")
		args = append(args, q.ScheduleID)
	}
	if q.Status != "" {
		where = append(where, "status=?")
		args = append(args, string(q.Status))
	}
	sqlq := `SELECT ` + executionCols + ` FROM executions`
	if len(where) > 0 {
		sqlq += ` WHERE ` + strings.Join(where, " AND ")
	}
	sqlq += ` ORDER BY created_at DESC LIMIT ?;`
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, sqlq, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanExecutions(rows)
}

func (s *DB) ListActiveExecutions(ctx context.Context) ([]*app.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionCols+` FROM executions
		WHERE status IN (?, ?)
		ORDER BY created_at;`,
		string(app.ExecPending), string(app.ExecRunning))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanExecutions(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApp(rs rowScanner) (*app.App, error) {
	var r store.AppRow
	if err := rs.Scan(&r.ID, &r.Name, &r.DisplayName, &r.Description, &r.Kind,
		&r.State, &r.Entrypoint, &r.Env, &r.Restart, &r.Source,
		&r.Version, &r.UpdateCount, &r.LastUpdatedAt,
		&r.PID, &r.RestartCount, &r.LastRestartAt, &r.LastError, &r.LastErrorAt,
		&r.Deleted, &r.DeletedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return r.App()
}

func scanSchedule(rs rowScanner) (*app.Schedule, error) {
	var r store.ScheduleRow
	if err := rs.Scan(&r.ID, &r.AppName, &r.Name, &r.Type, &r.CronExpr,
		&r.IntervalNS, &r.Timezone, &r.Enabled, &r.TimeoutNS, &r.Misfire,
		&r.LastRun, &r.NextRun, &r.RunCount, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return r.Schedule(), nil
}

func scanExecution(rs rowScanner) (*app.Execution, error) {
	var r store.ExecutionRow
	if err := rs.Scan(&r.ID, &r.AppName, &r.Status, &r.Trigger, &r.ScheduleID,
		&r.PID, &r.ExitCode, &r.StartedAt, &r.EndedAt,
		&r.StdoutPath, &r.StderrPath, &r.Error, &r.CreatedAt); err != nil {
		return nil, err
	}
	return r.Execution(), nil
}

func scanExecutions(rows *sql.Rows) ([]*app.Execution, error) {
	out := make([]*app.Execution, 0)
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
