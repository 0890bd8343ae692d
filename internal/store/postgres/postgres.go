package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/appstead/appstead/internal/app"
	"github.com/appstead/appstead/internal/store"
)

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
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
			last_updated_at TIMESTAMPTZ NULL,
			pid INTEGER NOT NULL,
			restart_count INTEGER NOT NULL,
			last_restart_at TIMESTAMPTZ NULL,
			last_error TEXT NULL,
			last_error_at TIMESTAMPTZ NULL,
			deleted BOOLEAN NOT NULL,
			deleted_at TIMESTAMPTZ NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_apps_live_name ON apps(name) WHERE NOT deleted;`,
		`CREATE INDEX IF NOT EXISTS idx_apps_state ON apps(state);`,
		`CREATE TABLE IF NOT EXISTS schedules(
			id TEXT PRIMARY KEY,
			app_name TEXT NOT NULL,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			cron_expr TEXT NULL,
			interval_ns BIGINT NOT NULL,
			timezone TEXT NOT NULL,
			enabled BOOLEAN NOT NULL,
			timeout_ns BIGINT NOT NULL,
			misfire TEXT NOT NULL,
			last_run TIMESTAMPTZ NULL,
			next_run TIMESTAMPTZ NULL,
			run_count INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
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
			started_at TIMESTAMPTZ NULL,
			ended_at TIMESTAMPTZ NULL,
			stdout_path TEXT NULL,
			stderr_path TEXT NULL,
			error TEXT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_executions_app ON executions(app_name);`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) SaveApp(ctx context.Context, a *app.App) error {
	r, err := store.AppToRow(a)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO apps(id, name, display_name, description, kind, state, entrypoint,
			env, restart, source, version, update_count, last_updated_at,
			pid, restart_count, last_restart_at, last_error, last_error_at,
			deleted, deleted_at, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		ON CONFLICT(id) DO UPDATE SET
			name=EXCLUDED.name,
			display_name=EXCLUDED.display_name,
			description=EXCLUDED.description,
			kind=EXCLUDED.kind,
			state=EXCLUDED.state,
			entrypoint=EXCLUDED.entrypoint,
			env=EXCLUDED.env,
			restart=EXCLUDED.restart,
			source=EXCLUDED.source,
			version=EXCLUDED.version,
			update_count=EXCLUDED.update_count,
			last_updated_at=EXCLUDED.last_updated_at,
			pid=EXCLUDED.pid,
			restart_count=EXCLUDED.restart_count,
			last_restart_at=EXCLUDED.last_restart_at,
			last_error=EXCLUDED.last_error,
			last_error_at=EXCLUDED.last_error_at,
			deleted=EXCLUDED.deleted,
			deleted_at=EXCLUDED.deleted_at,
			updated_at=EXCLUDED.updated_at;`,
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

func (p *DB) GetApp(ctx context.Context, name string) (*app.App, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+appCols+` FROM apps WHERE name=$1 AND NOT deleted;`, name)
	a, err := scanApp(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &app.NotFoundError{App: name}
	}
	return a, err
}

func (p *DB) ListApps(ctx context.Context, includeDeleted bool) ([]*app.App, error) {
	q := `SELECT ` + appCols + ` FROM apps ORDER BY name;`
	if !includeDeleted {
		q = `SELECT ` + appCols + ` FROM apps WHERE NOT deleted ORDER BY name;`
	}
	rows, err := p.db.QueryContext(ctx, q)
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

func (p *DB) SaveSchedule(ctx context.Context, sc *app.Schedule) error {
	r := store.ScheduleToRow(sc)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO schedules(id, app_name, name, type, cron_expr, interval_ns,
			timezone, enabled, timeout_ns, misfire, last_run, next_run,
			run_count, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT(id) DO UPDATE SET
			app_name=EXCLUDED.app_name,
			name=EXCLUDED.name,
			type=EXCLUDED.type,
			cron_expr=EXCLUDED.cron_expr,
			interval_ns=EXCLUDED.interval_ns,
			timezone=EXCLUDED.timezone,
			enabled=EXCLUDED.enabled,
			timeout_ns=EXCLUDED.timeout_ns,
			misfire=EXCLUDED.misfire,
			last_run=EXCLUDED.last_run,
			next_run=EXCLUDED.next_run,
			run_count=EXCLUDED.run_count,
			updated_at=EXCLUDED.updated_at;`,
		r.ID, r.AppName, r.Name, r.Type, r.CronExpr, r.IntervalNS,
		r.Timezone, r.Enabled, r.TimeoutNS, r.Misfire, r.LastRun, r.NextRun,
		r.RunCount, r.CreatedAt, r.UpdatedAt)
	return err
}

const scheduleCols = `id, app_name, name, type, cron_expr, interval_ns,
	timezone, enabled, timeout_ns, misfire, last_run, next_run,
	run_count, created_at, updated_at`

func (p *DB) GetSchedule(ctx context.Context, id string) (*app.Schedule, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+scheduleCols+` FROM schedules WHERE id=$1;`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &app.NotFoundError{App: id}
	}
	return sc, err
}

func (p *DB) ListSchedules(ctx context.Context, appName string) ([]*app.Schedule, error) {
	q := `SELECT ` + scheduleCols + ` FROM schedules ORDER BY app_name, name;`
	args := []any{}
	if appName != "" {
		q = `SELECT ` + scheduleCols + ` FROM schedules WHERE app_name=$1 ORDER BY name;`
		args = append(args, appName)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
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

func (p *DB) DeleteSchedule(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM schedules WHERE id=$1;`, id)
	return err
}

func (p *DB) SaveExecution(ctx context.Context, e *app.Execution) error {
	r := store.ExecutionToRow(e)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO executions(id, app_name, status, trigger_kind, schedule_id,
			pid, exit_code, started_at, ended_at, stdout_path, stderr_path,
			error, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT(id) DO UPDATE SET
			status=EXCLUDED.status,
			pid=EXCLUDED.pid,
			exit_code=EXCLUDED.exit_code,
			started_at=EXCLUDED.started_at,
			ended_at=EXCLUDED.ended_at,
			stdout_path=EXCLUDED.stdout_path,
			stderr_path=EXCLUDED.stderr_path,
			error=EXCLUDED.error;`,
		r.ID, r.AppName, r.Status, r.Trigger, r.ScheduleID,
		r.PID, r.ExitCode, r.StartedAt, r.EndedAt, r.StdoutPath, r.StderrPath,
		r.Error, r.CreatedAt)
	return err
}

const executionCols = `id, app_name, status, trigger_kind, schedule_id,
	pid, exit_code, started_at, ended_at, stdout_path, stderr_path,
	error, created_at`

func (p *DB) GetExecution(ctx context.Context, id string) (*app.Execution, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+executionCols+` FROM executions WHERE id=$1;`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &app.NotFoundError{App: id}
	}
	return e, err
}

func (p *DB) ListExecutions(ctx context.Context, q store.ExecutionQuery) ([]*app.Execution, error) {
	where := make([]string, 0, 3)
	args := make([]any, 0, 4)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.AppName != "" {
		where = append(where, "app_name="+arg(q.AppName))
	}
	if q.ScheduleID != "" {
		where = append(where, "schedule_id="+arg(q.ScheduleID))
	}
	if q.Status != "" {
		where = append(where, "status="+arg(string(q.Status)))
	}
	sqlq := `SELECT ` + executionCols + ` FROM executions`
	if len(where) > 0 {
		sqlq += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	sqlq += ` ORDER BY created_at DESC LIMIT ` + arg(limit) + `;`
	rows, err := p.db.QueryContext(ctx, sqlq, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanExecutions(rows)
}

func (p *DB) ListActiveExecutions(ctx context.Context) ([]*app.Execution, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+executionCols+` FROM executions
		WHERE status IN ($1, $2)
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
