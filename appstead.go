package appstead

import (
	"context"
	"net/http"
	"time"

	"github.com/appstead/appstead/internal/app"
	"github.com/appstead/appstead/internal/config"
	"github.com/appstead/appstead/internal/engine"
	"github.com/appstead/appstead/internal/history"
	hfactory "github.com/appstead/appstead/internal/history/factory"
	"github.com/appstead/appstead/internal/server"
	"github.com/appstead/appstead/internal/store"
	sfactory "github.com/appstead/appstead/internal/store/factory"
)

// Re-export core types for external consumers. These are aliases so
// conversions are zero-cost.

type App = app.App

type Kind = app.Kind

type State = app.State

type RestartPolicy = app.RestartPolicy

type Schedule = app.Schedule

type Execution = app.Execution

type Config = config.Config

type UploadSpec = engine.UploadSpec

type UpdateSpec = engine.UpdateSpec

type ExecutionQuery = store.ExecutionQuery

type HistorySink = history.Sink

const (
	KindPerpetual = app.KindPerpetual
	KindScheduled = app.KindScheduled
)

// DefaultConfig returns the daemon defaults.
func DefaultConfig() Config { return config.Default() }

// LoadConfig reads a TOML config file and applies defaults.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Daemon is a thin facade over the internal engine for embedding
// appstead in another program.
type Daemon struct {
	inner *engine.Engine
	st    store.Store
}

// NewDaemon opens the store selected by cfg, wires the optional history
// sink and builds an engine. The caller owns Close.
func NewDaemon(cfg *Config) (*Daemon, error) {
	st, err := sfactory.NewFromDSN(cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(context.Background()); err != nil {
		_ = st.Close()
		return nil, err
	}
	var sink history.Sink
	if cfg.History.Enabled {
		sink, err = hfactory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	return &Daemon{inner: engine.New(cfg, st, sink), st: st}, nil
}

// Recover reconciles persisted state with the process table; call once
// at startup, before StartScheduler.
func (d *Daemon) Recover(ctx context.Context) error { return d.inner.Recover(ctx) }

// StartScheduler arms all persisted schedules.
func (d *Daemon) StartScheduler(ctx context.Context) error { return d.inner.StartScheduler(ctx) }

// Serve starts the HTTP API for this daemon.
func (d *Daemon) Serve(addr, basePath string) *http.Server {
	return server.NewServer(addr, basePath, d.inner)
}

// Handler returns the HTTP API as an embeddable handler.
func (d *Daemon) Handler(basePath string) http.Handler {
	return server.NewRouter(d.inner, basePath).Handler()
}

func (d *Daemon) Upload(ctx context.Context, spec UploadSpec) (*App, error) {
	return d.inner.Upload(ctx, spec)
}

func (d *Daemon) Install(ctx context.Context, name string) (*App, error) {
	return d.inner.Install(ctx, name)
}

func (d *Daemon) Enable(ctx context.Context, name string) (*App, error) {
	return d.inner.Enable(ctx, name)
}

func (d *Daemon) Disable(ctx context.Context, name string) (*App, error) {
	return d.inner.Disable(ctx, name)
}

func (d *Daemon) Start(ctx context.Context, name string) (*App, error) {
	return d.inner.Start(ctx, name)
}

func (d *Daemon) Stop(ctx context.Context, name string) (*App, error) {
	return d.inner.Stop(ctx, name)
}

func (d *Daemon) Restart(ctx context.Context, name string) (*App, error) {
	return d.inner.Restart(ctx, name)
}

func (d *Daemon) Update(ctx context.Context, name string, spec UpdateSpec) (*App, error) {
	return d.inner.Update(ctx, name, spec)
}

func (d *Daemon) RunNow(ctx context.Context, name string) (*Execution, error) {
	return d.inner.RunNow(ctx, name)
}

func (d *Daemon) Delete(ctx context.Context, name string, hard bool) error {
	return d.inner.Delete(ctx, name, hard)
}

func (d *Daemon) Get(ctx context.Context, name string) (*App, error) {
	return d.inner.Get(ctx, name)
}

func (d *Daemon) List(ctx context.Context, includeDeleted bool) ([]*App, error) {
	return d.inner.List(ctx, includeDeleted)
}

func (d *Daemon) AddSchedule(ctx context.Context, s *Schedule) error {
	return d.inner.AddSchedule(ctx, s)
}

func (d *Daemon) RemoveSchedule(ctx context.Context, id string) error {
	return d.inner.RemoveSchedule(ctx, id)
}

func (d *Daemon) ListSchedules(ctx context.Context, appName string) ([]*Schedule, error) {
	return d.inner.ListSchedules(ctx, appName)
}

func (d *Daemon) ListExecutions(ctx context.Context, q ExecutionQuery) ([]*Execution, error) {
	return d.inner.ListExecutions(ctx, q)
}

func (d *Daemon) GetExecution(ctx context.Context, id string) (*Execution, error) {
	return d.inner.GetExecution(ctx, id)
}

// Shutdown stops the scheduler and every supervised app, then closes
// the store. ctx bounds the graceful stop of supervised processes.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.inner.Shutdown(ctx)
	return d.st.Close()
}

// ShutdownTimeout is a sensible bound for Daemon.Shutdown at process exit.
const ShutdownTimeout = 30 * time.Second
