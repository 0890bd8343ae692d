package app

import (
	"errors"
	"strings"
	"time"
)

// Kind selects the execution model for a managed app.
type Kind string

const (
	// KindPerpetual apps run continuously under supervision.
	KindPerpetual Kind = "perpetual"
	// KindScheduled apps run to completion on schedule fires or manual runs.
	KindScheduled Kind = "scheduled"
)

// State is the lifecycle state of a managed app.
type State string

const (
	StateUploaded  State = "uploaded"
	StateInstalled State = "installed"
	StateEnabled   State = "enabled"
	StateDisabled  State = "disabled"
	StateRunning   State = "running"
	StateStopped   State = "stopped"
	StateFailed    State = "failed"
	StateDeleted   State = "deleted"
)

// RestartMode selects the supervisor's relaunch behavior for perpetual apps.
type RestartMode string

const (
	RestartNever     RestartMode = "never"
	RestartAlways    RestartMode = "always"
	RestartOnFailure RestartMode = "on-failure"
)

// RestartPolicy bounds automatic relaunches of a perpetual app.
// MaxRestarts counts relaunches inside the sliding Window; Delay is the
// base relaunch delay, doubled per consecutive restart up to MaxDelay.
type RestartPolicy struct {
	Mode        RestartMode   `json:"mode" mapstructure:"mode"`
	MaxRestarts int           `json:"max_restarts" mapstructure:"max_restarts"`
	Window      time.Duration `json:"window" mapstructure:"window"`
	Delay       time.Duration `json:"delay" mapstructure:"delay"`
	MaxDelay    time.Duration `json:"max_delay" mapstructure:"max_delay"`
}

// GetDefaults fills zero fields with the defaults used by the supervisor.
func (p *RestartPolicy) GetDefaults() {
	if p.Mode == "" {
		p.Mode = RestartOnFailure
	}
	if p.MaxRestarts <= 0 {
		p.MaxRestarts = 3
	}
	if p.Window <= 0 {
		p.Window = 60 * time.Second
	}
	if p.Delay <= 0 {
		p.Delay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
}

func (p RestartPolicy) Validate() error {
	switch p.Mode {
	case "", RestartNever, RestartAlways, RestartOnFailure:
		return nil
	}
	return errors.New("restart mode must be one of never, always, on-failure")
}

// SourceType records where an app's code came from.
type SourceType string

const (
	SourceArchive SourceType = "archive"
	SourceGit     SourceType = "git"
)

// Source describes the origin of an app's active source tree.
type Source struct {
	Type      SourceType `json:"type"`
	GitURL    string     `json:"git_url,omitempty"`
	GitBranch string     `json:"git_branch,omitempty"`
	GitCommit string     `json:"git_commit,omitempty"`
}

// App is a managed unit of external program code. Identity is the unique
// Name. The record is owned by the engine: all mutations go through its
// per-app locked entry points and the state machine below.
type App struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Description string `json:"description,omitempty"`

	Kind       Kind   `json:"kind"`
	State      State  `json:"state"`
	Entrypoint string `json:"entrypoint"`
	Env        []string `json:"env,omitempty"`

	Restart RestartPolicy `json:"restart"`
	Source  Source        `json:"source"`

	// Version bookkeeping, advanced only by a committed update transaction.
	Version       int        `json:"version"`
	UpdateCount   int        `json:"update_count"`
	LastUpdatedAt *time.Time `json:"last_updated_at,omitempty"`

	// Runtime state, written by the supervisor through the engine.
	PID           int        `json:"pid,omitempty"`
	RestartCount  int        `json:"restart_count"`
	LastRestartAt *time.Time `json:"last_restart_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	LastErrorAt   *time.Time `json:"last_error_at,omitempty"`

	IsDeleted bool       `json:"is_deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanStart reports whether Start is a legal transition.
func (a *App) CanStart() bool {
	return a.State == StateEnabled || a.State == StateStopped || a.State == StateFailed
}

// CanStop reports whether Stop is a legal transition.
func (a *App) CanStop() bool { return a.State == StateRunning }

// CanEnable reports whether Enable is a legal transition.
func (a *App) CanEnable() bool {
	return a.State == StateInstalled || a.State == StateDisabled
}

// CanDisable reports whether Disable is a legal transition.
func (a *App) CanDisable() bool {
	switch a.State {
	case StateEnabled, StateRunning, StateStopped, StateFailed:
		return true
	}
	return false
}

// CanInstall reports whether Install is a legal transition.
func (a *App) CanInstall() bool { return a.State == StateUploaded }

// IsRunning reports whether the record claims a live process.
func (a *App) IsRunning() bool { return a.State == StateRunning && a.PID > 0 }

// ValidName reports whether name is safe to use as a path component.
// Apps own a directory subtree keyed by name; anything that could escape
// it is rejected here rather than at the API boundary only.
func ValidName(name string) bool {
	if name == "" || len(name) > 128 {
		return false
	}
	if strings.Contains(name, "..") {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}

// Validate checks the invariants a new record must satisfy.
func (a *App) Validate() error {
	if !ValidName(a.Name) {
		return errors.New("app name: allowed [A-Za-z0-9._-], max 128 chars, no '..'")
	}
	if a.Kind != KindPerpetual && a.Kind != KindScheduled {
		return errors.New("app kind must be perpetual or scheduled")
	}
	if a.Entrypoint == "" {
		return errors.New("app entrypoint is required")
	}
	if strings.HasPrefix(a.Entrypoint, "/") || strings.Contains(a.Entrypoint, "..") {
		return errors.New("app entrypoint must be relative and traversal-free")
	}
	return a.Restart.Validate()
}
