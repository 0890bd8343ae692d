package provisioner

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/appstead/appstead/internal/app"
	"github.com/appstead/appstead/internal/config"
)

// Provisioner builds and tears down the isolated interpreter
// environment each app runs in: one virtualenv per app under the envs
// directory, with the app's dependency manifest installed into it.
type Provisioner struct {
	paths       config.Paths
	interpreter string
	timeout     time.Duration
}

func New(paths config.Paths, cfg config.ProvisionerConfig) *Provisioner {
	return &Provisioner{
		paths:       paths,
		interpreter: cfg.Interpreter,
		timeout:     cfg.InstallTimeout,
	}
}

// InterpreterPath is the environment-local interpreter an app must be
// launched with.
func (p *Provisioner) InterpreterPath(name string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(p.paths.EnvDir(name), "Scripts", "python.exe")
	}
	return filepath.Join(p.paths.EnvDir(name), "bin", "python")
}

// Provision creates the app's environment and installs its dependency
// manifest, if the source tree carries one. An existing environment is
// rebuilt from scratch so a re-provision never inherits stale packages.
func (p *Provisioner) Provision(ctx context.Context, name string) error {
	envDir := p.paths.EnvDir(name)
	if err := os.RemoveAll(envDir); err != nil {
		return &app.ProvisioningError{App: name, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(envDir), 0o755); err != nil {
		return &app.ProvisioningError{App: name, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if out, err := p.run(ctx, "", p.interpreter, "-m", "venv", envDir); err != nil {
		return &app.ProvisioningError{App: name, Err: fmt.Errorf("venv create: %w: %s", err, out)}
	}

	manifest := filepath.Join(p.paths.SourceDir(name), "requirements.txt")
	if _, err := os.Stat(manifest); os.IsNotExist(err) {
		slog.Debug("no dependency manifest, environment left bare", "app", name)
		return nil
	} else if err != nil {
		return &app.ProvisioningError{App: name, Err: err}
	}

	pip := p.InterpreterPath(name)
	if out, err := p.run(ctx, p.paths.SourceDir(name), pip, "-m", "pip", "install", "-r", manifest); err != nil {
		return &app.ProvisioningError{App: name, Err: fmt.Errorf("pip install: %w: %s", err, out)}
	}
	slog.Info("environment provisioned", "app", name)
	return nil
}

// Remove deletes the app's environment.
func (p *Provisioner) Remove(name string) error {
	return os.RemoveAll(p.paths.EnvDir(name))
}

// Exists reports whether the app has a provisioned environment.
func (p *Provisioner) Exists(name string) bool {
	_, err := os.Stat(p.InterpreterPath(name))
	return err == nil
}

func (p *Provisioner) run(ctx context.Context, dir, bin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}
