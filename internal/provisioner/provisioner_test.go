//go:build !windows

package provisioner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/appstead/appstead/internal/app"
	"github.com/appstead/appstead/internal/config"
)

// fakeInterpreter emulates "python -m venv <dir>" and "python -m pip
// install" so tests need no real python.
func fakeInterpreter(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "python")
	script := `#!/bin/sh
if [ "$2" = "venv" ]; then
	mkdir -p "$3/bin"
	cp "$0" "$3/bin/python"
	exit 0
fi
if [ "$2" = "pip" ]; then
	echo "installed $4"
	exit 0
fi
exit 1
`
	if err := os.WriteFile(path, []byte(script), 0o700); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestProvisioner(t *testing.T, interpreter string) (*Provisioner, config.Paths) {
	t.Helper()
	paths := config.Paths{DataDir: t.TempDir()}
	p := New(paths, config.ProvisionerConfig{
		Interpreter:    interpreter,
		InstallTimeout: 10 * time.Second,
	})
	return p, paths
}

func TestProvisionBareEnvironment(t *testing.T) {
	p, paths := newTestProvisioner(t, fakeInterpreter(t))
	if err := os.MkdirAll(paths.SourceDir("web"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := p.Provision(context.Background(), "web"); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if !p.Exists("web") {
		t.Fatal("environment interpreter missing after provision")
	}
	want := filepath.Join(paths.EnvDir("web"), "bin", "python")
	if p.InterpreterPath("web") != want {
		t.Fatalf("interpreter path = %q, want %q", p.InterpreterPath("web"), want)
	}
}

func TestProvisionWithManifest(t *testing.T) {
	p, paths := newTestProvisioner(t, fakeInterpreter(t))
	src := paths.SourceDir("web")
	if err := os.MkdirAll(src, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "requirements.txt"), []byte("requests\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := p.Provision(context.Background(), "web"); err != nil {
		t.Fatalf("provision with manifest: %v", err)
	}
}

func TestProvisionRebuildsExistingEnv(t *testing.T) {
	p, paths := newTestProvisioner(t, fakeInterpreter(t))
	if err := os.MkdirAll(paths.SourceDir("web"), 0o755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(paths.EnvDir("web"), "stale.marker")
	if err := os.MkdirAll(paths.EnvDir("web"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := p.Provision(context.Background(), "web"); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale environment content survived re-provision")
	}
}

func TestProvisionFailureIsTyped(t *testing.T) {
	p, paths := newTestProvisioner(t, "/bin/false")
	if err := os.MkdirAll(paths.SourceDir("web"), 0o755); err != nil {
		t.Fatal(err)
	}
	err := p.Provision(context.Background(), "web")
	var pe *app.ProvisioningError
	if !errors.As(err, &pe) {
		t.Fatalf("want ProvisioningError, got %v", err)
	}
	if pe.App != "web" {
		t.Fatalf("error names app %q", pe.App)
	}
}

func TestRemove(t *testing.T) {
	p, paths := newTestProvisioner(t, fakeInterpreter(t))
	if err := os.MkdirAll(paths.SourceDir("web"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := p.Provision(context.Background(), "web"); err != nil {
		t.Fatal(err)
	}
	if err := p.Remove("web"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if p.Exists("web") {
		t.Fatal("environment still present after remove")
	}
}
