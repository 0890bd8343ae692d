package process

import (
	"errors"
	"io"
	"os/exec"
)

// Command describes one launch of an app entrypoint inside its isolated
// environment. Interpreter is the environment's interpreter binary,
// Entrypoint the absolute path of the app's entry file, WorkDir the
// app's active source tree.
type Command struct {
	Interpreter string
	Entrypoint  string
	Args        []string
	WorkDir     string
	Env         []string
	Stdout      io.WriteCloser
	Stderr      io.WriteCloser
}

func (c Command) validate() error {
	if c.Interpreter == "" {
		return errors.New("process: interpreter is required")
	}
	if c.Entrypoint == "" {
		return errors.New("process: entrypoint is required")
	}
	return nil
}

func (c Command) build() *exec.Cmd {
	args := append([]string{c.Entrypoint}, c.Args...)
	// #nosec G204 -- interpreter and entrypoint are engine-controlled paths
	cmd := exec.Command(c.Interpreter, args...)
	if c.WorkDir != "" {
		cmd.Dir = c.WorkDir
	}
	if len(c.Env) > 0 {
		cmd.Env = c.Env
	}
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	}
	if c.Stderr != nil {
		cmd.Stderr = c.Stderr
	}
	cmd.SysProcAttr = sysProcAttr()
	return cmd
}
