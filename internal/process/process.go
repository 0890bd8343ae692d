package process

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"time"
)

// Handle is one live (or exited) child process. A single waiter
// goroutine owns cmd.Wait; everyone else observes exit via Done.
type Handle struct {
	mu        sync.Mutex
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	done      chan struct{}
	waitErr   error
	exited    bool
	closers   []interface{ Close() error }
}

// Spawn starts the command in its own process group and begins waiting
// on it. Output writers are closed by the waiter once the child exits.
func Spawn(c Command) (*Handle, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	cmd := c.build()
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	h := &Handle{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	if c.Stdout != nil {
		h.closers = append(h.closers, c.Stdout)
	}
	if c.Stderr != nil {
		h.closers = append(h.closers, c.Stderr)
	}
	go h.wait()
	return h, nil
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.waitErr = err
	h.exited = true
	closers := h.closers
	h.closers = nil
	h.mu.Unlock()
	for _, c := range closers {
		_ = c.Close()
	}
	close(h.done)
}

// PID returns the child's process id.
func (h *Handle) PID() int { return h.pid }

// StartedAt returns the spawn time.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed once the child has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Alive reports whether the child has not yet been reaped.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the child's exit code after Done is closed.
// -1 when the process was killed by a signal.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.exited {
		return -1
	}
	if h.waitErr == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(h.waitErr, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// ExitErr returns the error from cmd.Wait after Done is closed.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waitErr
}

// Terminate sends a graceful-termination signal to the process group.
func (h *Handle) Terminate() { signalGroup(h.pid, sigTerminate) }

// Kill force-kills the process group.
func (h *Handle) Kill() { signalGroup(h.pid, sigKill) }

// TerminatePID signals a process group recovered from a previous run,
// for which no Handle exists.
func TerminatePID(pid int) { signalGroup(pid, sigTerminate) }

// KillPID force-kills a recovered process group.
func KillPID(pid int) { signalGroup(pid, sigKill) }

// Stop performs a graceful stop: terminate, wait up to grace, then
// force-kill and wait for the reap. ctx cancels the grace wait early
// and escalates immediately.
func (h *Handle) Stop(ctx context.Context, grace time.Duration) int {
	if !h.Alive() {
		return h.ExitCode()
	}
	h.Terminate()
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-h.done:
		return h.ExitCode()
	case <-ctx.Done():
	case <-t.C:
	}
	h.Kill()
	// the waiter still owns the reap; give it a moment
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
	}
	return h.ExitCode()
}
