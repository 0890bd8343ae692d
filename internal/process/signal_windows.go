//go:build windows

package process

import (
	"os"
	"syscall"
)

const (
	sigTerminate = syscall.SIGTERM
	sigKill      = syscall.SIGKILL
)

func sysProcAttr() *syscall.SysProcAttr { return nil }

// Windows has no process groups in the POSIX sense; kill the process
// directly and rely on its own cleanup for children.
func signalGroup(pid int, sig syscall.Signal) {
	p, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	_ = p.Kill()
}
