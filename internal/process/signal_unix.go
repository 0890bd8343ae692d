//go:build !windows

package process

import "syscall"

const (
	sigTerminate = syscall.SIGTERM
	sigKill      = syscall.SIGKILL
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals the whole process group so grandchildren spawned
// by the entrypoint are included.
func signalGroup(pid int, sig syscall.Signal) {
	_ = syscall.Kill(-pid, sig)
}
