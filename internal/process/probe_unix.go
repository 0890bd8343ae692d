//go:build !windows

package process

import (
	"bytes"
	"os"
	"strconv"
	"syscall"
)

// AlivePID probes the real process table for pid. Used during recovery
// to reconcile persisted RUNNING records against reality rather than
// trusting cached handles. A zombie counts as not alive.
func AlivePID(pid int) bool {
	if pid <= 0 {
		return false
	}
	if isZombie(pid) {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// isZombie reports whether /proc/<pid>/status shows state Z (Linux).
// On systems without procfs the read fails and we fall through.
func isZombie(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
