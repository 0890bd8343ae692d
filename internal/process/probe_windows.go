//go:build windows

package process

import (
	"os"
	"syscall"
)

// AlivePID probes for pid. os.FindProcess succeeds for any pid on
// Windows, so a zero-signal is attempted to confirm liveness.
func AlivePID(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
