//go:build windows

package daemon

import (
	"os"
	"syscall"
)

// processAlive probes with FindProcess plus a zero signal. FindProcess
// alone succeeds for any pid on Windows, so the signal does the real
// check.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
