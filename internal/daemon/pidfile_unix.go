//go:build !windows

package daemon

import "syscall"

// processAlive probes the process with signal 0, which checks existence
// without delivering anything.
func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
