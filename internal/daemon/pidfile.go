// Package daemon tracks the detached gm API server through a PID file,
// so serve start/stop/status invocations can find the process spawned
// by an earlier one.
package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// PIDFile is the on-disk record of the background server process.
type PIDFile struct {
	Path string
}

func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Write records the current process. The foreground server uses it when
// it owns its own record.
func (f *PIDFile) Write() error {
	return f.WritePID(os.Getpid())
}

// WritePID records the given process id, replacing any existing record.
func (f *PIDFile) WritePID(pid int) error {
	return os.WriteFile(f.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read returns the recorded process id.
func (f *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pid file %s is corrupt: %w", f.Path, err)
	}
	return pid, nil
}

// Remove deletes the record.
func (f *PIDFile) Remove() error {
	return os.Remove(f.Path)
}

// IsRunning reports whether the recorded process is still alive. A
// missing or corrupt file reads as not running. Stale records from a
// crashed server also read as not running; callers clean those up.
func (f *PIDFile) IsRunning() (int, bool) {
	pid, err := f.Read()
	if err != nil {
		return 0, false
	}
	return pid, processAlive(pid)
}
