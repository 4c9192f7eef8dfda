//go:build windows

package cmd

import (
	"os"
	"os/exec"
)

// setDaemonAttrs is a no-op on Windows (no Setsid equivalent).
func setDaemonAttrs(_ *exec.Cmd) {}

// shutdownSignals returns the OS signals to listen for graceful shutdown.
func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// terminateProcess kills the process; Windows has no graceful signal.
func terminateProcess(pid int) error {
	return killProcess(pid)
}

// killProcess forcibly kills the process.
func killProcess(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
