//go:build !unix

package shellsession

import (
	"os"
	"os/exec"
)

// setProcessGroup is a no-op: process-group signalling is a POSIX concept
// (spec.md 9, "On Windows, fall back to the one-shot path").
func setProcessGroup(cmd *exec.Cmd) {}

// sendInterrupt falls back to signalling the process directly.
func sendInterrupt(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(os.Interrupt)
}

// killProcessGroup falls back to killing the process directly.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
