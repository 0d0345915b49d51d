// SPDX-License-Identifier: MIT

// Package procgroup spawns external processes in their own process group and
// tears the whole group down on cancellation, so that encoder children
// (demuxers, filters) cannot outlive the supervising job.
package procgroup

import (
	"os/exec"
	"syscall"
	"time"
)

// Set configures the command to start in a new process group.
// Mandatory for Terminate to function as a group reaper.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// Kill sends a signal to the process group of the command.
// Safe to call on nil commands or already-exited processes.
func Kill(cmd *exec.Cmd, sig syscall.Signal) error {
	return kill(cmd, sig)
}

// Terminate attempts to gracefully stop a process group.
// It sends SIGTERM, waits for the process to exit (via the provided wait
// channel), and if it doesn't exit within grace, sends SIGKILL.
// It consumes and returns the error from waitCh.
// It is safe to call on nil commands (returns nil).
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	// 1. SIGTERM to process group.
	// If the process already finished, Kill is a no-op (ESRCH is swallowed).
	_ = Kill(cmd, syscall.SIGTERM)

	select {
	case err := <-waitCh:
		// Process exited voluntarily or due to SIGTERM.
		return err
	case <-time.After(grace):
		// 2. Grace exceeded -> SIGKILL.
		_ = Kill(cmd, syscall.SIGKILL)

		// 3. Always drain waitCh. If the process was blocked, SIGKILL
		// should free it.
		return <-waitCh
	}
}
