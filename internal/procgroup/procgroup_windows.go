// SPDX-License-Identifier: MIT

//go:build windows

package procgroup

import (
	"os/exec"
	"syscall"
)

func set(cmd *exec.Cmd) {
	// No process groups on Windows in this context.
}

// kill maps SIGKILL to Process.Kill. SIGTERM is a no-op because Windows has
// no reliable graceful termination via signals; the caller escalates to
// SIGKILL after the grace period.
func kill(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if sig == syscall.SIGKILL {
		return cmd.Process.Kill()
	}
	return nil
}
