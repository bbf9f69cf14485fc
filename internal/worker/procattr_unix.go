//go:build unix

package worker

import (
	"os/exec"
	"syscall"
	"time"
)

// setProcGroup configures the command to run in its own process group so the
// worker survives the parent's exit and can be signalled as a unit.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcessGroup sends SIGTERM to the process group.
func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killProcessGroup sends SIGKILL to the process group.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// ProcessAlive reports whether a process with the given PID exists, using the
// signal-0 existence check.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return err == syscall.EPERM
}

// TerminatePID sends SIGTERM to pid and escalates to SIGKILL after grace.
// Used to reach orphaned workers recorded from a previous server run.
func TerminatePID(pid int, grace time.Duration) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(pid, syscall.SIGTERM)
	go func() {
		time.Sleep(grace)
		if ProcessAlive(pid) {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	}()
}
