//go:build unix

package sandbox

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// isolateProcessGroup puts the interpreter in its own process group and
// makes cancellation kill the whole group, so children spawned by the
// program die with it.
func isolateProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		if errors.Is(err, unix.ESRCH) {
			return os.ErrProcessDone
		}
		if err != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
}

// lowerPriority raises the niceness of the run's process group.
func lowerPriority(pid, niceness int) error {
	if niceness <= 0 {
		return nil
	}
	return unix.Setpriority(unix.PRIO_PGRP, pid, niceness)
}
