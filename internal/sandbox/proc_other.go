//go:build !unix

package sandbox

import "os/exec"

func isolateProcessGroup(cmd *exec.Cmd) {
	cmd.Cancel = func() error { return cmd.Process.Kill() }
}

func lowerPriority(pid, niceness int) error { return nil }
