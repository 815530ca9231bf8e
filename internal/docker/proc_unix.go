//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package docker

import (
	"os/exec"
	"syscall"
)

// setProcessGroup starts the child as a process group leader and makes
// cancellation kill the entire group, so compose plugins spawned by the
// docker CLI do not outlive a cancelled request.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
