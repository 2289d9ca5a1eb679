//go:build !windows

package reply

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the command in its own process group and arranges
// for the whole group to be killed when the context expires, so children
// spawned by the command do not outlive a timeout.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}
}
