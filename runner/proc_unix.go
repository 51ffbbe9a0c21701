//go:build unix

package runner

import (
	"os/exec"
	"syscall"
)

// killGroup makes cancellation kill the whole process group, so children
// of the shell do not keep output pipes open.
func killGroup(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		return syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
	}
}
