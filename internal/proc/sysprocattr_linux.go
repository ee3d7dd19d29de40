package proc

import (
	"os/exec"
	"syscall"
)

// setSysProcAttr places the child in its own process group and arms the
// parent-death signal so workers cannot outlive a crashed harness.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}
