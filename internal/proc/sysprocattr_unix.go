//go:build unix && !linux

package proc

import (
	"os/exec"
	"syscall"
)

// setSysProcAttr places the child in its own process group. Without a
// parent-death signal on this platform, workers orphaned by a harness
// crash keep running until cleaned up by hand.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
