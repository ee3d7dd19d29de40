//go:build unix && !linux

package proc

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// FastKill terminates pid with SIGKILL. The immediate memory-release
// step is Linux-only; here the kernel reclaims the address space on its
// own schedule.
func FastKill(pid int) error {
	if !killable(pid) {
		return nil
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	return nil
}
