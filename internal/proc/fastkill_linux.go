package proc

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// FastKill terminates pid with SIGKILL and asks the kernel to release
// the process's memory right away instead of waiting for the exit path
// to tear it down, which matters when the victim is an allocation-heavy
// worker on a box already near the OOM threshold. The caller still reaps
// through KillAndWait or the child's wait channel.
func FastKill(pid int) error {
	if !killable(pid) {
		return nil
	}

	pfd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		// No pidfd support on this kernel: plain SIGKILL.
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
			return fmt.Errorf("kill pid %d: %w", pid, err)
		}
		return nil
	}
	defer unix.Close(pfd)

	if err := unix.PidfdSendSignal(pfd, unix.SIGKILL, nil, 0); err != nil && err != unix.ESRCH {
		return fmt.Errorf("pidfd kill pid %d: %w", pid, err)
	}

	// Best effort; older kernels lack the syscall and a process that
	// already turned zombie has nothing left to release.
	_, _, errno := unix.Syscall(unix.SYS_PROCESS_MRELEASE, uintptr(pfd), 0, 0)
	if errno != 0 && errno != unix.ENOSYS && errno != unix.ESRCH && errno != unix.EINVAL {
		return fmt.Errorf("process_mrelease pid %d: %w", pid, errno)
	}
	return nil
}
