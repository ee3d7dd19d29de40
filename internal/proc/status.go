package proc

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Exit codes a worker process reports through its own exit status.
const (
	ExitOK             = 0
	ExitFailure        = 1
	ExitNoResource     = 3
	ExitNotImplemented = 4
	ExitSignalled      = 5
)

// ExitStatus describes how a reaped process ended. Synthetic statuses,
// produced when a process vanished before it could be reaped directly,
// have neither Exited nor Signalled set.
type ExitStatus struct {
	Pid        int
	Code       int
	Signal     unix.Signal
	Exited     bool
	Signalled  bool
	CoreDumped bool
}

func statusFromWaitStatus(pid int, ws unix.WaitStatus) ExitStatus {
	st := ExitStatus{Pid: pid}
	switch {
	case ws.Exited():
		st.Exited = true
		st.Code = ws.ExitStatus()
	case ws.Signaled():
		st.Signalled = true
		st.Signal = ws.Signal()
		st.CoreDumped = ws.CoreDump()
	}
	return st
}

// Success reports a clean zero exit.
func (s ExitStatus) Success() bool {
	return s.Exited && s.Code == 0
}

// Failed reports a self-declared failure exit. Termination by signal is
// not a failure here: during shutdown that is the expected outcome.
func (s ExitStatus) Failed() bool {
	return s.Exited && s.Code != 0
}

// KilledBy reports whether the process was terminated by sig.
func (s ExitStatus) KilledBy(sig unix.Signal) bool {
	return s.Signalled && s.Signal == sig
}

func (s ExitStatus) String() string {
	switch {
	case s.Exited:
		return fmt.Sprintf("exit code %d", s.Code)
	case s.Signalled && s.CoreDumped:
		return fmt.Sprintf("signal %s (core dumped)", unix.SignalName(s.Signal))
	case s.Signalled:
		return fmt.Sprintf("signal %s", unix.SignalName(s.Signal))
	default:
		return "gone"
	}
}
