package proc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrStillRunning reports a process that survived the full escalation.
	ErrStillRunning = errors.New("proc: process still running")
	// ErrTimedOut reports an isolated operation that outlived its budget.
	ErrTimedOut = errors.New("proc: operation timed out")
	// ErrWorkerFailed reports a worker that exited with a failure code.
	ErrWorkerFailed = errors.New("proc: worker reported failure")
)

// ForceKillMarker records, on whatever medium the caller shares with its
// readers, that graceful termination had to escalate to SIGKILL.
type ForceKillMarker interface {
	MarkForceKilled()
}

// ReapPolicy bounds the patience of a termination.
type ReapPolicy struct {
	// MaxAttempts caps poll iterations across the whole escalation.
	MaxAttempts int
	// YieldAttempts is how many initial polls merely yield the CPU
	// before the loop starts sleeping.
	YieldAttempts int
	// BaseDelay is the first sleep; it doubles up to MaxDelay.
	BaseDelay time.Duration
	// MaxDelay clamps the doubling.
	MaxDelay time.Duration
	// ResendEvery re-sends the stop signal at that attempt cadence
	// until escalation. Zero or negative disables resending.
	ResendEvery int
	// EscalateAfter is the attempt at which SIGKILL goes out. Zero or
	// negative means only a cancelled context escalates.
	EscalateAfter int
	// KillGroup addresses the whole process group.
	KillGroup bool
}

// DefaultReapPolicy returns the escalation used by the run coordinator:
// a few yields, sleeps doubling from 10ms to 160ms, a resend every
// eighth attempt and SIGKILL at the twenty-fourth.
func DefaultReapPolicy() ReapPolicy {
	return ReapPolicy{
		MaxAttempts:   40,
		YieldAttempts: 4,
		BaseDelay:     10 * time.Millisecond,
		MaxDelay:      160 * time.Millisecond,
		ResendEvery:   8,
		EscalateAfter: 24,
		KillGroup:     true,
	}
}

func (p ReapPolicy) withDefaults() ReapPolicy {
	def := DefaultReapPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// killable guards against signalling init, the harness itself or its
// parent. Those pids come up when a worker slot never recorded a real
// pid; treating them as already gone keeps shutdown moving.
func killable(pid int) bool {
	if pid <= 1 {
		return false
	}
	return pid != os.Getpid() && pid != os.Getppid()
}

// Alive probes pid with the null signal. EPERM still means the process
// exists.
func Alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

func sendSignal(pid int, sig unix.Signal, group bool) {
	if group {
		if err := unix.Kill(-pid, sig); err == nil || err == unix.ESRCH {
			return
		}
	}
	_ = unix.Kill(pid, sig)
}

// forceKill is the SIGKILL delivery: the group gets the signal, the
// leader additionally goes through the fast-kill path so its memory
// comes back right away. A forced kill usually targets an
// allocation-heavy worker on a strained box, exactly when waiting for
// the exit path to free pages hurts most.
func forceKill(pid int, group bool) {
	sendSignal(pid, unix.SIGKILL, group)
	_ = FastKill(pid)
}

type pollFunc func() (ExitStatus, bool, error)

// killAndWaitLoop drives the shared escalation: poll, signal once, then
// yields, growing sleeps, periodic resends and finally SIGKILL with the
// slot marked force-killed. A cancelled context escalates immediately,
// but the loop keeps polling within its attempt bound so a cancellation
// never leaks a zombie.
func killAndWaitLoop(ctx context.Context, pid int, sig unix.Signal, pol ReapPolicy, marker ForceKillMarker, poll pollFunc) (ExitStatus, error) {
	if !killable(pid) {
		return ExitStatus{Pid: pid}, nil
	}
	pol = pol.withDefaults()

	sent := false
	escalated := false
	delay := pol.BaseDelay
	for attempt := 0; attempt < pol.MaxAttempts; attempt++ {
		st, done, err := poll()
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return ExitStatus{}, fmt.Errorf("reap pid %d: %w", pid, err)
		}
		if done {
			return st, nil
		}

		switch {
		case !sent:
			if sig == unix.SIGKILL {
				forceKill(pid, pol.KillGroup)
			} else {
				sendSignal(pid, sig, pol.KillGroup)
			}
			sent = true
		case !escalated && (ctx.Err() != nil || (pol.EscalateAfter > 0 && attempt >= pol.EscalateAfter)):
			if marker != nil {
				marker.MarkForceKilled()
			}
			forceKill(pid, pol.KillGroup)
			escalated = true
		case !escalated && pol.ResendEvery > 0 && attempt%pol.ResendEvery == 0:
			sendSignal(pid, sig, pol.KillGroup)
		}

		if attempt < pol.YieldAttempts {
			runtime.Gosched()
			continue
		}
		time.Sleep(delay)
		delay *= 2
		if delay > pol.MaxDelay {
			delay = pol.MaxDelay
		}
	}
	return ExitStatus{}, fmt.Errorf("pid %d after %d attempts: %w", pid, pol.MaxAttempts, ErrStillRunning)
}

// KillAndWait terminates a raw pid with sig and escalates until the
// process is gone, returning its exit status when it could be reaped
// directly. For children spawned through this package use
// Child.KillAndWait, which does not race the reaper goroutine for the
// wait status.
func KillAndWait(ctx context.Context, pid int, sig unix.Signal, pol ReapPolicy, marker ForceKillMarker) (ExitStatus, error) {
	return killAndWaitLoop(ctx, pid, sig, pol, marker, func() (ExitStatus, bool, error) {
		return reapPid(pid)
	})
}

// reapPid polls pid without blocking. When wait4 cannot see the process
// (not a child, or already reaped elsewhere) it falls back to a liveness
// probe and synthesises a bare status once the pid is gone.
func reapPid(pid int) (ExitStatus, bool, error) {
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	switch {
	case err == unix.EINTR:
		return ExitStatus{}, false, unix.EINTR
	case err == unix.ECHILD:
		if Alive(pid) {
			return ExitStatus{}, false, nil
		}
		return ExitStatus{Pid: pid}, true, nil
	case err != nil:
		return ExitStatus{}, false, err
	case wpid == pid:
		return statusFromWaitStatus(pid, ws), true, nil
	default:
		return ExitStatus{}, false, nil
	}
}

// KillAndWaitMany terminates a set of raw pids in two phases: every
// eligible pid is signalled first so the whole set winds down in
// parallel, then each one is reaped in turn. Every pid is accounted for
// before the first failure is reported.
func KillAndWaitMany(ctx context.Context, pids []int, sig unix.Signal, pol ReapPolicy, markers map[int]ForceKillMarker) ([]ExitStatus, error) {
	pol = pol.withDefaults()
	for _, pid := range pids {
		if killable(pid) {
			sendSignal(pid, sig, pol.KillGroup)
		}
	}

	statuses := make([]ExitStatus, 0, len(pids))
	var firstErr error
	for _, pid := range pids {
		st, err := KillAndWait(ctx, pid, sig, pol, markers[pid])
		statuses = append(statuses, st)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return statuses, firstErr
	}
	for _, st := range statuses {
		if st.Failed() {
			return statuses, fmt.Errorf("pid %d (%s): %w", st.Pid, st, ErrWorkerFailed)
		}
	}
	return statuses, nil
}
