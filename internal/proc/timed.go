package proc

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// RunIsolated executes spec as a disposable child with a wall-clock
// budget, for operations that can hang indefinitely inside the kernel. A
// child that finishes in time yields its real status. One that overstays
// is killed and reaped, and reported as ErrTimedOut, which is distinct
// from the operation failing on its own: a timed-out operation's verdict
// was never observed at all.
func RunIsolated(ctx context.Context, spec SpawnSpec, timeout time.Duration, pol ReapPolicy) (ExitStatus, error) {
	child, err := Spawn(spec)
	if err != nil {
		return ExitStatus{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-child.Done():
		return child.res.status, child.res.err
	case <-ctx.Done():
		if _, kerr := child.KillAndWait(context.Background(), unix.SIGKILL, pol, nil); kerr != nil {
			return ExitStatus{}, fmt.Errorf("%w; reap failed: %v", ctx.Err(), kerr)
		}
		return ExitStatus{}, ctx.Err()
	case <-timer.C:
		if _, kerr := child.KillAndWait(context.Background(), unix.SIGKILL, pol, nil); kerr != nil {
			return ExitStatus{}, fmt.Errorf("%w; reap failed: %v", ErrTimedOut, kerr)
		}
		return ExitStatus{}, ErrTimedOut
	}
}
