package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// SpawnSpec describes one child launch. An empty Binary re-executes the
// running binary, which is how workers and probes are started.
type SpawnSpec struct {
	Binary string
	Args   []string
	Env    []string // appended to the parent environment
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

type waitResult struct {
	status ExitStatus
	err    error
}

// Child is a spawned process together with its reaper goroutine. The
// reaper owns the wait status; everything else observes it through Wait
// or KillAndWait once Done is closed.
type Child struct {
	cmd  *exec.Cmd
	done chan struct{}
	res  waitResult
}

// Spawn launches the child in its own process group.
func Spawn(spec SpawnSpec) (*Child, error) {
	bin := spec.Binary
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		bin = exe
	}

	cmd := exec.Command(bin, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Dir = spec.Dir
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	setSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}

	c := &Child{cmd: cmd, done: make(chan struct{})}
	pid := cmd.Process.Pid
	go func() {
		c.res = waitResultFrom(pid, cmd.Wait())
		close(c.done)
	}()
	return c, nil
}

func waitResultFrom(pid int, err error) waitResult {
	if err == nil {
		return waitResult{status: ExitStatus{Pid: pid, Exited: true}}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
			return waitResult{status: statusFromWaitStatus(pid, unix.WaitStatus(ws))}
		}
	}
	return waitResult{err: err}
}

// Pid returns the child's process id.
func (c *Child) Pid() int {
	return c.cmd.Process.Pid
}

// Done returns a channel closed once the child has been reaped.
func (c *Child) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the child is reaped or ctx is cancelled. A non-nil
// error reports a wait failure or cancellation, never a failed child.
func (c *Child) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-c.done:
		return c.res.status, c.res.err
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// Signal delivers sig to the child's process group, tolerating a child
// that is already gone.
func (c *Child) Signal(sig unix.Signal) {
	sendSignal(c.Pid(), sig, true)
}

// KillAndWait runs the bounded escalation against the child, consuming
// the reaper's status instead of racing it with a second wait.
func (c *Child) KillAndWait(ctx context.Context, sig unix.Signal, pol ReapPolicy, marker ForceKillMarker) (ExitStatus, error) {
	return killAndWaitLoop(ctx, c.Pid(), sig, pol, marker, func() (ExitStatus, bool, error) {
		select {
		case <-c.done:
			if c.res.err != nil {
				return ExitStatus{}, false, c.res.err
			}
			return c.res.status, true, nil
		default:
			return ExitStatus{}, false, nil
		}
	})
}
