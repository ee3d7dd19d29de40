package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/strainhq/strain/internal/logmux"
	"github.com/strainhq/strain/internal/oom"
	"github.com/strainhq/strain/internal/proc"
	"github.com/strainhq/strain/internal/sched"
)

// WorkerSpec describes one worker launch: the stressor slot it fills
// and the tuning it applies to itself once attached to the segment.
type WorkerSpec struct {
	Stressor     string
	Workload     string
	SegmentPath  string
	Slot         int
	Bytes        int64
	Path         string
	Locked       bool
	ProbeTimeout time.Duration
	OOMPolicy    oom.Policy
	Sched        sched.Request
}

// Handle is one live worker as its supervisor sees it.
type Handle interface {
	Pid() int

	// Done is closed once the worker has been reaped.
	Done() <-chan struct{}

	// Wait blocks until the worker is reaped or ctx is cancelled.
	Wait(ctx context.Context) (proc.ExitStatus, error)

	// Stop terminates the worker, escalating to SIGKILL per pol and
	// marking the slot when escalation fired. Safe to call after the
	// worker already exited.
	Stop(ctx context.Context, pol proc.ReapPolicy, marker proc.ForceKillMarker) (proc.ExitStatus, error)
}

// Runtime launches workers. The process implementation re-executes the
// harness binary; tests substitute in-process fakes.
type Runtime interface {
	Start(ctx context.Context, spec WorkerSpec) (Handle, error)
}

// NewProcRuntime returns the production runtime, which spawns each
// worker as `<self> worker ...` in its own process group. Worker stderr
// is passed through so diagnostics interleave with the harness's own.
func NewProcRuntime() Runtime {
	return &procRuntime{}
}

// NewMuxedProcRuntime routes each worker's stderr through mux instead
// of inheriting the harness's. The caller closes the mux after the run,
// once every worker has been reaped.
func NewMuxedProcRuntime(mux *logmux.Mux) Runtime {
	return &procRuntime{mux: mux}
}

type procRuntime struct {
	mux *logmux.Mux
}

func (r *procRuntime) Start(ctx context.Context, spec WorkerSpec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stderr := io.Writer(os.Stderr)
	var pr, pw *os.File
	if r.mux != nil {
		var err error
		pr, pw, err = os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("stderr pipe: %w", err)
		}
		stderr = pw
	}
	child, err := proc.Spawn(proc.SpawnSpec{
		Args:   workerArgs(spec),
		Stderr: stderr,
	})
	if r.mux != nil {
		// The child now holds its own descriptor; releasing ours lets
		// the relay see EOF when the worker exits.
		pw.Close()
		if err != nil {
			pr.Close()
		} else {
			r.mux.Attach(fmt.Sprintf("%s/%d[%d]", spec.Stressor, spec.Slot, child.Pid()), pr)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("spawn %s worker %d: %w", spec.Stressor, spec.Slot, err)
	}
	return &procHandle{child: child}, nil
}

// workerArgs builds the worker subcommand line. The op budget is not
// carried here: the coordinator writes it into the segment before
// spawning, so a respawned worker sees the same budget.
func workerArgs(spec WorkerSpec) []string {
	args := []string{
		"worker",
		"--segment", spec.SegmentPath,
		"--slot", strconv.Itoa(spec.Slot),
		"--stressor", spec.Stressor,
		"--workload", spec.Workload,
	}
	if spec.Bytes > 0 {
		args = append(args, "--bytes", strconv.FormatInt(spec.Bytes, 10))
	}
	if spec.Path != "" {
		args = append(args, "--path", spec.Path)
	}
	if spec.Locked {
		args = append(args, "--locked")
	}
	if spec.ProbeTimeout > 0 {
		args = append(args, "--probe-timeout", spec.ProbeTimeout.String())
	}
	if spec.OOMPolicy != oom.PolicyInherit {
		args = append(args, "--oom", spec.OOMPolicy.String())
	}
	return append(args, schedArgs(spec.Sched)...)
}

func schedArgs(req sched.Request) []string {
	var args []string
	if req.Class != sched.ClassOther {
		args = append(args, "--sched-class", req.Class.String())
	}
	if req.Priority != nil {
		args = append(args, "--sched-priority", strconv.Itoa(*req.Priority))
	}
	if req.Aggressive {
		args = append(args, "--sched-aggressive")
	}
	if req.RuntimeNS > 0 {
		args = append(args, "--sched-runtime", time.Duration(req.RuntimeNS).String())
	}
	if req.DeadlineNS > 0 {
		args = append(args, "--sched-deadline", time.Duration(req.DeadlineNS).String())
	}
	if req.PeriodNS > 0 {
		args = append(args, "--sched-period", time.Duration(req.PeriodNS).String())
	}
	if req.Quiet {
		args = append(args, "--sched-quiet")
	}
	return args
}

type procHandle struct {
	child *proc.Child
}

func (h *procHandle) Pid() int { return h.child.Pid() }

func (h *procHandle) Done() <-chan struct{} { return h.child.Done() }

func (h *procHandle) Wait(ctx context.Context) (proc.ExitStatus, error) {
	return h.child.Wait(ctx)
}

func (h *procHandle) Stop(ctx context.Context, pol proc.ReapPolicy, marker proc.ForceKillMarker) (proc.ExitStatus, error) {
	return h.child.KillAndWait(ctx, unix.SIGTERM, pol, marker)
}
