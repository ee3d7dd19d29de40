// Package workload hosts the stress functions worker processes execute.
//
// A workload is deliberately simple: loop until the progress slot says
// stop, do one unit of work, bump the counter. Everything difficult,
// spawning, supervision, termination, budgets, lives in the harness; a
// workload only has to be honest about one operation per increment.
package workload

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/strainhq/strain/internal/shm"
)

var (
	// ErrNoResource tells the worker wrapper to exit with the
	// no-resource code rather than a plain failure.
	ErrNoResource = errors.New("workload: resource unavailable")
	// ErrNotImplemented marks a workload stubbed out on this platform.
	ErrNotImplemented = errors.New("workload: not implemented")
)

// Params carries per-stressor tuning from the plan file. Workloads read
// what they understand and ignore the rest.
type Params struct {
	// Bytes sizes memory-hungry workloads.
	Bytes int64
	// Path points file-based workloads somewhere specific.
	Path string
	// Locked routes counter updates through the shared-lock variants.
	Locked bool
	// ProbeTimeout bounds one isolated probe operation.
	ProbeTimeout time.Duration
}

// Handle is the worker-side face of a run: progress recording plus the
// tuning parsed from the plan.
type Handle struct {
	Seg    *shm.Segment
	Slot   *shm.Slot
	Params Params
	Log    *zap.Logger
}

// Continue reports whether the workload should begin another operation.
func (h *Handle) Continue(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	return h.Slot.ShouldContinue()
}

// Done records one finished operation, honouring the locked variant when
// the plan asked for it.
func (h *Handle) Done() {
	if h.Params.Locked {
		h.Slot.IncLocked()
		return
	}
	h.Slot.Inc()
}

// Func runs one stressor loop until its handle says stop.
type Func func(ctx context.Context, h *Handle) error

// Registry maps workload names to implementations.
type Registry map[string]Func

// Default returns the built-in workload set. Callers extend their copy
// rather than mutating a shared one.
func Default() Registry {
	return Registry{
		"cpu":       runCPU,
		"vm":        runVM,
		"sleep":     runSleep,
		"lock":      runLock,
		"flock":     runFlock,
		"probeopen": runProbeOpen,
	}
}

// Clone returns a copy of the registry.
func (r Registry) Clone() Registry {
	out := make(Registry, len(r))
	for name, fn := range r {
		out[name] = fn
	}
	return out
}

// Lookup resolves a workload by name.
func (r Registry) Lookup(name string) (Func, bool) {
	fn, ok := r[name]
	return fn, ok
}

// Names lists the registered workloads sorted for display.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
