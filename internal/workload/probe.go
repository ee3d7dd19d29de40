package workload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/strainhq/strain/internal/proc"
)

const defaultProbeTimeout = 500 * time.Millisecond

// runProbeOpen exercises the isolated-operation machinery: each op asks
// a disposable re-exec of the harness to open a device path that is
// allowed to wedge inside the kernel. A timeout counts as a completed
// operation; only a real failure from the child stops the workload.
func runProbeOpen(ctx context.Context, h *Handle) error {
	path := h.Params.Path
	if path == "" {
		path = "/dev/zero"
	}
	timeout := h.Params.ProbeTimeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}

	for h.Continue(ctx) {
		st, err := proc.RunIsolated(ctx, proc.SpawnSpec{
			Args: []string{"probe", "open", path},
		}, timeout, proc.DefaultReapPolicy())
		switch {
		case errors.Is(err, proc.ErrTimedOut):
			// A wedged open is exactly what this probe tolerates.
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return nil
		case err != nil:
			return fmt.Errorf("probe child: %w", err)
		case st.Code == proc.ExitNoResource:
			return fmt.Errorf("%w: %s", ErrNoResource, path)
		case st.Failed():
			return fmt.Errorf("probe open %s: %s", path, st)
		}
		h.Done()
	}
	return nil
}
