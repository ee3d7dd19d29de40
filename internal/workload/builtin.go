package workload

import (
	"context"
	"time"
)

// cpuBatch is how many mixer rounds count as one operation.
const cpuBatch = 16384

var sink uint64

// runCPU burns cycles on an integer mix. The sink store keeps the loop
// from being optimised away.
func runCPU(ctx context.Context, h *Handle) error {
	x := uint64(0x9e3779b97f4a7c15)
	for h.Continue(ctx) {
		for i := 0; i < cpuBatch; i++ {
			x ^= x << 13
			x ^= x >> 7
			x ^= x << 17
		}
		sink = x
		h.Done()
	}
	return nil
}

const defaultVMBytes = 64 << 20

// runVM allocates a fresh buffer every pass and dirties one byte per
// page so the kernel has to back the whole mapping. Under a killable
// OOM policy this is the workload that draws the killer's attention.
func runVM(ctx context.Context, h *Handle) error {
	size := h.Params.Bytes
	if size <= 0 {
		size = defaultVMBytes
	}
	for h.Continue(ctx) {
		buf := make([]byte, size)
		for i := int64(0); i < size; i += 4096 {
			buf[i] = byte(i)
		}
		sink += uint64(buf[size-1])
		h.Done()
	}
	return nil
}

// runSleep spends its operation asleep; it exists to exercise stop
// latency around blocking operations.
func runSleep(ctx context.Context, h *Handle) error {
	for h.Continue(ctx) {
		timer := time.NewTimer(time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		h.Done()
	}
	return nil
}

// runLock funnels every update through the shared spin lock regardless
// of the plan's locked flag, keeping the fail-open path hot when
// several workers contend.
func runLock(ctx context.Context, h *Handle) error {
	for h.Continue(ctx) {
		if !h.Slot.IncLocked() {
			return nil
		}
	}
	return nil
}
