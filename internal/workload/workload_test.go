package workload

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/strainhq/strain/internal/shm"
)

func newHandle(t *testing.T, maxOps uint64) (*shm.Segment, *Handle) {
	t.Helper()
	seg, err := shm.New(shm.NewMemory(shm.Size(1)), 1)
	if err != nil {
		t.Fatalf("shm.New: %v", err)
	}
	t.Cleanup(func() { seg.Close() })
	slot, err := seg.Slot(0)
	if err != nil {
		t.Fatalf("Slot: %v", err)
	}
	slot.SetMaxOps(maxOps)
	return seg, &Handle{Seg: seg, Slot: slot, Log: zaptest.NewLogger(t)}
}

func TestDefaultRegistry(t *testing.T) {
	reg := Default()
	for _, name := range []string{"cpu", "vm", "sleep", "lock", "flock", "probeopen"} {
		if _, ok := reg.Lookup(name); !ok {
			t.Fatalf("workload %q missing from the default registry", name)
		}
	}
	if _, ok := reg.Lookup("nonesuch"); ok {
		t.Fatal("Lookup invented a workload")
	}
}

func TestRegistryCloneIsIndependent(t *testing.T) {
	reg := Default()
	clone := reg.Clone()
	clone["extra"] = runSleep
	if _, ok := reg.Lookup("extra"); ok {
		t.Fatal("clone mutation leaked into the source registry")
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	names := Default().Names()
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("names not sorted: %v", names)
		}
	}
}

func TestCPUHonoursBudget(t *testing.T) {
	_, h := newHandle(t, 3)
	if err := runCPU(context.Background(), h); err != nil {
		t.Fatalf("runCPU: %v", err)
	}
	if got := h.Slot.Value(); got != 3 {
		t.Fatalf("counter = %d, want 3", got)
	}
	if !h.Slot.Verify() {
		t.Fatal("canary mismatch after cpu run")
	}
}

func TestVMHonoursBudget(t *testing.T) {
	_, h := newHandle(t, 2)
	h.Params.Bytes = 1 << 20
	if err := runVM(context.Background(), h); err != nil {
		t.Fatalf("runVM: %v", err)
	}
	if got := h.Slot.Value(); got != 2 {
		t.Fatalf("counter = %d, want 2", got)
	}
}

func TestSleepHonoursBudget(t *testing.T) {
	_, h := newHandle(t, 2)
	if err := runSleep(context.Background(), h); err != nil {
		t.Fatalf("runSleep: %v", err)
	}
	if got := h.Slot.Value(); got != 2 {
		t.Fatalf("counter = %d, want 2", got)
	}
}

func TestLockHonoursBudget(t *testing.T) {
	_, h := newHandle(t, 4)
	if err := runLock(context.Background(), h); err != nil {
		t.Fatalf("runLock: %v", err)
	}
	if got := h.Slot.Value(); got != 4 {
		t.Fatalf("counter = %d, want 4", got)
	}
}

func TestStopWordHaltsWorkload(t *testing.T) {
	seg, h := newHandle(t, 0)
	seg.RequestStop()
	if err := runCPU(context.Background(), h); err != nil {
		t.Fatalf("runCPU: %v", err)
	}
	if got := h.Slot.Value(); got != 0 {
		t.Fatalf("counter = %d after pre-raised stop word", got)
	}
}

func TestCancellationHaltsUnboundedWorkload(t *testing.T) {
	_, h := newHandle(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	done := make(chan error, 1)
	go func() {
		done <- runCPU(ctx, h)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runCPU: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("cancellation did not stop the workload")
	}
}

func TestDoneRoutesThroughLockedVariant(t *testing.T) {
	_, h := newHandle(t, 0)
	h.Params.Locked = true
	h.Done()
	h.Done()
	if got := h.Slot.Value(); got != 2 {
		t.Fatalf("counter = %d, want 2", got)
	}
}
