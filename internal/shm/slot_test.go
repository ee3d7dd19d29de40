package shm

import (
	"errors"
	"sync/atomic"
	"testing"
)

func testSlot(t *testing.T) (*Segment, *Slot) {
	t.Helper()
	seg := newTestSegment(t, 2)
	slot, err := seg.Slot(0)
	if err != nil {
		t.Fatalf("Slot(0): %v", err)
	}
	return seg, slot
}

func TestSlotIndexBounds(t *testing.T) {
	seg := newTestSegment(t, 2)
	if _, err := seg.Slot(-1); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds for -1, got %v", err)
	}
	if _, err := seg.Slot(2); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds for 2, got %v", err)
	}
}

func TestCounterOps(t *testing.T) {
	_, slot := testSlot(t)

	if got := slot.Value(); got != 0 {
		t.Fatalf("fresh counter = %d", got)
	}
	if got := slot.Inc(); got != 1 {
		t.Fatalf("Inc returned %d", got)
	}
	if got := slot.Add(41); got != 42 {
		t.Fatalf("Add returned %d", got)
	}
	if !slot.Ready() {
		t.Fatal("counter not marked ready after Add")
	}
	slot.Set(7)
	if got := slot.Value(); got != 7 {
		t.Fatalf("Set left counter at %d", got)
	}
	if !slot.Verify() {
		t.Fatal("canary mismatch after plain counter ops")
	}
}

func TestSlotsDoNotAlias(t *testing.T) {
	seg := newTestSegment(t, 2)
	a, _ := seg.Slot(0)
	b, _ := seg.Slot(1)

	a.Add(10)
	b.Add(3)
	if a.Value() != 10 || b.Value() != 3 {
		t.Fatalf("slots alias: a=%d b=%d", a.Value(), b.Value())
	}
}

func TestShouldContinueBudget(t *testing.T) {
	seg, slot := testSlot(t)

	// Zero budget means unbounded.
	slot.Set(1 << 40)
	if !slot.ShouldContinue() {
		t.Fatal("unbounded slot told to stop")
	}

	slot.SetMaxOps(5)
	slot.Set(4)
	if !slot.ShouldContinue() {
		t.Fatal("stopped one op short of the budget")
	}
	slot.Set(5)
	if slot.ShouldContinue() {
		t.Fatal("continued at the budget boundary")
	}
	slot.Set(6)
	if slot.ShouldContinue() {
		t.Fatal("continued past the budget")
	}

	slot.Set(0)
	seg.RequestStop()
	if slot.ShouldContinue() {
		t.Fatal("continued past the stop word")
	}
}

func TestForceKillMarker(t *testing.T) {
	_, slot := testSlot(t)
	if slot.ForceKilled() {
		t.Fatal("fresh slot marked force-killed")
	}
	slot.MarkForceKilled()
	if !slot.ForceKilled() {
		t.Fatal("force-kill marker not visible")
	}
}

func TestRunVerdict(t *testing.T) {
	_, slot := testSlot(t)
	if slot.RunOK() {
		t.Fatal("fresh slot reports run ok")
	}
	slot.SetRunOK(true)
	if !slot.RunOK() {
		t.Fatal("run-ok not visible")
	}
	slot.SetRunOK(false)
	if slot.RunOK() {
		t.Fatal("run-ok not cleared")
	}
}

func TestMarkStartedRecordsPidAndBarrier(t *testing.T) {
	seg := newTestSegment(t, 2)
	a, _ := seg.Slot(0)
	b, _ := seg.Slot(1)

	a.MarkStarted(4242)
	if !a.Started() || a.Pid() != 4242 {
		t.Fatalf("slot 0 started=%v pid=%d", a.Started(), a.Pid())
	}
	if b.Started() {
		t.Fatal("slot 1 started without MarkStarted")
	}
	if seg.StartedWorkers() != 1 {
		t.Fatalf("barrier count = %d", seg.StartedWorkers())
	}
	b.MarkStarted(4243)
	if seg.StartedWorkers() != 2 {
		t.Fatalf("barrier count = %d after second worker", seg.StartedWorkers())
	}
}

func TestVerifyDetectsTrampledCounter(t *testing.T) {
	_, slot := testSlot(t)
	slot.Add(99)
	if !slot.Verify() {
		t.Fatal("canary mismatch on an intact slot")
	}

	// Trample the live counter behind the canary's back.
	atomic.StoreUint64(slot.u64(slotOffCounter), 123456)
	if slot.Verify() {
		t.Fatal("Verify accepted a trampled counter")
	}
	snap := slot.Snapshot()
	if snap.Trusted {
		t.Fatal("snapshot trusts a trampled counter")
	}
}

func TestVerifyDetectsTrampledCanary(t *testing.T) {
	_, slot := testSlot(t)
	slot.Add(7)
	atomic.StoreUint64(slot.u64(slotOffCanaryValue), 7) // value intact
	atomic.StoreUint64(slot.u64(slotOffCanarySum), 1)   // checksum gone
	if slot.Verify() {
		t.Fatal("Verify accepted a bad canary checksum")
	}
}

func TestAddLockedSkipsWhenContended(t *testing.T) {
	seg, slot := testSlot(t)

	// Hold the shared lock so the update has to give up.
	if !seg.tryLock() {
		t.Fatal("could not take an uncontended lock")
	}
	cont := slot.AddLocked(5)
	if !cont {
		t.Fatal("AddLocked reported stop on an unbounded slot")
	}
	if got := slot.Value(); got != 0 {
		t.Fatalf("skipped update still moved the counter to %d", got)
	}
	seg.unlock()

	if !slot.AddLocked(5) {
		t.Fatal("AddLocked reported stop after the lock freed up")
	}
	if got := slot.Value(); got != 5 {
		t.Fatalf("counter = %d after uncontended AddLocked", got)
	}
}

func TestIncLockedCountsTowardsBudget(t *testing.T) {
	_, slot := testSlot(t)
	slot.SetMaxOps(2)
	if !slot.IncLocked() {
		t.Fatal("stopped after first locked op")
	}
	if slot.IncLocked() {
		t.Fatal("continued past the budget")
	}
	if got := slot.Value(); got != 2 {
		t.Fatalf("counter = %d", got)
	}
}

func TestSnapshotCopiesAllCells(t *testing.T) {
	_, slot := testSlot(t)
	slot.MarkStarted(99)
	slot.SetMaxOps(10)
	slot.Add(4)
	slot.SetRunOK(true)

	snap := slot.Snapshot()
	if snap.Counter != 4 || snap.MaxOps != 10 || snap.Pid != 99 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if !snap.Ready || !snap.RunOK || !snap.Started || snap.ForceKilled || !snap.Trusted {
		t.Fatalf("snapshot flags = %+v", snap)
	}
}
