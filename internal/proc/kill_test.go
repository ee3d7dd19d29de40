//go:build unix

package proc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

type fakeMarker struct {
	marked bool
}

func (m *fakeMarker) MarkForceKilled() {
	m.marked = true
}

func testPolicy() ReapPolicy {
	return ReapPolicy{
		MaxAttempts:   200,
		YieldAttempts: 2,
		BaseDelay:     5 * time.Millisecond,
		MaxDelay:      20 * time.Millisecond,
		ResendEvery:   4,
		EscalateAfter: 8,
		KillGroup:     true,
	}
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("file %s never appeared", path)
}

func spawnShell(t *testing.T, script string) *Child {
	t.Helper()
	child, err := Spawn(SpawnSpec{Binary: "/bin/sh", Args: []string{"-c", script}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	t.Cleanup(func() {
		child.Signal(unix.SIGKILL)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		child.Wait(ctx)
	})
	return child
}

func TestKillAndWaitProtectedPids(t *testing.T) {
	marker := &fakeMarker{}
	for _, pid := range []int{-1, 0, 1, os.Getpid(), os.Getppid()} {
		st, err := KillAndWait(context.Background(), pid, unix.SIGTERM, testPolicy(), marker)
		if err != nil {
			t.Fatalf("pid %d: %v", pid, err)
		}
		if st.Pid != pid || st.Exited || st.Signalled {
			t.Fatalf("pid %d: expected bare synthetic status, got %+v", pid, st)
		}
	}
	if marker.marked {
		t.Fatal("protected pid marked force-killed")
	}
}

func TestChildKillAndWaitGraceful(t *testing.T) {
	child := spawnShell(t, "sleep 30")
	marker := &fakeMarker{}

	st, err := child.KillAndWait(context.Background(), unix.SIGTERM, testPolicy(), marker)
	if err != nil {
		t.Fatalf("KillAndWait: %v", err)
	}
	if !st.KilledBy(unix.SIGTERM) {
		t.Fatalf("expected SIGTERM exit, got %s", st)
	}
	if marker.marked {
		t.Fatal("graceful stop marked force-killed")
	}
}

func TestChildKillAndWaitEscalatesStubbornChild(t *testing.T) {
	ready := filepath.Join(t.TempDir(), "ready")
	child := spawnShell(t, "trap '' TERM; : > "+ready+"; while :; do sleep 0.05; done")
	waitForFile(t, ready)

	marker := &fakeMarker{}
	start := time.Now()
	st, err := child.KillAndWait(context.Background(), unix.SIGTERM, testPolicy(), marker)
	if err != nil {
		t.Fatalf("KillAndWait: %v", err)
	}
	if !st.KilledBy(unix.SIGKILL) {
		t.Fatalf("expected SIGKILL exit, got %s", st)
	}
	if !marker.marked {
		t.Fatal("escalation did not mark the slot force-killed")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("escalation took %v", elapsed)
	}
}

func TestChildKillAndWaitAfterNaturalExit(t *testing.T) {
	child := spawnShell(t, "exit 7")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := child.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	// The real exit status must come back, not an error or a synthetic
	// kill result.
	st, err := child.KillAndWait(context.Background(), unix.SIGTERM, testPolicy(), nil)
	if err != nil {
		t.Fatalf("KillAndWait after exit: %v", err)
	}
	if !st.Exited || st.Code != 7 {
		t.Fatalf("expected exit code 7, got %s", st)
	}
}

func TestKillAndWaitSynthesisesGonePid(t *testing.T) {
	child := spawnShell(t, "exit 0")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := child.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	// The reaper goroutine already consumed the status, so the raw-pid
	// path has to fall back to liveness probing.
	st, err := KillAndWait(context.Background(), child.Pid(), unix.SIGTERM, testPolicy(), nil)
	if err != nil {
		t.Fatalf("KillAndWait: %v", err)
	}
	if st.Exited || st.Signalled {
		t.Fatalf("expected synthetic status for a gone pid, got %+v", st)
	}
	if st.Pid != child.Pid() {
		t.Fatalf("status pid = %d, want %d", st.Pid, child.Pid())
	}
}

func TestKillAndWaitCancelledContextStillReaps(t *testing.T) {
	ready := filepath.Join(t.TempDir(), "ready")
	child := spawnShell(t, "trap '' TERM; : > "+ready+"; while :; do sleep 0.05; done")
	waitForFile(t, ready)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	marker := &fakeMarker{}
	st, err := child.KillAndWait(ctx, unix.SIGTERM, testPolicy(), marker)
	if err != nil {
		t.Fatalf("KillAndWait under cancelled context: %v", err)
	}
	if !st.KilledBy(unix.SIGKILL) {
		t.Fatalf("expected immediate escalation, got %s", st)
	}
	if !marker.marked {
		t.Fatal("cancellation escalation did not mark force-killed")
	}
}

func TestKillAndWaitManyTwoPhase(t *testing.T) {
	dir := t.TempDir()

	// Two cooperative sleepers and one that ignores the stop signal; the
	// stubborn one must not stall its siblings' shutdown beyond the
	// escalation bound.
	cooperative1 := spawnShell(t, "sleep 30")
	cooperative2 := spawnShell(t, "sleep 30")
	ready := filepath.Join(dir, "ready")
	stubborn := spawnShell(t, "trap '' TERM; : > "+ready+"; while :; do sleep 0.05; done")
	waitForFile(t, ready)

	pids := []int{cooperative1.Pid(), cooperative2.Pid(), stubborn.Pid()}
	markers := map[int]ForceKillMarker{stubborn.Pid(): &fakeMarker{}}

	// Children spawned through Spawn carry a reaper goroutine, so the
	// raw-pid path sees ECHILD and leans on liveness probing throughout.
	statuses, err := KillAndWaitMany(context.Background(), pids, unix.SIGTERM, testPolicy(), markers)
	if err != nil {
		t.Fatalf("KillAndWaitMany: %v", err)
	}
	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}
	for _, pid := range pids {
		if Alive(pid) {
			t.Fatalf("pid %d survived KillAndWaitMany", pid)
		}
	}
}

func TestKillAndWaitManyReportsFailureExit(t *testing.T) {
	dir := t.TempDir()
	ready := filepath.Join(dir, "ready")

	// Exits with a failure code once asked to stop. Spawned raw so wait4
	// sees the real status.
	failing, err := spawnRaw("/bin/sh", "-c", "trap 'exit 3' TERM; : > "+ready+"; while :; do sleep 0.05; done")
	if err != nil {
		t.Fatalf("spawnRaw: %v", err)
	}
	waitForFile(t, ready)

	statuses, err := KillAndWaitMany(context.Background(), []int{failing}, unix.SIGTERM, testPolicy(), nil)
	if !errors.Is(err, ErrWorkerFailed) {
		t.Fatalf("expected ErrWorkerFailed, got %v", err)
	}
	if len(statuses) != 1 || !statuses[0].Failed() || statuses[0].Code != 3 {
		t.Fatalf("statuses = %+v", statuses)
	}
}

func TestAliveProbe(t *testing.T) {
	if !Alive(os.Getpid()) {
		t.Fatal("own pid reported dead")
	}

	child := spawnShell(t, "exit 0")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := child.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if Alive(child.Pid()) {
		t.Fatal("reaped pid reported alive")
	}
}
