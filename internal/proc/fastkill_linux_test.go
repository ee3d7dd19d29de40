package proc

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestFastKillTerminatesChild(t *testing.T) {
	pid, err := spawnRaw("/bin/sleep", "30")
	if err != nil {
		t.Fatalf("spawnRaw: %v", err)
	}

	if err := FastKill(pid); err != nil {
		t.Fatalf("FastKill: %v", err)
	}

	st, err := KillAndWait(context.Background(), pid, unix.SIGTERM, testPolicy(), nil)
	if err != nil {
		t.Fatalf("reap after FastKill: %v", err)
	}
	if !st.KilledBy(unix.SIGKILL) {
		t.Fatalf("expected SIGKILL status, got %s", st)
	}
}

func TestFastKillProtectedPid(t *testing.T) {
	if err := FastKill(1); err != nil {
		t.Fatalf("FastKill(1) = %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if !Alive(1) {
		t.Fatal("init is gone; the guard failed catastrophically")
	}
}

func TestFastKillGonePid(t *testing.T) {
	pid, err := spawnRaw("/bin/sh", "-c", "exit 0")
	if err != nil {
		t.Fatalf("spawnRaw: %v", err)
	}
	if _, err := KillAndWait(context.Background(), pid, unix.SIGTERM, testPolicy(), nil); err != nil {
		t.Fatalf("KillAndWait: %v", err)
	}

	// Already reaped: FastKill must tolerate the stale pid.
	if err := FastKill(pid); err != nil {
		t.Fatalf("FastKill on a gone pid: %v", err)
	}
}
