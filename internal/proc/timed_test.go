//go:build unix

package proc

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunIsolatedReturnsRealStatus(t *testing.T) {
	st, err := RunIsolated(context.Background(), SpawnSpec{
		Binary: "/bin/sh",
		Args:   []string{"-c", "exit 4"},
	}, 5*time.Second, testPolicy())
	if err != nil {
		t.Fatalf("RunIsolated: %v", err)
	}
	if !st.Exited || st.Code != 4 {
		t.Fatalf("expected exit code 4, got %s", st)
	}
}

func TestRunIsolatedTimesOut(t *testing.T) {
	start := time.Now()
	_, err := RunIsolated(context.Background(), SpawnSpec{
		Binary: "/bin/sleep",
		Args:   []string{"30"},
	}, 50*time.Millisecond, testPolicy())
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	// A timeout is not allowed to fail open into a 30 second wait.
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("timed-out operation held on for %v", elapsed)
	}
}

func TestRunIsolatedTimeoutIsDistinctFromFailure(t *testing.T) {
	// A failing-but-prompt operation must not look like a timeout.
	st, err := RunIsolated(context.Background(), SpawnSpec{
		Binary: "/bin/sh",
		Args:   []string{"-c", "exit 1"},
	}, 5*time.Second, testPolicy())
	if errors.Is(err, ErrTimedOut) {
		t.Fatal("prompt failure reported as timeout")
	}
	if err != nil {
		t.Fatalf("RunIsolated: %v", err)
	}
	if !st.Failed() {
		t.Fatalf("expected failure status, got %s", st)
	}
}

func TestRunIsolatedHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RunIsolated(ctx, SpawnSpec{
		Binary: "/bin/sleep",
		Args:   []string{"30"},
	}, 5*time.Second, testPolicy())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
