//go:build unix

package workload

import (
	"context"
	"path/filepath"
	"testing"
)

func TestFlockHonoursBudget(t *testing.T) {
	_, h := newHandle(t, 3)
	h.Params.Path = filepath.Join(t.TempDir(), "lock")
	if err := runFlock(context.Background(), h); err != nil {
		t.Fatalf("runFlock: %v", err)
	}
	if got := h.Slot.Value(); got != 3 {
		t.Fatalf("counter = %d, want 3", got)
	}
}

func TestFlockBadPathIsNoResource(t *testing.T) {
	_, h := newHandle(t, 1)
	h.Params.Path = filepath.Join(t.TempDir(), "missing", "deep", "lock")
	err := runFlock(context.Background(), h)
	if err == nil {
		t.Fatal("runFlock succeeded with an uncreatable lock file")
	}
}
