package watchdog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/strainhq/strain/internal/shm"
	"github.com/strainhq/strain/internal/workload"
)

func newHandle(t *testing.T) (*shm.Segment, *workload.Handle) {
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
	return seg, &workload.Handle{Seg: seg, Slot: slot, Log: zaptest.NewLogger(t)}
}

func TestSeverity(t *testing.T) {
	tests := []struct {
		rec string
		sev int
		ok  bool
	}{
		{"3,1234,5678,-;oops", 3, true},
		{"6,1,2,-;plain info", 6, true},
		{"30,1,2,-;daemon err is severity 6", 6, true},
		{"11,1,2,-;facility 1 severity 3", 3, true},
		{" continuation line", 0, false},
		{"", 0, false},
		{"nonsense", 0, false},
	}
	for _, tt := range tests {
		sev, ok := severity([]byte(tt.rec))
		if ok != tt.ok || (ok && sev != tt.sev) {
			t.Fatalf("severity(%q) = %d, %v; want %d, %v", tt.rec, sev, ok, tt.sev, tt.ok)
		}
	}
}

func TestRunTalliesErrorRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kmsg")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	seg, h := newHandle(t)
	h.Params.Path = path

	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), h)
	}()

	// Give the tailer a moment to seek to the end, then feed it a mix
	// of severities.
	time.Sleep(50 * time.Millisecond)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	records := "6,1,100,-;benign\n" +
		"3,2,200,-;I/O error on device\n" +
		"2,3,300,-;critical fault\n" +
		"7,4,400,-;debug chatter\n"
	if _, err := f.WriteString(records); err != nil {
		t.Fatal(err)
	}
	f.Close()

	deadline := time.Now().Add(5 * time.Second)
	for seg.KernelErrors() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := seg.KernelErrors(); got != 2 {
		t.Fatalf("kernel error tally = %d, want 2", got)
	}

	seg.RequestStop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog did not stop")
	}

	// Every parsed record counts as one scanned op.
	if got := h.Slot.Value(); got != 4 {
		t.Fatalf("scanned records = %d, want 4", got)
	}
}

func TestRunMissingSourceIsNoResource(t *testing.T) {
	_, h := newHandle(t)
	h.Params.Path = filepath.Join(t.TempDir(), "absent")
	err := Run(context.Background(), h)
	if !errors.Is(err, workload.ErrNoResource) {
		t.Fatalf("Run error = %v, want ErrNoResource", err)
	}
}
