package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New(Options{Level: "chatty"}); err == nil {
		t.Fatal("New accepted an unknown level")
	}
}

func TestNewRejectsBadFormat(t *testing.T) {
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatal("New accepted an unknown format")
	}
}

func TestFileSinkReceivesRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strain.log")
	log, err := New(Options{Level: "debug", File: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("run started")
	log.Debug("worker spawned")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sink: %v", err)
	}
	for _, want := range []string{"run started", "worker spawned"} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("sink missing %q:\n%s", want, data)
		}
	}
}

func TestLevelFiltersFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strain.log")
	log, err := New(Options{Level: "warn", File: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("suppressed")
	log.Warn("kept")
	_ = log.Sync()

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "suppressed") {
		t.Fatal("info record leaked past warn level")
	}
	if !strings.Contains(string(data), "kept") {
		t.Fatalf("warn record missing:\n%s", data)
	}
}
