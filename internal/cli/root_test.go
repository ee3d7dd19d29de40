package cli

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/strainhq/strain/internal/config"
	"github.com/strainhq/strain/internal/proc"
)

func testContext(level, format string) *context {
	planFile := "plan.yaml"
	return &context{planFile: &planFile, logLevel: &level, logFormat: &format}
}

func TestBuildLoggerFlagOverridesPlan(t *testing.T) {
	plan := &config.Plan{}
	plan.Run.Log = &config.LogSpec{Level: "error"}

	log, err := testContext("debug", "").buildLogger(plan)
	if err != nil {
		t.Fatalf("buildLogger: %v", err)
	}
	defer log.Sync()
	if !log.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("flag level should override the plan's")
	}
}

func TestBuildLoggerUsesPlanLevel(t *testing.T) {
	plan := &config.Plan{}
	plan.Run.Log = &config.LogSpec{Level: "warn"}

	log, err := testContext("", "").buildLogger(plan)
	if err != nil {
		t.Fatalf("buildLogger: %v", err)
	}
	defer log.Sync()
	if log.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("plan level warn should suppress info")
	}
	if !log.Core().Enabled(zapcore.WarnLevel) {
		t.Fatal("plan level warn should pass warn")
	}
}

func TestBuildLoggerRejectsBadLevel(t *testing.T) {
	_, err := testContext("verbose", "").buildLogger(nil)
	if err == nil || !strings.Contains(err.Error(), "log level") {
		t.Fatalf("expected log level error, got %v", err)
	}
}

func TestBuildLoggerRejectsBadFormat(t *testing.T) {
	_, err := testContext("", "xml").buildLogger(nil)
	if err == nil || !strings.Contains(err.Error(), "log format") {
		t.Fatalf("expected log format error, got %v", err)
	}
}

func TestRootCommandEnvDefaults(t *testing.T) {
	t.Setenv("STRAIN_LOG_LEVEL", "debug")
	t.Setenv("STRAIN_LOG_FORMAT", "json")

	_, ctx := newRootCommand()
	if *ctx.logLevel != "debug" || *ctx.logFormat != "json" {
		t.Fatalf("env defaults not picked up: level=%q format=%q", *ctx.logLevel, *ctx.logFormat)
	}
}

func TestWorkloadRegistryIncludesWatchdog(t *testing.T) {
	reg := workloadRegistry()
	if _, ok := reg.Lookup("klog"); !ok {
		t.Fatal("klog missing from the registry")
	}
	for _, name := range []string{"cpu", "vm", "sleep", "lock", "flock", "probeopen"} {
		if _, ok := reg.Lookup(name); !ok {
			t.Fatalf("built-in %q missing from the registry", name)
		}
	}
}

func TestExitError(t *testing.T) {
	cause := errors.New("no such plan")
	ee := &exitError{code: proc.ExitNoResource, err: cause}
	if ee.Error() != "no such plan" {
		t.Fatalf("Error() = %q", ee.Error())
	}
	if !errors.Is(ee, cause) {
		t.Fatal("exitError should unwrap to its cause")
	}

	bare := &exitError{code: proc.ExitNotImplemented}
	if want := fmt.Sprintf("exit status %d", proc.ExitNotImplemented); bare.Error() != want {
		t.Fatalf("Error() = %q, want %q", bare.Error(), want)
	}

	var target *exitError
	if !errors.As(fmt.Errorf("wrapped: %w", ee), &target) || target.code != proc.ExitNoResource {
		t.Fatal("errors.As should find the exitError through wrapping")
	}
}
