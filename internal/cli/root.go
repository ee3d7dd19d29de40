package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/strainhq/strain/internal/config"
	"github.com/strainhq/strain/internal/logging"
	"github.com/strainhq/strain/internal/proc"
	"github.com/strainhq/strain/internal/watchdog"
	"github.com/strainhq/strain/internal/workload"
)

func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *context) {
	var planFile string
	logLevel := os.Getenv("STRAIN_LOG_LEVEL")
	logFormat := os.Getenv("STRAIN_LOG_FORMAT")

	root := &cobra.Command{
		Use:   "strain",
		Short: "Bounded stress-run harness",
	}

	root.PersistentFlags().
		StringVarP(&planFile, "file", "f", "plan.yaml", "Path to the plan file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", logLevel, "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", logFormat, "Log format for stderr (console, json)")

	ctx := &context{planFile: &planFile, logLevel: &logLevel, logFormat: &logFormat}
	root.AddCommand(newRunCmd(ctx))
	root.AddCommand(newPlanCmd(ctx))
	root.AddCommand(newWorkloadsCmd())
	root.AddCommand(newVersionCmd())
	root.AddCommand(newWorkerCmd())
	root.AddCommand(newProbeCmd())

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, ctx
}

// Execute runs the CLI entrypoint.
func Execute() {
	ctx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintln(os.Stderr, ee.err)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(proc.ExitFailure)
	}
}

type context struct {
	planFile  *string
	logLevel  *string
	logFormat *string
}

func (c *context) loadPlan() (*config.Plan, error) {
	return config.Load(*c.planFile)
}

// buildLogger merges the plan's log section with the level and format
// overrides carried on the command line or STRAIN_LOG_* env vars.
func (c *context) buildLogger(plan *config.Plan) (*zap.Logger, error) {
	var opts logging.Options
	if plan != nil && plan.Run.Log != nil {
		l := plan.Run.Log
		opts = logging.Options{
			Level:      l.Level,
			Format:     l.Format,
			File:       l.File,
			MaxSizeMB:  l.MaxFileSizeMB,
			MaxBackups: l.MaxBackups,
			MaxAgeDays: int(l.MaxFileAge.Duration / (24 * time.Hour)),
			Compress:   l.Compress,
		}
	}
	if *c.logLevel != "" {
		opts.Level = *c.logLevel
	}
	if *c.logFormat != "" {
		opts.Format = *c.logFormat
	}
	return logging.New(opts)
}

// workloadRegistry is the built-in set plus the kernel-log watcher,
// which runs as an ordinary worker under the name klog.
func workloadRegistry() workload.Registry {
	reg := workload.Default()
	reg["klog"] = watchdog.Run
	return reg
}

// exitError carries a process exit code through cobra. Execute prints
// the wrapped error, if any, and exits with the code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }
