package cli

import (
	stdcontext "context"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/strainhq/strain/internal/logging"
	"github.com/strainhq/strain/internal/oom"
	"github.com/strainhq/strain/internal/proc"
	"github.com/strainhq/strain/internal/sched"
	"github.com/strainhq/strain/internal/shm"
	"github.com/strainhq/strain/internal/workload"
)

// workerConfig is everything one worker process needs, parsed from the
// flag set the supervisor's runtime builds.
type workerConfig struct {
	Segment  string
	Slot     int
	Stressor string
	Workload string
	Params   workload.Params
	OOM      oom.Policy
	Sched    sched.Request
}

func newWorkerCmd() *cobra.Command {
	var (
		cfg          workerConfig
		probeTimeout time.Duration
		oomPolicy    string
		schedClass   string
		priority     int
		runtimeNS    time.Duration
		deadlineNS   time.Duration
		periodNS     time.Duration
	)

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run one worker slot (spawned by the harness)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pol, err := oom.ParsePolicy(oomPolicy)
			if err != nil {
				return err
			}
			cfg.OOM = pol

			class, err := sched.ParseClass(schedClass)
			if err != nil {
				return err
			}
			cfg.Sched.Class = class
			if cmd.Flags().Changed("sched-priority") {
				cfg.Sched.Priority = &priority
			}
			cfg.Sched.RuntimeNS = uint64(runtimeNS.Nanoseconds())
			cfg.Sched.DeadlineNS = uint64(deadlineNS.Nanoseconds())
			cfg.Sched.PeriodNS = uint64(periodNS.Nanoseconds())
			cfg.Params.ProbeTimeout = probeTimeout

			return runWorker(cmd.Context(), cfg, workloadRegistry())
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Segment, "segment", "", "Shared segment path")
	f.IntVar(&cfg.Slot, "slot", 0, "Slot index inside the segment")
	f.StringVar(&cfg.Stressor, "stressor", "", "Stressor name, for logging")
	f.StringVar(&cfg.Workload, "workload", "", "Workload to run")
	f.Int64Var(&cfg.Params.Bytes, "bytes", 0, "Byte quantity for sized workloads")
	f.StringVar(&cfg.Params.Path, "path", "", "Path for file-backed workloads")
	f.BoolVar(&cfg.Params.Locked, "locked", false, "Route counter updates through the shared lock")
	f.DurationVar(&probeTimeout, "probe-timeout", 0, "Deadline for one isolated probe operation")
	f.StringVar(&oomPolicy, "oom", "", "OOM policy (inherit, killable, protected)")
	f.StringVar(&schedClass, "sched-class", "", "Scheduling class")
	f.IntVar(&priority, "sched-priority", 0, "Real-time priority")
	f.BoolVar(&cfg.Sched.Aggressive, "sched-aggressive", false, "Default the priority to the class maximum")
	f.DurationVar(&runtimeNS, "sched-runtime", 0, "Deadline class runtime")
	f.DurationVar(&deadlineNS, "sched-deadline", 0, "Deadline class deadline")
	f.DurationVar(&periodNS, "sched-period", 0, "Deadline class period")
	f.BoolVar(&cfg.Sched.Quiet, "sched-quiet", false, "Suppress scheduling failure logs")
	_ = cmd.MarkFlagRequired("segment")
	_ = cmd.MarkFlagRequired("workload")
	return cmd
}

// runWorker is the whole life of a worker process: attach to the
// segment, rank with the OOM killer, bind scheduling, report in, hold
// at the start gate, then hand control to the workload until the slot
// says stop. The exit code is the supervisor's verdict input, so the
// mapping here must stay in step with how exits are classified.
func runWorker(ctx stdcontext.Context, cfg workerConfig, reg workload.Registry) error {
	log, err := logging.New(logging.Options{
		Level:  os.Getenv("STRAIN_LOG_LEVEL"),
		Format: os.Getenv("STRAIN_LOG_FORMAT"),
	})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("stressor", cfg.Stressor), zap.Int("worker", cfg.Slot))

	fn, ok := reg.Lookup(cfg.Workload)
	if !ok {
		log.Warn("unknown workload", zap.String("workload", cfg.Workload))
		return &exitError{code: proc.ExitNotImplemented}
	}

	seg, err := shm.Open(cfg.Segment)
	if err != nil {
		log.Error("attach segment", zap.Error(err))
		return &exitError{code: proc.ExitFailure, err: err}
	}
	defer seg.Close()

	slot, err := seg.Slot(cfg.Slot)
	if err != nil {
		log.Error("resolve slot", zap.Error(err))
		return &exitError{code: proc.ExitFailure, err: err}
	}

	// Tuning is best effort: an unwritable OOM knob or an unsupported
	// scheduling class degrades, the stress still runs. Both helpers log
	// their own failures.
	oom.New(log).Apply(cfg.OOM)
	_ = sched.New(log).Apply(0, cfg.Sched)

	slot.MarkStarted(os.Getpid())
	if err := seg.AwaitStart(ctx); err != nil {
		// Told to stop while holding at the gate.
		slot.SetRunOK(true)
		return nil
	}

	h := &workload.Handle{Seg: seg, Slot: slot, Params: cfg.Params, Log: log}
	switch err := fn(ctx, h); {
	case err == nil,
		errors.Is(err, stdcontext.Canceled),
		errors.Is(err, stdcontext.DeadlineExceeded):
		slot.SetRunOK(true)
		return nil
	case errors.Is(err, workload.ErrNoResource):
		log.Warn("resource unavailable", zap.Error(err))
		return &exitError{code: proc.ExitNoResource}
	case errors.Is(err, workload.ErrNotImplemented):
		log.Warn("workload not implemented", zap.Error(err))
		return &exitError{code: proc.ExitNotImplemented}
	default:
		log.Error("workload failed", zap.Error(err))
		return &exitError{code: proc.ExitFailure, err: err}
	}
}
