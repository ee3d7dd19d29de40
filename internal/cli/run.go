package cli

import (
	stdcontext "context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/strainhq/strain/internal/config"
	"github.com/strainhq/strain/internal/engine"
	"github.com/strainhq/strain/internal/logmux"
	"github.com/strainhq/strain/internal/metrics"
	"github.com/strainhq/strain/internal/proc"
)

// newCoordinator is swapped by tests to inject a fake worker runtime.
var newCoordinator = engine.NewCoordinator

func newRunCmd(ctx *context) *cobra.Command {
	var (
		jsonOut     bool
		timeout     time.Duration
		metricsAddr string
		eventsPath  string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a stress plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := ctx.loadPlan()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("timeout") {
				plan.Run.Timeout = config.Duration{Duration: timeout}
			}
			if cmd.Flags().Changed("metrics-addr") {
				plan.Run.MetricsAddr = metricsAddr
			}

			log, err := ctx.buildLogger(plan)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			out := cmd.OutOrStdout()
			renderer := newProgressRenderer(out)

			var sink *json.Encoder
			if eventsPath != "" {
				if eventsPath == "-" {
					sink = json.NewEncoder(out)
				} else {
					f, err := os.Create(eventsPath)
					if err != nil {
						return fmt.Errorf("create events file: %w", err)
					}
					defer f.Close()
					sink = json.NewEncoder(f)
				}
			}

			// Worker stderr is relayed line by line with a worker tag, so
			// panic traces land attributed instead of interleaved raw.
			mux := logmux.New(cmd.ErrOrStderr(), 256)

			events := make(chan engine.Event, 64)
			coord, err := newCoordinator(engine.Options{
				Plan:      plan,
				Runtime:   engine.NewMuxedProcRuntime(mux),
				Workloads: workloadRegistry(),
				Log:       log,
				Events:    events,
				Progress:  renderer.Update,
			})
			if err != nil {
				mux.Close()
				return err
			}

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				for ev := range events {
					logEvent(log, ev)
					if sink != nil {
						encodeEvent(sink, cmd.ErrOrStderr(), ev)
					}
				}
			}()

			runCtx := cmd.Context()
			if plan.Run.MetricsAddr != "" {
				srv := metrics.NewServer(metrics.ServerConfig{
					Addr:   plan.Run.MetricsAddr,
					Status: func() any { return coord.Status() },
				})
				srvCtx, stopSrv := stdcontext.WithCancel(runCtx)
				defer stopSrv()
				go func() {
					if err := srv.Run(srvCtx); err != nil {
						log.Warn("metrics server", zap.Error(err))
					}
				}()
				log.Info("metrics listening", zap.String("addr", srv.Addr()))
			}

			rep, runErr := coord.Run(runCtx)
			// All workers are reaped once Run returns, so the relay
			// drains without blocking on a live pipe.
			mux.Close()
			wg.Wait()
			renderer.Finish()
			if runErr != nil {
				return runErr
			}

			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(rep); err != nil {
					return err
				}
			} else {
				printReport(out, rep)
			}

			code := rep.ExitCode()
			if code == proc.ExitOK && runCtx.Err() != nil {
				// The run wound down cleanly but an interrupt cut it
				// short of its planned end.
				code = proc.ExitSignalled
			}
			if code != proc.ExitOK {
				return &exitError{code: code}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit the final report as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Override the plan's run timeout")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics and live status on this address")
	cmd.Flags().StringVar(&eventsPath, "events", "", "Write lifecycle events as JSON lines to this file (- for stdout)")
	return cmd
}

func logEvent(log *zap.Logger, ev engine.Event) {
	fields := []zap.Field{
		zap.String("stressor", ev.Stressor),
		zap.Int("worker", ev.Worker),
		zap.String("reason", ev.Reason),
	}
	if ev.Pid > 0 {
		fields = append(fields, zap.Int("pid", ev.Pid))
	}
	if ev.Attempt > 0 {
		fields = append(fields, zap.Int("attempt", ev.Attempt))
	}
	if ev.Err != nil {
		fields = append(fields, zap.Error(ev.Err))
	}
	switch ev.Type {
	case engine.EventTypeFailed:
		log.Error(ev.Message, fields...)
	case engine.EventTypeCrashed, engine.EventTypeOOM, engine.EventTypeSkipped:
		log.Warn(ev.Message, fields...)
	case engine.EventTypeSpawned, engine.EventTypeStopped:
		log.Info(ev.Message, fields...)
	default:
		log.Debug(ev.Message, fields...)
	}
}

func printReport(w io.Writer, rep *engine.RunReport) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STRESSOR\tWORKLOAD\tWORKERS\tDONE\tSKIP\tFAIL\tOPS\tOPS/S\tRESTARTS\tOOM\tNOTE")
	var totalOps uint64
	for _, st := range rep.Stressors {
		note := "-"
		switch {
		case st.SkipReason != "":
			note = st.SkipReason
		case st.Untrusted > 0:
			note = fmt.Sprintf("%d untrusted", st.Untrusted)
		case st.ForceKilled > 0:
			note = fmt.Sprintf("%d force-killed", st.ForceKilled)
		}
		totalOps += st.Ops
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%.1f\t%d\t%d\t%s\n",
			st.Name, st.Workload, st.Workers, st.Completed, st.Skipped, st.Failed,
			st.Ops, st.OpsRate, st.Restarts, st.OOMKills, note)
	}
	tw.Flush()

	if rep.KernelErrors > 0 {
		fmt.Fprintf(w, "\nkernel errors observed: %d\n", rep.KernelErrors)
	}
	for _, failure := range rep.Failures {
		fmt.Fprintf(w, "failed: %s\n", failure)
	}

	verdict := "passed"
	if !rep.Success {
		verdict = "FAILED"
	}
	elapsed := time.Duration(rep.Duration * float64(time.Second)).Truncate(time.Millisecond)
	fmt.Fprintf(w, "\nrun %s %s in %s, %d ops\n", rep.Run, verdict, elapsed, totalOps)
}
