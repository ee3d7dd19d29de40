package engine

import (
	"fmt"
	"time"

	"github.com/strainhq/strain/internal/config"
	"github.com/strainhq/strain/internal/proc"
	"github.com/strainhq/strain/internal/shm"
)

// Run states reported through Status.
const (
	StatePending  = "pending"
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateFinished = "finished"
)

// RunStatus is a point-in-time view of a run for status displays.
type RunStatus struct {
	Run          string           `json:"run"`
	State        string           `json:"state"`
	StartedAt    time.Time        `json:"started_at"`
	Deadline     *time.Time       `json:"deadline,omitempty"`
	KernelErrors uint64           `json:"kernel_errors"`
	Stressors    []StressorStatus `json:"stressors"`
}

// StressorStatus is one stressor's row in the status view.
type StressorStatus struct {
	Name     string `json:"name"`
	Workload string `json:"workload"`
	Workers  int    `json:"workers"`
	Running  int    `json:"running"`
	Ops      uint64 `json:"ops"`
}

// RunReport is the final account of a run.
type RunReport struct {
	Run          string           `json:"run"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   time.Time        `json:"finished_at"`
	Duration     float64          `json:"duration_seconds"`
	Success      bool             `json:"success"`
	KernelErrors uint64           `json:"kernel_errors"`
	Stressors    []StressorReport `json:"stressors"`
	Failures     []string         `json:"failures,omitempty"`
}

// StressorReport aggregates one stressor's workers. Ops is the clean
// tally: counters from force-killed workers and from slots that failed
// the canary check are left out of it but still appear in OpsTotal.
type StressorReport struct {
	Name        string  `json:"name"`
	Workload    string  `json:"workload"`
	Workers     int     `json:"workers"`
	Completed   int     `json:"completed"`
	Skipped     int     `json:"skipped"`
	Failed      int     `json:"failed"`
	Restarts    int     `json:"restarts"`
	OOMKills    int     `json:"oom_kills"`
	ForceKilled int     `json:"force_killed"`
	Untrusted   int     `json:"untrusted"`
	Ops         uint64  `json:"ops"`
	OpsTotal    uint64  `json:"ops_total"`
	OpsRate     float64 `json:"ops_rate"`
	SkipReason  string  `json:"skip_reason,omitempty"`
}

func buildReport(plan *config.Plan, names []string, seg *shm.Segment, bindings []slotBinding, results []WorkerResult, startedAt, finishedAt time.Time) *RunReport {
	duration := finishedAt.Sub(startedAt)
	rep := &RunReport{
		Run:          plan.Run.Name,
		StartedAt:    startedAt,
		FinishedAt:   finishedAt,
		Duration:     duration.Seconds(),
		KernelErrors: seg.KernelErrors(),
	}

	byName := make(map[string]*StressorReport, len(names))
	for _, name := range names {
		st := plan.Stressors[name]
		byName[name] = &StressorReport{Name: name, Workload: st.Workload, Workers: st.Workers}
	}

	resultBySlot := make(map[int]WorkerResult, len(results))
	for _, res := range results {
		resultBySlot[res.Worker] = res
	}

	for _, b := range bindings {
		sr := byName[b.spec.Stressor]
		snap := b.slot.Snapshot()

		sr.OpsTotal += snap.Counter
		if !snap.Trusted {
			sr.Untrusted++
		}
		if snap.ForceKilled {
			sr.ForceKilled++
		}
		if snap.Trusted && !snap.ForceKilled {
			sr.Ops += snap.Counter
		}

		res := resultBySlot[b.spec.Slot]
		sr.Restarts += res.Restarts
		sr.OOMKills += res.OOMKills
		switch res.Outcome {
		case OutcomeSkipped:
			sr.Skipped++
			if sr.SkipReason == "" {
				sr.SkipReason = res.SkipReason
			}
		case OutcomeFailed:
			sr.Failed++
			if res.Err != nil {
				rep.Failures = append(rep.Failures, fmt.Sprintf("%s worker %d: %v", res.Stressor, res.Worker, res.Err))
			}
		default:
			sr.Completed++
		}
	}

	failed := 0
	secs := duration.Seconds()
	for _, name := range names {
		sr := byName[name]
		if secs > 0 {
			sr.OpsRate = float64(sr.Ops) / secs
		}
		failed += sr.Failed
		rep.Stressors = append(rep.Stressors, *sr)
	}

	kernelFail := rep.KernelErrors > 0
	if plan.Run.FailOnKernelErrors != nil && !*plan.Run.FailOnKernelErrors {
		kernelFail = false
	}
	rep.Success = failed == 0 && !kernelFail
	return rep
}

// ExitCode maps the report onto the same taxonomy workers report
// through their own exit status. A run where nothing could execute at
// all surfaces the skip, not a hollow success.
func (r *RunReport) ExitCode() int {
	if !r.Success {
		return proc.ExitFailure
	}

	workers, skipped, noResource := 0, 0, 0
	for _, sr := range r.Stressors {
		workers += sr.Workers
		skipped += sr.Skipped
		if sr.SkipReason == ReasonNoResource {
			noResource += sr.Skipped
		}
	}
	if workers > 0 && skipped == workers {
		if noResource > 0 {
			return proc.ExitNoResource
		}
		return proc.ExitNotImplemented
	}
	return proc.ExitOK
}
