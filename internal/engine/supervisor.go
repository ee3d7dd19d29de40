package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/strainhq/strain/internal/config"
	"github.com/strainhq/strain/internal/oom"
	"github.com/strainhq/strain/internal/proc"
	"github.com/strainhq/strain/internal/shm"
)

const (
	defaultBackoffMin    = time.Second
	defaultBackoffMax    = 30 * time.Second
	defaultBackoffFactor = 2.0
	workerStopTimeout    = 10 * time.Second
)

type restartPolicy struct {
	maxRetries int
	min        time.Duration
	max        time.Duration
	factor     float64
}

// deriveRestartPolicy fills the backoff envelope from the plan. Workers
// do not respawn after a crash unless the plan says so.
func deriveRestartPolicy(rp *config.RestartPolicy) restartPolicy {
	pol := restartPolicy{maxRetries: 0, min: defaultBackoffMin, max: defaultBackoffMax, factor: defaultBackoffFactor}
	if rp == nil {
		return pol
	}

	if rp.MaxRetries > 0 {
		pol.maxRetries = rp.MaxRetries
	}
	if b := rp.Backoff; b != nil {
		if b.Min.Duration > 0 {
			pol.min = b.Min.Duration
		}
		if b.Max.Duration > 0 {
			pol.max = b.Max.Duration
		}
		if b.Factor > 0 {
			pol.factor = b.Factor
		}
	}

	if pol.max < pol.min {
		pol.max = pol.min
	}
	if pol.factor <= 1 {
		pol.factor = defaultBackoffFactor
	}
	return pol
}

// WorkerOutcome says how one worker slot's story ended.
type WorkerOutcome int

const (
	// OutcomeCompleted covers clean exits, stop-path exits and
	// tolerated deaths such as an OOM kill without a respawn policy.
	OutcomeCompleted WorkerOutcome = iota
	// OutcomeSkipped marks a workload the environment cannot host.
	OutcomeSkipped
	// OutcomeFailed marks a declared failure or a crash with the
	// restart budget spent.
	OutcomeFailed
)

func (o WorkerOutcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	default:
		return "completed"
	}
}

// WorkerResult is the supervisor's verdict for one slot.
type WorkerResult struct {
	Stressor   string
	Worker     int
	Outcome    WorkerOutcome
	Restarts   int
	OOMKills   int
	SkipReason string
	Err        error
}

// supervisor owns one worker slot. It spawns the worker, watches the
// exit status and decides between restart, OOM respawn and giving up.
// Cancelling the context passed to Start initiates a graceful stop of
// the current worker.
type supervisor struct {
	spec    WorkerSpec
	runtime Runtime
	slot    *shm.Slot
	log     *zap.Logger
	events  chan<- Event

	policy       restartPolicy
	restartOnOOM bool
	stopPolicy   proc.ReapPolicy

	jitter func(time.Duration) time.Duration
	sleep  func(context.Context, time.Duration) error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// result is written by run before done closes; readers go through
	// Result, which waits on done.
	result   WorkerResult
	restarts int
	oomKills int
}

func newSupervisor(spec WorkerSpec, rt Runtime, slot *shm.Slot, st *config.StressorSpec, log *zap.Logger, events chan<- Event) *supervisor {
	sup := &supervisor{
		spec:    spec,
		runtime: rt,
		slot:    slot,
		log:     log,
		events:  events,
		done:    make(chan struct{}),
	}

	var rp *config.RestartPolicy
	if st != nil {
		rp = st.Restart
		sup.restartOnOOM = st.OOM != nil && st.OOM.RestartOnOOM
	}
	sup.policy = deriveRestartPolicy(rp)
	sup.stopPolicy = proc.DefaultReapPolicy()
	sup.jitter = defaultJitter
	sup.sleep = sleepWithContext

	return sup
}

func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	// Full jitter: random duration in [0, d].
	return time.Duration(rand.Float64() * float64(d))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *supervisor) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.run()
}

// Done is closed once the slot has a final verdict.
func (s *supervisor) Done() <-chan struct{} { return s.done }

// Result blocks until the supervisor finished, then returns its verdict.
func (s *supervisor) Result() WorkerResult {
	<-s.done
	return s.result
}

// Stop cancels the supervisor and waits for the verdict or ctx.
func (s *supervisor) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *supervisor) run() {
	defer close(s.done)

	attempt := 0
	backoffBase := s.policy.min
	spawnReason := ReasonInitialStart

	for {
		if s.ctx.Err() != nil {
			s.finish(OutcomeCompleted, "", nil)
			return
		}

		attempt++
		handle, err := s.runtime.Start(s.ctx, s.spec)
		if err != nil {
			if s.ctx.Err() != nil {
				s.finish(OutcomeCompleted, "", nil)
				return
			}
			s.event(0, EventTypeCrashed, "spawn failed", attempt, ReasonStartFailure, err)
			if !s.allowRestart() {
				s.event(0, EventTypeFailed, "worker failed", attempt, ReasonRetriesExhaust, err)
				s.finish(OutcomeFailed, "", err)
				return
			}
			s.restarts++
			spawnReason = ReasonRestart
			if err := s.sleepBackoff(&backoffBase); err != nil {
				s.finish(OutcomeCompleted, "", nil)
				return
			}
			continue
		}

		pid := handle.Pid()
		s.event(pid, EventTypeSpawned, "worker spawned", attempt, spawnReason, nil)

		st, werr, stopped := s.superviseWorker(handle)

		if stopped {
			s.finishStopped(st, pid, attempt)
			return
		}

		switch {
		case werr != nil:
			if !s.crashAndMaybeRetry(pid, attempt, &backoffBase, &spawnReason, ReasonWorkerCrash, werr) {
				return
			}

		case st.Success():
			s.event(pid, EventTypeStopped, "worker finished", attempt, "", nil)
			s.finish(OutcomeCompleted, "", nil)
			return

		case st.Exited && st.Code == proc.ExitNoResource:
			s.event(pid, EventTypeSkipped, "resource unavailable", attempt, ReasonNoResource, nil)
			s.finish(OutcomeSkipped, ReasonNoResource, nil)
			return

		case st.Exited && st.Code == proc.ExitNotImplemented:
			s.event(pid, EventTypeSkipped, "workload not implemented here", attempt, ReasonNotImplemented, nil)
			s.finish(OutcomeSkipped, ReasonNotImplemented, nil)
			return

		case st.Exited:
			err := fmt.Errorf("worker reported failure: %s", st)
			if !s.crashAndMaybeRetry(pid, attempt, &backoffBase, &spawnReason, ReasonWorkerFailure, err) {
				return
			}

		case oom.ClassifyExit(st, s.slot.ForceKilled()) == oom.CauseOOMKill:
			s.oomKills++
			if !s.restartOnOOM {
				s.event(pid, EventTypeOOM, "worker oom-killed", attempt, ReasonWorkerCrash, nil)
				s.finish(OutcomeCompleted, "", nil)
				return
			}
			s.event(pid, EventTypeOOM, "worker oom-killed, respawning", attempt, ReasonOOMRespawn, nil)
			spawnReason = ReasonOOMRespawn
			// OOM respawns do not draw on the crash budget. A short
			// jittered pause keeps a thrashing box breathing.
			if err := s.sleep(s.ctx, s.jitter(s.policy.min)); err != nil {
				s.finish(OutcomeCompleted, "", nil)
				return
			}

		default:
			err := fmt.Errorf("worker died: %s", st)
			if !s.crashAndMaybeRetry(pid, attempt, &backoffBase, &spawnReason, ReasonWorkerCrash, err) {
				return
			}
		}
	}
}

// superviseWorker waits out one worker attempt. The returned bool marks
// the stop path: the supervisor was cancelled and terminated the worker
// itself, escalation marking the slot if SIGTERM was not enough.
func (s *supervisor) superviseWorker(h Handle) (proc.ExitStatus, error, bool) {
	select {
	case <-h.Done():
		st, err := h.Wait(context.Background())
		return st, err, false
	case <-s.ctx.Done():
	}

	s.event(h.Pid(), EventTypeStopping, "stopping worker", 0, ReasonShutdown, nil)

	// The supervisor context is already dead; the stop gets its own
	// deadline so a wedged worker cannot hang shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), workerStopTimeout)
	defer cancel()
	st, err := h.Stop(ctx, s.stopPolicy, s.slot)
	if err != nil {
		s.log.Warn("worker stop incomplete",
			zap.String("stressor", s.spec.Stressor),
			zap.Int("worker", s.spec.Slot),
			zap.Error(err))
	}
	return st, nil, true
}

// finishStopped settles the verdict for a worker terminated on the stop
// path. A failure exit on the way out still counts against the run.
func (s *supervisor) finishStopped(st proc.ExitStatus, pid, attempt int) {
	switch {
	case st.Failed() && st.Code != proc.ExitNoResource && st.Code != proc.ExitNotImplemented:
		err := fmt.Errorf("worker failed during stop: %s", st)
		s.event(pid, EventTypeCrashed, "worker failed during stop", attempt, ReasonWorkerFailure, err)
		s.event(pid, EventTypeFailed, "worker failed", attempt, ReasonWorkerFailure, err)
		s.finish(OutcomeFailed, "", err)
	case s.slot.ForceKilled():
		s.event(pid, EventTypeStopped, "worker force-killed", attempt, ReasonForceKill, nil)
		s.finish(OutcomeCompleted, "", nil)
	default:
		s.event(pid, EventTypeStopped, "worker stopped", attempt, ReasonShutdown, nil)
		s.finish(OutcomeCompleted, "", nil)
	}
}

// crashAndMaybeRetry burns one unit of restart budget. It reports false
// when the supervisor is finished, either out of budget or cancelled
// mid-backoff.
func (s *supervisor) crashAndMaybeRetry(pid, attempt int, backoffBase *time.Duration, spawnReason *string, reason string, err error) bool {
	s.event(pid, EventTypeCrashed, "worker crashed", attempt, reason, err)
	if !s.allowRestart() {
		s.event(pid, EventTypeFailed, "worker failed", attempt, ReasonRetriesExhaust, err)
		s.finish(OutcomeFailed, "", err)
		return false
	}
	s.restarts++
	*spawnReason = ReasonRestart
	if serr := s.sleepBackoff(backoffBase); serr != nil {
		// Cancelled before the retry could happen; the crash stayed
		// within budget, so the slot is not failed.
		s.finish(OutcomeCompleted, "", nil)
		return false
	}
	return true
}

func (s *supervisor) allowRestart() bool {
	return s.restarts < s.policy.maxRetries
}

func (s *supervisor) sleepBackoff(base *time.Duration) error {
	delay := *base
	if delay <= 0 {
		delay = s.policy.min
	}
	if delay > s.policy.max {
		delay = s.policy.max
	}

	jittered := s.jitter(delay)
	if jittered > s.policy.max {
		jittered = s.policy.max
	}
	if jittered < 0 {
		jittered = 0
	}

	if err := s.sleep(s.ctx, jittered); err != nil {
		return err
	}

	next := float64(delay) * s.policy.factor
	if math.IsInf(next, 0) || next > float64(s.policy.max) {
		*base = s.policy.max
		return nil
	}
	n := time.Duration(next)
	if n < s.policy.min {
		n = s.policy.min
	}
	if n > s.policy.max {
		n = s.policy.max
	}
	*base = n
	return nil
}

func (s *supervisor) event(pid int, t EventType, message string, attempt int, reason string, err error) {
	sendEvent(s.events, s.spec.Stressor, s.spec.Slot, pid, t, message, attempt, reason, err)
}

func (s *supervisor) finish(outcome WorkerOutcome, skipReason string, err error) {
	s.result = WorkerResult{
		Stressor:   s.spec.Stressor,
		Worker:     s.spec.Slot,
		Outcome:    outcome,
		Restarts:   s.restarts,
		OOMKills:   s.oomKills,
		SkipReason: skipReason,
		Err:        err,
	}
}
