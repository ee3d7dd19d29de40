package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/strainhq/strain/internal/config"
	"github.com/strainhq/strain/internal/metrics"
	"github.com/strainhq/strain/internal/proc"
	"github.com/strainhq/strain/internal/shm"
	"github.com/strainhq/strain/internal/workload"
)

const (
	defaultBarrierGrace = 5 * time.Second
	defaultStopGrace    = 2 * time.Second
	defaultPollInterval = time.Second
)

// Options configures a run.
type Options struct {
	Plan *config.Plan

	// Runtime launches workers; nil selects the process runtime.
	Runtime Runtime

	// Workloads is the registry worker names are checked against before
	// anything is spawned; nil selects the default registry.
	Workloads workload.Registry

	Log *zap.Logger

	// Events receives a copy of every lifecycle event. The coordinator
	// closes it when the run is over.
	Events chan<- Event

	// SegmentDir overrides where the shared segment file is created.
	SegmentDir string

	// BarrierGrace bounds how long the start gate stays shut waiting
	// for slow workers to attach.
	BarrierGrace time.Duration

	// StopGrace is how long workers get to honour the shared stop flag
	// before their supervisors start signalling.
	StopGrace time.Duration

	// PollInterval paces progress observation.
	PollInterval time.Duration

	// Progress, when set, receives the refreshed status every poll.
	Progress func(RunStatus)
}

// Coordinator drives one full run: it creates the shared segment, hands
// every worker slot to a supervisor, opens the start gate once workers
// report in, and settles the final tally. A Coordinator runs once.
type Coordinator struct {
	plan      *config.Plan
	runtime   Runtime
	workloads workload.Registry
	log       *zap.Logger
	observer  chan<- Event

	segDir       string
	barrierGrace time.Duration
	stopGrace    time.Duration
	pollInterval time.Duration
	progress     func(RunStatus)

	names []string

	mu      sync.Mutex
	running map[string]int
	status  RunStatus
}

// NewCoordinator validates the plan against the workload registry and
// prepares a run.
func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Plan == nil {
		return nil, errors.New("engine: plan is required")
	}
	c := &Coordinator{
		plan:         opts.Plan,
		runtime:      opts.Runtime,
		workloads:    opts.Workloads,
		log:          opts.Log,
		observer:     opts.Events,
		segDir:       opts.SegmentDir,
		barrierGrace: opts.BarrierGrace,
		stopGrace:    opts.StopGrace,
		pollInterval: opts.PollInterval,
		progress:     opts.Progress,
		running:      make(map[string]int),
	}
	if c.runtime == nil {
		c.runtime = NewProcRuntime()
	}
	if c.workloads == nil {
		c.workloads = workload.Default()
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.segDir == "" {
		c.segDir = opts.Plan.Run.SegmentDir
	}
	if c.segDir == "" {
		c.segDir = shm.DefaultDir()
	}
	if c.barrierGrace <= 0 {
		c.barrierGrace = defaultBarrierGrace
	}
	if c.stopGrace <= 0 {
		c.stopGrace = defaultStopGrace
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}

	c.names = opts.Plan.StressorsSorted()
	for _, name := range c.names {
		st := opts.Plan.Stressors[name]
		if _, ok := c.workloads.Lookup(st.Workload); !ok {
			return nil, fmt.Errorf("stressor %s: unknown workload %q", name, st.Workload)
		}
	}

	c.status = RunStatus{Run: opts.Plan.Run.Name, State: StatePending}
	return c, nil
}

// slotBinding ties one worker slot to its launch spec.
type slotBinding struct {
	spec WorkerSpec
	st   *config.StressorSpec
	slot *shm.Slot
}

// Run executes the plan and blocks until every worker slot has a
// verdict. The returned error covers setup failures only; workers that
// fail are reported through the RunReport. The Events channel is closed
// either way.
func (c *Coordinator) Run(ctx context.Context) (*RunReport, error) {
	rep, err := c.run(ctx)
	if err != nil && c.observer != nil {
		// Setup failed before the event pipeline existed; the happy
		// path closes the channel from consumeEvents.
		close(c.observer)
	}
	return rep, err
}

func (c *Coordinator) run(ctx context.Context) (*RunReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	plan := c.plan

	total := 0
	for _, name := range c.names {
		total += plan.Stressors[name].Workers
	}
	if total == 0 {
		return nil, errors.New("engine: plan has no workers")
	}

	segPath := filepath.Join(c.segDir, segmentName(plan.Run.Name))
	seg, err := shm.Create(segPath, total)
	if err != nil {
		return nil, fmt.Errorf("create segment %s: %w", segPath, err)
	}
	defer func() {
		if cerr := seg.Close(); cerr != nil {
			c.log.Warn("close segment", zap.Error(cerr))
		}
		if rerr := os.Remove(segPath); rerr != nil && !os.IsNotExist(rerr) {
			c.log.Warn("remove segment", zap.Error(rerr))
		}
	}()

	bindings, err := c.bindSlots(seg, segPath)
	if err != nil {
		return nil, err
	}

	c.log.Info("run starting",
		zap.String("run", plan.Run.Name),
		zap.Int("stressors", len(c.names)),
		zap.Int("workers", total),
		zap.String("segment", segPath))

	events := make(chan Event, 256)
	var evWG sync.WaitGroup
	evWG.Add(1)
	go func() {
		defer evWG.Done()
		c.consumeEvents(events)
	}()

	// Supervisors get their own cancellation root. The caller's ctx
	// triggers the graceful flow below, not an immediate kill.
	supCtx, cancelSups := context.WithCancel(context.Background())
	defer cancelSups()

	sups := make([]*supervisor, 0, len(bindings))
	for _, b := range bindings {
		sups = append(sups, newSupervisor(b.spec, c.runtime, b.slot, b.st, c.log, events))
	}

	startedAt := time.Now()
	var deadline time.Time
	if plan.Run.Timeout.Duration > 0 {
		deadline = startedAt.Add(plan.Run.Timeout.Duration)
	}
	c.beginStatus(startedAt, deadline)

	for _, sup := range sups {
		sup.Start(supCtx)
	}

	allDone := make(chan struct{})
	go func() {
		for _, sup := range sups {
			<-sup.Done()
		}
		close(allDone)
	}()

	if started, berr := seg.AwaitWorkers(ctx, total, c.barrierGrace); berr != nil {
		c.log.Warn("start barrier incomplete",
			zap.Int("started", started),
			zap.Int("want", total),
			zap.Error(berr))
	}
	seg.ReleaseStart()
	c.setState(StateRunning)

	runCtx := ctx
	if !deadline.IsZero() {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(ctx, deadline)
		defer cancelDeadline()
	}
	go c.stopWhenDone(runCtx, seg, allDone, cancelSups)

	c.pollProgress(seg, bindings, allDone)

	<-allDone
	cancelSups()
	c.sweepStrays(seg)

	close(events)
	evWG.Wait()

	results := make([]WorkerResult, 0, len(sups))
	for _, sup := range sups {
		results = append(results, sup.Result())
	}

	rep := buildReport(plan, c.names, seg, bindings, results, startedAt, time.Now())
	c.finishStatus(rep)
	c.log.Info("run finished",
		zap.Bool("success", rep.Success),
		zap.Float64("duration_s", rep.Duration),
		zap.Uint64("kernel_errors", rep.KernelErrors))
	return rep, nil
}

// bindSlots lays the stressors out over the segment in name order and
// writes each slot's op budget before anything can spawn.
func (c *Coordinator) bindSlots(seg *shm.Segment, segPath string) ([]slotBinding, error) {
	bindings := make([]slotBinding, 0, seg.Slots())
	idx := 0
	for _, name := range c.names {
		st := c.plan.Stressors[name]
		bytes, err := st.ResolveBytes()
		if err != nil {
			return nil, fmt.Errorf("stressor %s: resolve bytes: %w", name, err)
		}
		req, err := st.Sched.Request()
		if err != nil {
			return nil, fmt.Errorf("stressor %s: %w", name, err)
		}
		for w := 0; w < st.Workers; w++ {
			slot, err := seg.Slot(idx)
			if err != nil {
				return nil, err
			}
			slot.SetMaxOps(st.MaxOps)
			bindings = append(bindings, slotBinding{
				spec: WorkerSpec{
					Stressor:     name,
					Workload:     st.Workload,
					SegmentPath:  segPath,
					Slot:         idx,
					Bytes:        bytes,
					Path:         st.Path,
					Locked:       st.Locked,
					ProbeTimeout: st.ProbeTimeout.Duration,
					OOMPolicy:    st.OOM.ParsedPolicy(),
					Sched:        req,
				},
				st:   st,
				slot: slot,
			})
			idx++
		}
	}
	return bindings, nil
}

// stopWhenDone waits for the deadline or the caller's cancellation,
// flips the shared stop flag and, once the grace runs out, cancels the
// supervisors so they signal whatever is still alive.
func (c *Coordinator) stopWhenDone(runCtx context.Context, seg *shm.Segment, done <-chan struct{}, cancelSups context.CancelFunc) {
	select {
	case <-done:
		return
	case <-runCtx.Done():
	}

	cause := "cancelled"
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		cause = "deadline"
	}
	c.setState(StateStopping)
	c.log.Info("requesting stop", zap.String("cause", cause), zap.Duration("grace", c.stopGrace))
	seg.RequestStop()

	select {
	case <-done:
	case <-time.After(c.stopGrace):
		c.log.Warn("stop grace expired, terminating workers")
		cancelSups()
	}
}

// pollProgress observes slot counters until every supervisor finished,
// feeding the metrics counters and the status view.
func (c *Coordinator) pollProgress(seg *shm.Segment, bindings []slotBinding, done <-chan struct{}) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	lastOps := make(map[string]uint64, len(c.names))
	var lastKernel uint64
	for {
		select {
		case <-done:
			c.observeProgress(seg, bindings, lastOps, &lastKernel)
			return
		case <-ticker.C:
			c.observeProgress(seg, bindings, lastOps, &lastKernel)
		}
	}
}

func (c *Coordinator) observeProgress(seg *shm.Segment, bindings []slotBinding, lastOps map[string]uint64, lastKernel *uint64) {
	totals := make(map[string]uint64, len(c.names))
	for _, b := range bindings {
		totals[b.spec.Stressor] += b.slot.Value()
	}
	for name, ops := range totals {
		if d := ops - lastOps[name]; d > 0 {
			metrics.AddBogoOps(name, d)
		}
		lastOps[name] = ops
	}
	kernel := seg.KernelErrors()
	if kernel > *lastKernel {
		metrics.AddKernelErrors(kernel - *lastKernel)
		*lastKernel = kernel
	}

	status := c.refreshStatus(totals, kernel)
	if c.progress != nil {
		c.progress(status)
	}
}

// sweepStrays force-reaps any pid still alive in the segment after the
// supervisors settled. The whole set is signalled before the first reap
// so stragglers wind down in parallel.
func (c *Coordinator) sweepStrays(seg *shm.Segment) {
	var pids []int
	markers := make(map[int]proc.ForceKillMarker)
	for i := 0; i < seg.Slots(); i++ {
		slot, err := seg.Slot(i)
		if err != nil {
			continue
		}
		pid := slot.Pid()
		if pid <= 0 || !proc.Alive(pid) {
			continue
		}
		pids = append(pids, pid)
		markers[pid] = slot
	}
	if len(pids) == 0 {
		return
	}

	c.log.Warn("reaping stray workers", zap.Ints("pids", pids))
	ctx, cancel := context.WithTimeout(context.Background(), workerStopTimeout)
	defer cancel()
	if _, err := proc.KillAndWaitMany(ctx, pids, unix.SIGKILL, proc.DefaultReapPolicy(), markers); err != nil {
		c.log.Warn("stray reap incomplete", zap.Error(err))
	}
}

func (c *Coordinator) consumeEvents(events <-chan Event) {
	spawned := make(map[int]time.Time)
	for ev := range events {
		c.applyMetrics(ev, spawned)
		if c.observer != nil {
			c.observer <- ev
		}
	}
	if c.observer != nil {
		close(c.observer)
	}
}

// applyMetrics keeps the gauges honest: every Spawned is paired with
// exactly one terminal event for the same slot, so increments and
// decrements cannot drift apart.
func (c *Coordinator) applyMetrics(ev Event, spawned map[int]time.Time) {
	switch ev.Type {
	case EventTypeSpawned:
		spawned[ev.Worker] = ev.Timestamp
		c.adjustRunning(ev.Stressor, 1)
		if ev.Reason == ReasonRestart || ev.Reason == ReasonOOMRespawn {
			metrics.IncWorkerRestart(ev.Stressor)
		}
	case EventTypeOOM:
		metrics.IncOOMKill(ev.Stressor)
		c.observeExit(ev, spawned)
	case EventTypeStopped:
		if ev.Reason == ReasonForceKill {
			metrics.IncForceKill(ev.Stressor)
		}
		c.observeExit(ev, spawned)
	case EventTypeSkipped, EventTypeCrashed:
		c.observeExit(ev, spawned)
	}
}

func (c *Coordinator) observeExit(ev Event, spawned map[int]time.Time) {
	t0, ok := spawned[ev.Worker]
	if !ok {
		// A crash without a spawn is a start failure; nothing ran.
		return
	}
	delete(spawned, ev.Worker)
	c.adjustRunning(ev.Stressor, -1)
	metrics.ObserveWorkerLifetime(ev.Stressor, ev.Timestamp.Sub(t0))
}

func (c *Coordinator) adjustRunning(stressor string, delta int) {
	c.mu.Lock()
	n := c.running[stressor] + delta
	if n < 0 {
		n = 0
	}
	c.running[stressor] = n
	c.mu.Unlock()
	metrics.SetWorkersRunning(stressor, n)
}

func (c *Coordinator) beginStatus(startedAt, deadline time.Time) {
	rows := make([]StressorStatus, 0, len(c.names))
	for _, name := range c.names {
		st := c.plan.Stressors[name]
		rows = append(rows, StressorStatus{Name: name, Workload: st.Workload, Workers: st.Workers})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.State = StateStarting
	c.status.StartedAt = startedAt
	if !deadline.IsZero() {
		d := deadline
		c.status.Deadline = &d
	}
	c.status.Stressors = rows
}

func (c *Coordinator) refreshStatus(totals map[string]uint64, kernel uint64) RunStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows := make([]StressorStatus, len(c.status.Stressors))
	copy(rows, c.status.Stressors)
	for i := range rows {
		rows[i].Running = c.running[rows[i].Name]
		rows[i].Ops = totals[rows[i].Name]
	}
	c.status.Stressors = rows
	c.status.KernelErrors = kernel
	return c.status
}

func (c *Coordinator) setState(state string) {
	c.mu.Lock()
	c.status.State = state
	c.mu.Unlock()
}

func (c *Coordinator) finishStatus(rep *RunReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.State = StateFinished
	c.status.KernelErrors = rep.KernelErrors
	for i := range c.status.Stressors {
		c.status.Stressors[i].Running = 0
	}
}

// Status returns the latest point-in-time view of the run. Safe to call
// from other goroutines while Run is in flight.
func (c *Coordinator) Status() RunStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.status
	st.Stressors = append([]StressorStatus(nil), c.status.Stressors...)
	return st
}

// segmentName builds a collision-free file name for the run's segment.
func segmentName(run string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, run)
	return fmt.Sprintf("strain-%s-%s.seg", clean, uuid.NewString()[:8])
}
