package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/strainhq/strain/internal/oom"
	"github.com/strainhq/strain/internal/resources"
	"github.com/strainhq/strain/internal/sched"
)

// Duration wraps time.Duration for YAML unmarshalling.
type Duration struct {
	time.Duration
	explicit bool
}

// UnmarshalText parses a textual duration, accepting empty strings.
func (d *Duration) UnmarshalText(text []byte) error {
	d.explicit = true
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText renders the duration using time.Duration formatting.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsSet reports whether the duration was explicitly provided or non-zero.
func (d Duration) IsSet() bool {
	return d.explicit || d.Duration != 0
}

// Plan mirrors the plan.yaml document structure.
type Plan struct {
	Includes  []string                 `yaml:"includes"`
	Version   string                   `yaml:"version"`
	Run       RunMeta                  `yaml:"run"`
	Defaults  Defaults                 `yaml:"defaults"`
	Stressors map[string]*StressorSpec `yaml:"stressors"`
}

// RunMeta contains run-wide settings.
type RunMeta struct {
	Name        string   `yaml:"name"`
	Timeout     Duration `yaml:"timeout"`
	MetricsAddr string   `yaml:"metricsAddr"`
	SegmentDir  string   `yaml:"segmentDir"`
	Log         *LogSpec `yaml:"log"`

	// FailOnKernelErrors decides whether kernel log errors observed by
	// the watchdog fail the run. Unset means they do.
	FailOnKernelErrors *bool `yaml:"failOnKernelErrors"`
}

// LogSpec configures the process logger.
type LogSpec struct {
	Level         string   `yaml:"level"`
	Format        string   `yaml:"format"`
	File          string   `yaml:"file"`
	MaxFileSizeMB int      `yaml:"maxFileSizeMB"`
	MaxBackups    int      `yaml:"maxBackups"`
	MaxFileAge    Duration `yaml:"maxFileAge"`
	Compress      bool     `yaml:"compress"`
}

// Defaults captures default policies applied to stressors.
type Defaults struct {
	Workers int            `yaml:"workers"`
	Sched   *SchedSpec     `yaml:"sched"`
	OOM     *OOMSpec       `yaml:"oom"`
	Restart *RestartPolicy `yaml:"restartPolicy"`
}

// StressorSpec describes an individual stressor in the plan.
type StressorSpec struct {
	Workload     string         `yaml:"workload"`
	Workers      int            `yaml:"workers"`
	MaxOps       uint64         `yaml:"maxOps"`
	Bytes        string         `yaml:"bytes"`
	Path         string         `yaml:"path"`
	Locked       bool           `yaml:"locked"`
	ProbeTimeout Duration       `yaml:"probeTimeout"`
	Sched        *SchedSpec     `yaml:"sched"`
	OOM          *OOMSpec       `yaml:"oom"`
	Restart      *RestartPolicy `yaml:"restartPolicy"`
}

// SchedSpec requests a scheduling policy for a stressor's workers.
type SchedSpec struct {
	Class      string   `yaml:"class"`
	Priority   *int     `yaml:"priority"`
	Aggressive bool     `yaml:"aggressive"`
	Runtime    Duration `yaml:"runtime"`
	Deadline   Duration `yaml:"deadline"`
	Period     Duration `yaml:"period"`
	Quiet      bool     `yaml:"quiet"`
}

// OOMSpec says how a stressor's workers rank with the OOM killer.
type OOMSpec struct {
	Policy       string `yaml:"policy"`
	RestartOnOOM bool   `yaml:"restartOnOom"`
}

// RestartPolicy defines respawn behaviour for a stressor's workers.
type RestartPolicy struct {
	MaxRetries int          `yaml:"maxRetries"`
	Backoff    *BackoffSpec `yaml:"backoff"`
}

// BackoffSpec describes exponential backoff configuration.
type BackoffSpec struct {
	Min    Duration `yaml:"min"`
	Max    Duration `yaml:"max"`
	Factor float64  `yaml:"factor"`
}

// ApplyDefaults merges defaults onto stressors.
func (p *Plan) ApplyDefaults() error {
	for name, st := range p.Stressors {
		if st == nil {
			return fmt.Errorf("stressor %q is null", name)
		}
		st.Workload = strings.ToLower(strings.TrimSpace(st.Workload))
		if st.Workers == 0 {
			if p.Defaults.Workers > 0 {
				st.Workers = p.Defaults.Workers
			} else {
				st.Workers = 1
			}
		}
		if st.Restart == nil && p.Defaults.Restart != nil {
			st.Restart = p.Defaults.Restart.Clone()
		}
		if st.OOM == nil && p.Defaults.OOM != nil {
			st.OOM = p.Defaults.OOM.Clone()
		}
		if p.Defaults.Sched != nil {
			if st.Sched == nil {
				st.Sched = p.Defaults.Sched.Clone()
			} else {
				st.Sched.ApplyDefaults(p.Defaults.Sched)
			}
		}
	}
	return nil
}

// Validate enforces schema invariants.
func (p *Plan) Validate() error {
	if p.Version == "" {
		return fmt.Errorf("%s: is required", fieldPath("version"))
	}
	if len(p.Stressors) == 0 {
		return fmt.Errorf("%s: must define at least one stressor", fieldPath("stressors"))
	}
	if p.Run.Name == "" {
		return fmt.Errorf("%s: is required", fieldPath("run", "name"))
	}
	if p.Run.Timeout.Duration < 0 {
		return fmt.Errorf("%s: must be non-negative", fieldPath("run", "timeout"))
	}
	if p.Run.Log != nil {
		if err := validateLog(p.Run.Log); err != nil {
			return err
		}
	}
	for name, st := range p.Stressors {
		if st.Workload == "" {
			return fmt.Errorf("%s: is required", stressorField(name, "workload"))
		}
		if st.Workers < 1 {
			return fmt.Errorf("%s: must be at least 1", stressorField(name, "workers"))
		}
		if st.Bytes != "" {
			if err := resources.CheckBytes(st.Bytes); err != nil {
				return fmt.Errorf("%s: %w", stressorField(name, "bytes"), err)
			}
		}
		if st.ProbeTimeout.Duration < 0 {
			return fmt.Errorf("%s: must be non-negative", stressorField(name, "probeTimeout"))
		}
		if st.Sched != nil {
			if err := validateSched(name, st.Sched); err != nil {
				return err
			}
		}
		if st.OOM != nil {
			if _, err := oom.ParsePolicy(st.OOM.Policy); err != nil {
				return fmt.Errorf("%s: %w", stressorField(name, "oom", "policy"), err)
			}
		}
		if st.Restart != nil {
			if st.Restart.MaxRetries < 0 {
				return fmt.Errorf("%s: must be non-negative", stressorField(name, "restartPolicy", "maxRetries"))
			}
			if st.Restart.Backoff != nil && st.Restart.Backoff.Factor == 0 {
				return fmt.Errorf("%s: must be non-zero", stressorField(name, "restartPolicy", "backoff", "factor"))
			}
		}
	}
	return nil
}

func validateLog(l *LogSpec) error {
	switch l.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s: unknown level %q", fieldPath("run", "log", "level"), l.Level)
	}
	switch l.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("%s: unknown format %q", fieldPath("run", "log", "format"), l.Format)
	}
	if l.MaxFileSizeMB < 0 {
		return fmt.Errorf("%s: must be non-negative", fieldPath("run", "log", "maxFileSizeMB"))
	}
	if l.MaxBackups < 0 {
		return fmt.Errorf("%s: must be non-negative", fieldPath("run", "log", "maxBackups"))
	}
	if l.MaxFileAge.IsSet() && l.MaxFileAge.Duration < 0 {
		return fmt.Errorf("%s: must be non-negative", fieldPath("run", "log", "maxFileAge"))
	}
	return nil
}

func validateSched(name string, s *SchedSpec) error {
	class, err := sched.ParseClass(s.Class)
	if err != nil {
		return fmt.Errorf("%s: %w", schedField(name, "class"), err)
	}
	switch class {
	case sched.ClassFIFO, sched.ClassRR:
	default:
		if s.Priority != nil {
			return fmt.Errorf("%s: only the fifo and rr classes take a priority", schedField(name, "priority"))
		}
	}
	if class != sched.ClassDeadline {
		if s.Runtime.IsSet() || s.Deadline.IsSet() || s.Period.IsSet() {
			return fmt.Errorf("%s: runtime, deadline and period apply to the deadline class only", schedField(name))
		}
		return nil
	}
	for _, f := range []struct {
		field string
		d     Duration
	}{
		{"runtime", s.Runtime},
		{"deadline", s.Deadline},
		{"period", s.Period},
	} {
		if f.d.Duration < 0 {
			return fmt.Errorf("%s: must be non-negative", schedField(name, f.field))
		}
	}
	if s.Runtime.Duration > 0 && s.Deadline.Duration > 0 && s.Runtime.Duration > s.Deadline.Duration {
		return fmt.Errorf("%s: runtime must not exceed deadline", schedField(name))
	}
	if s.Deadline.Duration > 0 && s.Period.Duration > 0 && s.Deadline.Duration > s.Period.Duration {
		return fmt.Errorf("%s: deadline must not exceed period", schedField(name))
	}
	return nil
}

// ApplyDefaults merges values from the provided defaults onto the receiver.
// Boolean knobs do not inherit; they belong to the stressor that sets them.
func (s *SchedSpec) ApplyDefaults(defaults *SchedSpec) {
	if defaults == nil {
		return
	}
	if s.Class == "" {
		s.Class = defaults.Class
	}
	if s.Priority == nil && defaults.Priority != nil {
		v := *defaults.Priority
		s.Priority = &v
	}
	if !s.Runtime.IsSet() {
		s.Runtime = defaults.Runtime
	}
	if !s.Deadline.IsSet() {
		s.Deadline = defaults.Deadline
	}
	if !s.Period.IsSet() {
		s.Period = defaults.Period
	}
}

// ResolveBytes parses the stressor's byte quantity against installed
// memory, dividing percentage quantities evenly across its workers.
func (s *StressorSpec) ResolveBytes() (int64, error) {
	b, err := resources.ParseBytes(s.Bytes)
	if err != nil {
		return 0, err
	}
	if b > 0 && strings.HasSuffix(strings.TrimSpace(s.Bytes), "%") && s.Workers > 1 {
		b /= int64(s.Workers)
		if b < 1 {
			b = 1
		}
	}
	return b, nil
}

// Request builds the syscall-level scheduling request. A nil receiver
// yields the zero request, meaning inherit everything.
func (s *SchedSpec) Request() (sched.Request, error) {
	var req sched.Request
	if s == nil {
		return req, nil
	}
	class, err := sched.ParseClass(s.Class)
	if err != nil {
		return req, err
	}
	req.Class = class
	req.Aggressive = s.Aggressive
	req.Quiet = s.Quiet
	if s.Priority != nil {
		v := *s.Priority
		req.Priority = &v
	}
	req.RuntimeNS = uint64(s.Runtime.Nanoseconds())
	req.DeadlineNS = uint64(s.Deadline.Nanoseconds())
	req.PeriodNS = uint64(s.Period.Nanoseconds())
	return req, nil
}

// ParsedPolicy parses the configured policy name, defaulting to
// inherit. A nil receiver also means inherit.
func (o *OOMSpec) ParsedPolicy() oom.Policy {
	if o == nil {
		return oom.PolicyInherit
	}
	p, err := oom.ParsePolicy(o.Policy)
	if err != nil {
		return oom.PolicyInherit
	}
	return p
}

// Clone creates a deep copy of the stressor.
func (s *StressorSpec) Clone() *StressorSpec {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Sched != nil {
		cp.Sched = s.Sched.Clone()
	}
	if s.OOM != nil {
		cp.OOM = s.OOM.Clone()
	}
	if s.Restart != nil {
		cp.Restart = s.Restart.Clone()
	}
	return &cp
}

// Clone creates a deep copy of the scheduling spec.
func (s *SchedSpec) Clone() *SchedSpec {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Priority != nil {
		v := *s.Priority
		cp.Priority = &v
	}
	return &cp
}

// Clone creates a deep copy of the OOM spec.
func (o *OOMSpec) Clone() *OOMSpec {
	if o == nil {
		return nil
	}
	cp := *o
	return &cp
}

// Clone creates a deep copy of the restart policy.
func (r *RestartPolicy) Clone() *RestartPolicy {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Backoff != nil {
		cp.Backoff = &BackoffSpec{
			Min:    r.Backoff.Min,
			Max:    r.Backoff.Max,
			Factor: r.Backoff.Factor,
		}
	}
	return &cp
}

func fieldPath(parts ...string) string {
	return strings.Join(parts, ".")
}

func stressorField(stressor string, parts ...string) string {
	pathParts := append([]string{"stressors", stressor}, parts...)
	return fieldPath(pathParts...)
}

func schedField(stressor string, parts ...string) string {
	pathParts := append([]string{"sched"}, parts...)
	return stressorField(stressor, pathParts...)
}

// StressorsSorted returns stressor names sorted alphabetically.
func (p *Plan) StressorsSorted() []string {
	out := make([]string, 0, len(p.Stressors))
	for name := range p.Stressors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
