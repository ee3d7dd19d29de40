package metrics

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry = prometheus.NewRegistry()

	workersRunning = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "strain",
		Name:      "workers_running",
		Help:      "Number of live workers per stressor.",
	}, []string{"stressor"})

	bogoOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strain",
		Name:      "bogo_ops_total",
		Help:      "Total bogo operations completed per stressor.",
	}, []string{"stressor"})

	workerRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strain",
		Name:      "worker_restarts_total",
		Help:      "Total worker respawns per stressor.",
	}, []string{"stressor"})

	oomKills = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strain",
		Name:      "oom_kills_total",
		Help:      "Workers reclaimed by the kernel OOM killer per stressor.",
	}, []string{"stressor"})

	forceKills = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strain",
		Name:      "force_kills_total",
		Help:      "Workers the harness had to SIGKILL per stressor.",
	}, []string{"stressor"})

	kernelErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "strain",
		Name:      "kernel_errors_total",
		Help:      "Error-grade kernel log records observed during runs.",
	})

	workerLifetime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "strain",
		Name:      "worker_lifetime_seconds",
		Help:      "Wall-clock lifetime of workers in seconds.",
	}, []string{"stressor"})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "strain",
		Name:      "build_info",
		Help:      "Build metadata for the running strain binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(
		workersRunning, bogoOps, workerRestarts, oomKills,
		forceKills, kernelErrors, workerLifetime, buildInfo,
	)
}

// Registry returns the Prometheus registry containing all strain metrics.
func Registry() *prometheus.Registry {
	return registry
}

// SetWorkersRunning records the live worker count for a stressor.
func SetWorkersRunning(stressor string, n int) {
	if stressor == "" {
		return
	}
	workersRunning.WithLabelValues(stressor).Set(float64(n))
}

// AddBogoOps adds completed operations to a stressor's tally.
func AddBogoOps(stressor string, n uint64) {
	if stressor == "" || n == 0 {
		return
	}
	bogoOps.WithLabelValues(stressor).Add(float64(n))
}

// IncWorkerRestart counts one respawn for a stressor.
func IncWorkerRestart(stressor string) {
	if stressor == "" {
		return
	}
	workerRestarts.WithLabelValues(stressor).Inc()
}

// IncOOMKill counts one OOM-killed worker for a stressor.
func IncOOMKill(stressor string) {
	if stressor == "" {
		return
	}
	oomKills.WithLabelValues(stressor).Inc()
}

// IncForceKill counts one force-killed worker for a stressor.
func IncForceKill(stressor string) {
	if stressor == "" {
		return
	}
	forceKills.WithLabelValues(stressor).Inc()
}

// AddKernelErrors adds to the run-wide kernel error tally.
func AddKernelErrors(n uint64) {
	if n == 0 {
		return
	}
	kernelErrors.Add(float64(n))
}

// ObserveWorkerLifetime records how long a worker lived.
func ObserveWorkerLifetime(stressor string, d time.Duration) {
	label := stressor
	if label == "" {
		label = "unknown"
	}
	workerLifetime.WithLabelValues(label).Observe(d.Seconds())
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs":          "",
			"vcs_revision": "",
			"vcs_time":     "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs":
					labels["vcs"] = setting.Value
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.time":
					labels["vcs_time"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}

// ResetStressor clears per-stressor series, typically between runs.
func ResetStressor(stressor string) {
	if stressor == "" {
		return
	}
	workersRunning.DeleteLabelValues(stressor)
	bogoOps.DeleteLabelValues(stressor)
	workerRestarts.DeleteLabelValues(stressor)
	oomKills.DeleteLabelValues(stressor)
	forceKills.DeleteLabelValues(stressor)
	workerLifetime.DeleteLabelValues(stressor)
}
