// Package metrics holds the Prometheus collectors shellmind reports about a run.
//
// A CLI invocation is short lived, so nothing is served over HTTP. When a
// textfile path is configured the registry is dumped at the end of the run for
// the node-exporter textfile collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "shellmind"

// Metrics exposes the collectors updated by the loop, registry, wait and memory.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	attempts          prometheus.Counter
	steps             prometheus.Counter
	correctiveRetries prometheus.Counter
	runOutcomes       *prometheus.CounterVec
	runDuration       prometheus.Histogram
	statusTransitions *prometheus.CounterVec
	backgroundRunning prometheus.Gauge
	waitResolutions   *prometheus.CounterVec
	toolCalls         *prometheus.CounterVec
	toolDuration      *prometheus.HistogramVec
	memoryFailures    *prometheus.CounterVec
}

// New builds a Metrics backed by a fresh registry.
func New() *Metrics {
	return MustNewMetrics(prometheus.NewRegistry())
}

// MustNewMetrics registers every collector on reg. Registration errors panic,
// mirroring promauto.
func MustNewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "attempts_total",
			Help:      "Attempts started by the task execution loop.",
		}),
		steps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "steps_total",
			Help:      "Steps consumed from the step producer.",
		}),
		correctiveRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "corrective_retries_total",
			Help:      "Corrective instructions pushed after an attempt without a final result.",
		}),
		runOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "runs_total",
			Help:      "Finished runs by outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock time of a run.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		statusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "status_transitions_total",
			Help:      "Background command status changes by new status.",
		}, []string{"status"}),
		backgroundRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "running",
			Help:      "Background commands currently running.",
		}),
		waitResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "wait_resolutions_total",
			Help:      "Interruptible waits by how they resolved.",
		}, []string{"result"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "calls_total",
			Help:      "Tool calls by tool and outcome.",
		}, []string{"tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "call_duration_seconds",
			Help:      "Tool call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		memoryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "failures_total",
			Help:      "Memory service failures degraded to empty results.",
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.attempts, m.steps, m.correctiveRetries, m.runOutcomes, m.runDuration,
		m.statusTransitions, m.backgroundRunning, m.waitResolutions,
		m.toolCalls, m.toolDuration, m.memoryFailures,
	)
	return m
}

// Registry returns the gatherer backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// IncAttempt counts one loop attempt.
func (m *Metrics) IncAttempt() {
	if m == nil {
		return
	}
	m.attempts.Inc()
}

// IncStep counts one producer step.
func (m *Metrics) IncStep() {
	if m == nil {
		return
	}
	m.steps.Inc()
}

// IncCorrective counts one corrective retry.
func (m *Metrics) IncCorrective() {
	if m == nil {
		return
	}
	m.correctiveRetries.Inc()
}

// ObserveRun records a finished run. outcome is success, exhausted, aborted or error.
func (m *Metrics) ObserveRun(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.runOutcomes.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(d.Seconds())
}

// ObserveStatus records a background command status change.
func (m *Metrics) ObserveStatus(previous, status string) {
	if m == nil {
		return
	}
	m.statusTransitions.WithLabelValues(status).Inc()
	switch {
	case status == "running" && previous != "running":
		m.backgroundRunning.Inc()
	case previous == "running" && status != "running":
		m.backgroundRunning.Dec()
	}
}

// IncWait records how an interruptible wait resolved: interrupted, timeout or cancelled.
func (m *Metrics) IncWait(result string) {
	if m == nil {
		return
	}
	m.waitResolutions.WithLabelValues(result).Inc()
}

// ObserveTool records a tool call.
func (m *Metrics) ObserveTool(tool string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// IncMemoryFailure counts a degraded memory operation (index or query).
func (m *Metrics) IncMemoryFailure(op string) {
	if m == nil {
		return
	}
	m.memoryFailures.WithLabelValues(op).Inc()
}

// WriteTextfile dumps the registry in the Prometheus text format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
