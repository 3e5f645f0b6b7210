// Package metrics exposes Prometheus metrics for script execution.
//
// A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "scriptd"

type Collector struct {
	scriptsSpawned     prometheus.Counter
	spawnFailures      *prometheus.CounterVec
	runningScripts     prometheus.Gauge
	scriptExits        *prometheus.CounterVec
	decodeErrors       *prometheus.CounterVec
	protocolViolations *prometheus.CounterVec
	pendingPrompts     prometheus.Gauge
	promptResolutions  *prometheus.CounterVec
	promptDuration     *prometheus.HistogramVec
	orphanActions      *prometheus.CounterVec
	droppedNotices     *prometheus.CounterVec
}

// NewCollector registers the script metrics on the default registry.
func NewCollector() *Collector {
	return NewCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry registers on reg, for isolated tests and
// embedded hosts.
func NewCollectorWithRegistry(reg prometheus.Registerer) *Collector {
	c := &Collector{
		scriptsSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scripts_spawned_total",
			Help:      "Script processes started",
		}),
		spawnFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawn_failures_total",
			Help:      "Scripts that could not be started",
		}, []string{"reason"}),
		runningScripts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_scripts",
			Help:      "Script processes currently alive",
		}),
		scriptExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "script_exits_total",
			Help:      "Script exits by final state",
		}, []string{"state"}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Script output lines that failed to decode",
		}, []string{"code"}),
		protocolViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Well-formed messages that broke protocol rules",
		}, []string{"kind"}),
		pendingPrompts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_prompts",
			Help:      "Prompts waiting for a reply",
		}),
		promptResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prompt_resolutions_total",
			Help:      "Finished prompts by type and outcome",
		}, []string{"type", "outcome"}),
		promptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prompt_duration_seconds",
			Help:      "Time from prompt request to resolution",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"type"}),
		orphanActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphan_actions_total",
			Help:      "Startup reconciliation outcomes",
		}, []string{"action"}),
		droppedNotices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Notifications a subscriber did not receive",
		}, []string{"method"}),
	}
	reg.MustRegister(
		c.scriptsSpawned,
		c.spawnFailures,
		c.runningScripts,
		c.scriptExits,
		c.decodeErrors,
		c.protocolViolations,
		c.pendingPrompts,
		c.promptResolutions,
		c.promptDuration,
		c.orphanActions,
		c.droppedNotices,
	)
	return c
}

func (c *Collector) ScriptSpawned() {
	if c == nil {
		return
	}
	c.scriptsSpawned.Inc()
	c.runningScripts.Inc()
}

func (c *Collector) SpawnFailed(reason string) {
	if c == nil {
		return
	}
	c.spawnFailures.WithLabelValues(reason).Inc()
}

func (c *Collector) ScriptExited(state string) {
	if c == nil {
		return
	}
	c.runningScripts.Dec()
	c.scriptExits.WithLabelValues(state).Inc()
}

func (c *Collector) DecodeError(code string) {
	if c == nil {
		return
	}
	c.decodeErrors.WithLabelValues(code).Inc()
}

func (c *Collector) ProtocolViolation(kind string) {
	if c == nil {
		return
	}
	c.protocolViolations.WithLabelValues(kind).Inc()
}

func (c *Collector) PromptOpened() {
	if c == nil {
		return
	}
	c.pendingPrompts.Inc()
}

func (c *Collector) PromptFinished(kind, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.pendingPrompts.Dec()
	c.promptResolutions.WithLabelValues(kind, outcome).Inc()
	c.promptDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (c *Collector) OrphanAction(action string) {
	if c == nil {
		return
	}
	c.orphanActions.WithLabelValues(action).Inc()
}

func (c *Collector) NotificationDropped(method string) {
	if c == nil {
		return
	}
	c.droppedNotices.WithLabelValues(method).Inc()
}
