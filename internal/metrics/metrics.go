// Package metrics exposes swarm and director instrumentation in the
// Prometheus text format. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/msageha/devswarm/internal/model"
)

const namespace = "devswarm"

type Metrics struct {
	registry *prometheus.Registry

	nodesActive      prometheus.Gauge
	nodesSpawned     prometheus.Counter
	tasks            *prometheus.CounterVec
	taskRetries      prometheus.Counter
	taskDuration     prometheus.Histogram
	lockWait         prometheus.Histogram
	swarms           *prometheus.CounterVec
	swarmDuration    prometheus.Histogram
	parallelism      prometheus.Gauge
	phaseTransitions *prometheus.CounterVec
	phaseCurrent     *prometheus.GaugeVec
}

// New registers every collector on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		nodesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "swarm", Name: "nodes_active",
			Help: "Developer nodes currently registered.",
		}),
		nodesSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "swarm", Name: "nodes_spawned_total",
			Help: "Developer nodes created.",
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "swarm", Name: "tasks_total",
			Help: "Developer tasks settled, by outcome.",
		}, []string{"status"}),
		taskRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "swarm", Name: "task_retries_total",
			Help: "Developer task attempts beyond the first.",
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "swarm", Name: "task_duration_seconds",
			Help:    "Wall time of a developer task including retries.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "swarm", Name: "lock_wait_seconds",
			Help:    "Time spent waiting for an artifact path lock.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		swarms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "swarm", Name: "executions_total",
			Help: "Swarm executions, by aggregated status.",
		}, []string{"status"}),
		swarmDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "swarm", Name: "execution_duration_seconds",
			Help:    "Total wall time of a swarm execution.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		parallelism: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "swarm", Name: "parallelism_verified",
			Help: "1 if the last execution beat twice the average task time, else 0.",
		}),
		phaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "director", Name: "phase_transitions_total",
			Help: "Phases resolved by the director, by target phase.",
		}, []string{"phase"}),
		phaseCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "director", Name: "phase",
			Help: "1 for the phase the director last resolved, 0 for every other phase.",
		}, []string{"phase"}),
	}
	m.registry.MustRegister(
		m.nodesActive, m.nodesSpawned, m.tasks, m.taskRetries, m.taskDuration,
		m.lockWait, m.swarms, m.swarmDuration, m.parallelism, m.phaseTransitions,
		m.phaseCurrent,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) NodeSpawned(active int) {
	if m == nil {
		return
	}
	m.nodesSpawned.Inc()
	m.nodesActive.Set(float64(active))
}

func (m *Metrics) SetActiveNodes(active int) {
	if m == nil {
		return
	}
	m.nodesActive.Set(float64(active))
}

func (m *Metrics) TaskRetried() {
	if m == nil {
		return
	}
	m.taskRetries.Inc()
}

func (m *Metrics) LockWaited(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

func (m *Metrics) TaskSettled(r model.DeveloperTaskResult) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(string(r.Status)).Inc()
	m.taskDuration.Observe(r.Duration.Seconds())
}

func (m *Metrics) SwarmSettled(r model.SwarmExecutionResult) {
	if m == nil {
		return
	}
	m.swarms.WithLabelValues(string(r.Status)).Inc()
	m.swarmDuration.Observe(r.TotalDuration.Seconds())
	if r.ParallelismVerified {
		m.parallelism.Set(1)
	} else {
		m.parallelism.Set(0)
	}
}

func (m *Metrics) PhaseResolved(p model.Phase) {
	if m == nil {
		return
	}
	m.phaseTransitions.WithLabelValues(string(p)).Inc()
	for _, known := range model.AllPhases() {
		v := 0.0
		if known == p {
			v = 1
		}
		m.phaseCurrent.WithLabelValues(string(known)).Set(v)
	}
}
