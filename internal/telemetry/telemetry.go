// Package telemetry exports build metrics in Prometheus format.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vpb"

// Task outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Metrics holds every collector. Each instance owns its registry so tests
// and multiple pools do not collide.
type Metrics struct {
	Registry *prometheus.Registry

	TasksQueued   prometheus.Gauge
	TasksTotal    *prometheus.CounterVec
	TaskDuration  *prometheus.HistogramVec
	WorkersActive *prometheus.GaugeVec

	DatasetHits      prometheus.Counter
	DatasetMisses    prometheus.Counter
	DatasetEvictions prometheus.Counter
	DatasetsOpen     prometheus.Gauge

	VariantLookups *prometheus.CounterVec

	AgentExecTotal    *prometheus.CounterVec
	AgentExecDuration prometheus.Histogram
}

// New creates the collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		TasksQueued: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_queued",
			Help:      "Tasks waiting in the machine pool queue",
		}),
		TasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Tasks executed by machine and outcome",
		}, []string{"machine", "outcome"}),
		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task command duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600, 7200},
		}, []string{"machine"}),
		WorkersActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_active",
			Help:      "Workers currently executing a task",
		}, []string{"machine"}),
		DatasetHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dataset_cache",
			Name:      "hits_total",
			Help:      "Dataset opens served from the cache",
		}),
		DatasetMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dataset_cache",
			Name:      "misses_total",
			Help:      "Dataset opens that opened a new handle",
		}),
		DatasetEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dataset_cache",
			Name:      "evictions_total",
			Help:      "Unused datasets trimmed from the cache",
		}),
		DatasetsOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dataset_cache",
			Name:      "entries",
			Help:      "Datasets registered in the cache",
		}),
		VariantLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "variant_cache",
			Name:      "lookups_total",
			Help:      "Variant lookups by mode and result",
		}, []string{"mode", "result"}),
		AgentExecTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "exec_total",
			Help:      "Commands executed by the agent by status",
		}, []string{"status"}),
		AgentExecDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "exec_duration_seconds",
			Help:      "Agent command duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600, 7200},
		}),
	}
}

func (m *Metrics) TaskQueued(depth int) { m.TasksQueued.Set(float64(depth)) }

func (m *Metrics) TaskStarted(machine string) { m.WorkersActive.WithLabelValues(machine).Inc() }

func (m *Metrics) TaskFinished(machine, outcome string, d time.Duration) {
	m.WorkersActive.WithLabelValues(machine).Dec()
	m.TasksTotal.WithLabelValues(machine, outcome).Inc()
	if outcome != OutcomeSkipped {
		m.TaskDuration.WithLabelValues(machine).Observe(d.Seconds())
	}
}

func (m *Metrics) CacheHit() { m.DatasetHits.Inc() }

func (m *Metrics) CacheMiss() { m.DatasetMisses.Inc() }

func (m *Metrics) CacheEvicted(n int) { m.DatasetEvictions.Add(float64(n)) }

func (m *Metrics) CacheSize(n int) { m.DatasetsOpen.Set(float64(n)) }

func (m *Metrics) VariantLookup(mode string, found bool) {
	result := "miss"
	if found {
		result = "hit"
	}
	m.VariantLookups.WithLabelValues(mode, result).Inc()
}

func (m *Metrics) AgentExec(status string, d time.Duration) {
	m.AgentExecTotal.WithLabelValues(status).Inc()
	m.AgentExecDuration.Observe(d.Seconds())
}
