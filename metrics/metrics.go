// Package metrics holds the prometheus collectors of the lab server and
// station processes. All methods are safe on a nil receiver so components
// can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ochra"

// Registry owns a prometheus registry with runtime collectors attached.
type Registry struct {
	reg *prometheus.Registry
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{reg: reg}
}

func (r *Registry) Prometheus() *prometheus.Registry { return r.reg }

// Handler serves the registry in the prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Scheduler instruments the lab server's operation scheduler.
type Scheduler struct {
	queueDepth prometheus.Gauge
	dispatched prometheus.Counter
	completed  *prometheus.CounterVec
	orphans    *prometheus.CounterVec
	latency    prometheus.Histogram
}

func NewScheduler(reg prometheus.Registerer) *Scheduler {
	m := &Scheduler{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "queue_depth",
			Help: "Operations waiting for dispatch.",
		}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "dispatched_total",
			Help: "Operations dispatched to stations.",
		}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "completed_total",
			Help: "Dispatched operations that reached COMPLETED, by outcome.",
		}, []string{"outcome"}),
		orphans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "orphans_total",
			Help: "Orphaned operations recovered at start, by policy.",
		}, []string{"policy"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "dispatch_seconds",
			Help:    "Time from dispatch to station response.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
	reg.MustRegister(m.queueDepth, m.dispatched, m.completed, m.orphans, m.latency)
	return m
}

func (m *Scheduler) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Scheduler) IncDispatched() {
	if m == nil {
		return
	}
	m.dispatched.Inc()
}

func (m *Scheduler) ObserveCompleted(success bool, d time.Duration) {
	if m == nil {
		return
	}
	m.completed.WithLabelValues(outcome(success)).Inc()
	m.latency.Observe(d.Seconds())
}

func (m *Scheduler) IncOrphan(policy string) {
	if m == nil {
		return
	}
	m.orphans.WithLabelValues(policy).Inc()
}

// Executor instruments a station's operation executor.
type Executor struct {
	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

func NewExecutor(reg prometheus.Registerer) *Executor {
	m := &Executor{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "station", Name: "invocations_total",
			Help: "Method invocations by method and outcome.",
		}, []string{"method", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "station", Name: "invocation_seconds",
			Help:    "Method invocation time including result storage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
	reg.MustRegister(m.invocations, m.duration)
	return m
}

func (m *Executor) Observe(method string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(method, outcome(success)).Inc()
	m.duration.WithLabelValues(method).Observe(d.Seconds())
}
