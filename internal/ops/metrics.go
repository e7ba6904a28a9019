package ops

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process-wide prometheus collectors
type Metrics struct {
	registry *prometheus.Registry

	Ingested     *prometheus.CounterVec
	FanoutWrites *prometheus.CounterVec
	Repairs      *prometheus.CounterVec
	Mismatches   *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec
	DeadLettered prometheus.Counter
	HubRequests  *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on a fresh registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "castfeed",
			Name:      "messages_ingested_total",
			Help:      "Hub messages processed, by record kind and outcome.",
		}, []string{"kind", "outcome"}),
		FanoutWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "castfeed",
			Name:      "fanout_writes_total",
			Help:      "Feed and counter writes issued by fan-out, by feed and outcome.",
		}, []string{"feed", "outcome"}),
		Repairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "castfeed",
			Name:      "reconcile_repairs_total",
			Help:      "Records written during reconciliation, by kind and store.",
		}, []string{"kind", "store"}),
		Mismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "castfeed",
			Name:      "reconcile_mismatches_total",
			Help:      "Post-repair count mismatches, by kind and store.",
		}, []string{"kind", "store"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "castfeed",
			Name:      "job_duration_seconds",
			Help:      "Time spent processing one queue job.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		DeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "castfeed",
			Name:      "jobs_dead_lettered_total",
			Help:      "Jobs moved to the dead-letter list after exhausting attempts.",
		}),
		HubRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "castfeed",
			Name:      "hub_requests_total",
			Help:      "Upstream hub RPCs, by operation and outcome.",
		}, []string{"operation", "outcome"}),
	}

	m.registry.MustRegister(
		m.Ingested,
		m.FanoutWrites,
		m.Repairs,
		m.Mismatches,
		m.JobDuration,
		m.DeadLettered,
		m.HubRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveJob records how long a job of the given kind took
func (m *Metrics) ObserveJob(kind string, started time.Time) {
	if m == nil {
		return
	}
	m.JobDuration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}

// The helpers below accept a nil receiver so components can run without metrics.

func (m *Metrics) IncIngested(kind, outcome string) {
	if m != nil {
		m.Ingested.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *Metrics) IncFanout(feed string, err error) {
	if m != nil {
		m.FanoutWrites.WithLabelValues(feed, Outcome(err)).Inc()
	}
}

func (m *Metrics) AddRepairs(kind, store string, n int) {
	if m != nil && n > 0 {
		m.Repairs.WithLabelValues(kind, store).Add(float64(n))
	}
}

func (m *Metrics) IncMismatch(kind, store string) {
	if m != nil {
		m.Mismatches.WithLabelValues(kind, store).Inc()
	}
}

func (m *Metrics) IncDeadLettered() {
	if m != nil {
		m.DeadLettered.Inc()
	}
}

func (m *Metrics) IncHubRequest(op string, err error) {
	if m != nil {
		m.HubRequests.WithLabelValues(op, Outcome(err)).Inc()
	}
}

// Outcome maps an error to a metric label
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
