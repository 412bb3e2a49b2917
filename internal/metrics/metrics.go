// Package metrics exposes Prometheus collectors for ingestion, request
// authentication and the consistency jobs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors registered on one registry. A nil *Metrics
// discards every observation.
type Metrics struct {
	reg prometheus.Registerer
	gat prometheus.Gatherer

	ingestAccepted *prometheus.CounterVec
	ingestRejected *prometheus.CounterVec
	authFailures   *prometheus.CounterVec
	enrollments    *prometheus.CounterVec
	jobRuns        *prometheus.CounterVec
	jobRows        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return newWithRegistry(reg, reg)
}

func newWithRegistry(reg prometheus.Registerer, gat prometheus.Gatherer) *Metrics {
	registerOrExisting := func(coll prometheus.Collector) prometheus.Collector {
		if err := reg.Register(coll); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return are.ExistingCollector
			}
			panic(err)
		}
		return coll
	}

	m := &Metrics{reg: reg, gat: gat}
	m.ingestAccepted = registerOrExisting(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostbeat",
			Subsystem: "ingest",
			Name:      "batches_accepted_total",
			Help:      "Telemetry batches written.",
		},
		[]string{"tenant_id"},
	)).(*prometheus.CounterVec)
	m.ingestRejected = registerOrExisting(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostbeat",
			Subsystem: "ingest",
			Name:      "batches_rejected_total",
			Help:      "Telemetry batches rejected after authentication.",
		},
		[]string{"reason"},
	)).(*prometheus.CounterVec)
	m.authFailures = registerOrExisting(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostbeat",
			Subsystem: "auth",
			Name:      "failures_total",
			Help:      "Request authentication failures by failed check.",
		},
		[]string{"reason"},
	)).(*prometheus.CounterVec)
	m.enrollments = registerOrExisting(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostbeat",
			Subsystem: "credentials",
			Name:      "operations_total",
			Help:      "Enrollments and rotations by outcome.",
		},
		[]string{"operation", "outcome"},
	)).(*prometheus.CounterVec)
	m.jobRuns = registerOrExisting(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostbeat",
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Consistency job runs by status.",
		},
		[]string{"job", "status"},
	)).(*prometheus.CounterVec)
	m.jobRows = registerOrExisting(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostbeat",
			Subsystem: "jobs",
			Name:      "rows_affected_total",
			Help:      "Rows written or deleted by consistency jobs.",
		},
		[]string{"job", "kind"},
	)).(*prometheus.CounterVec)
	m.jobDuration = registerOrExisting(prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hostbeat",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Consistency job run time.",
		},
		[]string{"job"},
	)).(*prometheus.HistogramVec)
	return m
}

// IngestAccepted counts a written batch.
func (m *Metrics) IngestAccepted(tenantID string) {
	if m == nil {
		return
	}
	m.ingestAccepted.WithLabelValues(tenantID).Inc()
}

// IngestRejected counts a batch rejected by decoding or validation.
func (m *Metrics) IngestRejected(reason string) {
	if m == nil {
		return
	}
	m.ingestRejected.WithLabelValues(reason).Inc()
}

// AuthFailure counts a failed authentication check.
func (m *Metrics) AuthFailure(reason string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(reason).Inc()
}

// CredentialOp counts an enroll or rotate outcome.
func (m *Metrics) CredentialOp(operation, outcome string) {
	if m == nil {
		return
	}
	m.enrollments.WithLabelValues(operation, outcome).Inc()
}

// JobRun records one job run.
func (m *Metrics) JobRun(job, status string, seconds float64) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, status).Inc()
	m.jobDuration.WithLabelValues(job).Observe(seconds)
}

// JobRows adds rows affected by a job.
func (m *Metrics) JobRows(job, kind string, n int64) {
	if m != nil && n > 0 {
		m.jobRows.WithLabelValues(job, kind).Add(float64(n))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gat, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps handler with request count and latency collectors
// labelled by name.
func (m *Metrics) InstrumentHandler(name string, handler http.Handler) http.Handler {
	if m == nil {
		return handler
	}
	registerOrExisting := func(coll prometheus.Collector) prometheus.Collector {
		if err := m.reg.Register(coll); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return are.ExistingCollector
			}
			panic(err)
		}
		return coll
	}

	reqCnt := registerOrExisting(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "hostbeat",
			Subsystem:   "http",
			Name:        "requests_total",
			Help:        "Total number of HTTP requests made.",
			ConstLabels: prometheus.Labels{"handler": name},
		},
		[]string{"method", "code"},
	)).(*prometheus.CounterVec)

	reqDur := registerOrExisting(prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   "hostbeat",
			Subsystem:   "http",
			Name:        "request_duration_seconds",
			Help:        "The HTTP request latencies in seconds.",
			ConstLabels: prometheus.Labels{"handler": name},
		},
		nil,
	)).(*prometheus.HistogramVec)

	return promhttp.InstrumentHandlerDuration(reqDur,
		promhttp.InstrumentHandlerCounter(reqCnt, handler))
}
