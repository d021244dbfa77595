// Package metrics holds the prometheus collectors shared by the registry,
// the dispatcher, and the HTTP middleware.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	ConnectionsActive   prometheus.Gauge
	ConnectionsOpened   prometheus.Counter
	ConnectionsRejected *prometheus.CounterVec
	Disconnects         *prometheus.CounterVec
	DispatchTotal       *prometheus.CounterVec
	PushesTotal         *prometheus.CounterVec
	LedgerWriteFailures prometheus.Counter
	JobRuns             *prometheus.CounterVec

	HTTPInFlight        prometheus.Gauge
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg. Pass
// prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_connections_active",
			Help: "Live connections currently registered.",
		}),
		ConnectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_connections_opened_total",
			Help: "Connections accepted after a successful handshake.",
		}),
		ConnectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_connections_rejected_total",
			Help: "Handshakes rejected before upgrade.",
		}, []string{"reason"}),
		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_disconnects_total",
			Help: "Connections removed from the registry.",
		}, []string{"reason"}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_dispatch_total",
			Help: "Dispatched events by kind and final state.",
		}, []string{"kind", "state"}),
		PushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_pushes_total",
			Help: "Live frame pushes by outcome.",
		}, []string{"outcome"}),
		LedgerWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_ledger_write_failures_total",
			Help: "Notifiable events aborted because the ledger write failed.",
		}),
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_job_runs_total",
			Help: "Scheduled job executions by job and result.",
		}, []string{"job", "result"}),
		HTTPInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		gatherer: reg,
	}
	reg.MustRegister(
		m.ConnectionsActive, m.ConnectionsOpened, m.ConnectionsRejected, m.Disconnects,
		m.DispatchTotal, m.PushesTotal, m.LedgerWriteFailures, m.JobRuns,
		m.HTTPInFlight, m.HTTPRequestsTotal, m.HTTPRequestDuration,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsOpened.Inc()
	m.ConnectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed(reason string) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
	m.Disconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) HandshakeRejected(reason string) {
	if m == nil {
		return
	}
	m.ConnectionsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Dispatched(kind, state string) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(kind, state).Inc()
}

func (m *Metrics) Pushed(outcome string) {
	if m == nil {
		return
	}
	m.PushesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LedgerWriteFailed() {
	if m == nil {
		return
	}
	m.LedgerWriteFailures.Inc()
}

func (m *Metrics) JobRan(job string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.JobRuns.WithLabelValues(job, result).Inc()
}
