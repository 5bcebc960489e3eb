package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"treehub/internal/broadcast"
)

type serverMetrics struct {
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	refusals          *prometheus.CounterVec
	mutationErrors    *prometheus.CounterVec
	mutationLatency   *prometheus.HistogramVec
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &serverMetrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "treehub_connections_active",
			Help: "Current number of authenticated connections.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "treehub_connections_total",
			Help: "Total number of authenticated connections since start.",
		}),
		refusals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "treehub_connections_refused_total",
			Help: "Connections refused at handshake, by reason.",
		}, []string{"reason"}),
		mutationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "treehub_mutation_errors_total",
			Help: "Rejected mutations by error code.",
		}, []string{"code"}),
		mutationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "treehub_mutation_latency_seconds",
			Help:    "Latency of applying and broadcasting a mutation.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.connectionsActive,
		m.connectionsTotal,
		m.refusals,
		m.mutationErrors,
		m.mutationLatency,
	)
	return m
}

func (m *serverMetrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsActive.Inc()
	m.connectionsTotal.Inc()
}

func (m *serverMetrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *serverMetrics) ConnectionRefused(reason string) {
	if m == nil {
		return
	}
	m.refusals.WithLabelValues(reason).Inc()
}

func (m *serverMetrics) observeMutation(op broadcast.OpType, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.mutationLatency.WithLabelValues(string(op)).Observe(elapsed.Seconds())
	if code != "ok" {
		m.mutationErrors.WithLabelValues(code).Inc()
	}
}
