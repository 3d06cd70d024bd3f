// Package metrics exposes Prometheus instrumentation for the sync core and relay server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector registered by tandem.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	documentsOpen    prometheus.Gauge
	transactions     *prometheus.CounterVec
	persists         *prometheus.CounterVec
	undoOps          *prometheus.CounterVec
	connections      prometheus.Gauge
	connectionErrors *prometheus.CounterVec
	relayedUpdates   prometheus.Counter
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		documentsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tandem_documents_open",
			Help: "Number of documents currently loaded by the sync manager",
		}),
		transactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tandem_transactions_total",
				Help: "Committed document transactions by origin",
			},
			[]string{"origin"},
		),
		persists: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tandem_persist_total",
				Help: "Document persistence attempts by result",
			},
			[]string{"result"},
		),
		undoOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tandem_undo_operations_total",
				Help: "Undo and redo operations performed",
			},
			[]string{"kind"},
		),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tandem_relay_connections",
			Help: "Active relay WebSocket connections",
		}),
		connectionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tandem_connection_errors_total",
				Help: "Connection errors by classified code",
			},
			[]string{"code"},
		),
		relayedUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tandem_relay_updates_total",
			Help: "Updates fanned out by the relay server",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.documentsOpen,
		m.transactions,
		m.persists,
		m.undoOps,
		m.connections,
		m.connectionErrors,
		m.relayedUpdates,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) DocumentOpened() {
	if m != nil {
		m.documentsOpen.Inc()
	}
}

func (m *Metrics) DocumentClosed() {
	if m != nil {
		m.documentsOpen.Dec()
	}
}

func (m *Metrics) Transaction(origin string) {
	if m != nil {
		m.transactions.WithLabelValues(origin).Inc()
	}
}

// Persisted records the outcome of a save.
func (m *Metrics) Persisted(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.persists.WithLabelValues(result).Inc()
}

func (m *Metrics) UndoOperation(kind string) {
	if m != nil {
		m.undoOps.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) ConnectionError(code string) {
	if m != nil {
		m.connectionErrors.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) UpdateRelayed() {
	if m != nil {
		m.relayedUpdates.Inc()
	}
}
