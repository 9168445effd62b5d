// Package metrics exposes the feed's Prometheus collectors on a private
// registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// Stream message outcomes.
const (
	ResultApplied    = "applied"
	ResultIgnored    = "ignored"
	ResultInvalid    = "invalid"
	ResultOutOfOrder = "out_of_order"
)

// Metrics holds every collector the feed updates.
type Metrics struct {
	registry *prometheus.Registry

	StreamMessages   *prometheus.CounterVec
	Reconnects       prometheus.Counter
	Resyncs          prometheus.Counter
	ConnectionStatus prometheus.Gauge
	SnapshotFetch    prometheus.Histogram
}

// New creates and registers the collectors plus the Go and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		StreamMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polybook_stream_messages_total",
			Help: "Stream events by processing result",
		}, []string{"result"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "polybook_stream_reconnects_total",
			Help: "Scheduled stream reconnects",
		}),
		Resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "polybook_book_resyncs_total",
			Help: "Forced re-snapshots after a sequence gap",
		}),
		ConnectionStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "polybook_connection_status",
			Help: "Connection status ordinal: 0 idle, 1 connecting, 2 connected, 3 reconnecting, 4 disconnected, 5 error, 6 closed",
		}),
		SnapshotFetch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "polybook_snapshot_fetch_seconds",
			Help:    "REST snapshot fetch latency",
			Buckets: prometheus.ExponentialBuckets(0.025, 2, 10),
		}),
	}
	m.registry.MustRegister(
		m.StreamMessages, m.Reconnects, m.Resyncs, m.ConnectionStatus, m.SnapshotFetch,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Message(result string) {
	if m == nil {
		return
	}
	m.StreamMessages.WithLabelValues(result).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) Resync() {
	if m == nil {
		return
	}
	m.Resyncs.Inc()
}

func (m *Metrics) Status(s domain.ConnectionStatus) {
	if m == nil {
		return
	}
	m.ConnectionStatus.Set(s.Ordinal())
}

func (m *Metrics) ObserveSnapshotFetch(d time.Duration) {
	if m == nil {
		return
	}
	m.SnapshotFetch.Observe(d.Seconds())
}
