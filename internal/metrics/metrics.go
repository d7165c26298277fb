// Package metrics exposes pipeline counters for Prometheus.
//
// All recording methods are safe on a nil *Metrics so collaborators can be
// built without metrics in tests.
package metrics

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	registry *prometheus.Registry

	messagesReceived *prometheus.CounterVec // by source
	framesStored     prometheus.Counter
	framesDropped    *prometheus.CounterVec // by reason
	estimates        *prometheus.CounterVec // by outcome
	notifications    prometheus.Counter
	sinkErrors       *prometheus.CounterVec // by sink kind
	processLatency   prometheus.Histogram
	currentCount     *prometheus.GaugeVec // by device
	wsClients        prometheus.Gauge
}

// New creates a Metrics instance on its own registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "occupancy_messages_received_total",
			Help: "Telemetry messages received, by message source.",
		}, []string{"source"}),
		framesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "occupancy_frames_stored_total",
			Help: "Frame records decoded and persisted.",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "occupancy_frames_dropped_total",
			Help: "Frames dropped before persistence, by reason.",
		}, []string{"reason"}),
		estimates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "occupancy_estimates_total",
			Help: "Count estimation cycles, by outcome (unknown, baseline, unchanged, changed, error).",
		}, []string{"outcome"}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "occupancy_notifications_total",
			Help: "Notifications raised by threshold rules.",
		}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "occupancy_sink_errors_total",
			Help: "Failed deliveries to notification sinks, by payload kind.",
		}, []string{"kind"}),
		processLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "occupancy_process_duration_seconds",
			Help:    "Time to estimate, compare and evaluate one frame.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		currentCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "occupancy_current_count",
			Help: "Latest smoothed occupancy per device.",
		}, []string{"device_id"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "occupancy_websocket_clients",
			Help: "Connected WebSocket clients.",
		}),
	}

	m.registry.MustRegister(
		m.messagesReceived,
		m.framesStored,
		m.framesDropped,
		m.estimates,
		m.notifications,
		m.sinkErrors,
		m.processLatency,
		m.currentCount,
		m.wsClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RegisterDB exports connection pool statistics of db
func (m *Metrics) RegisterDB(db *sql.DB, name string) error {
	if m == nil {
		return nil
	}
	return m.registry.Register(collectors.NewDBStatsCollector(db, name))
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// MessageReceived counts one telemetry message from source
func (m *Metrics) MessageReceived(source string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(source).Inc()
}

// FrameStored counts one persisted frame
func (m *Metrics) FrameStored() {
	if m == nil {
		return
	}
	m.framesStored.Inc()
}

// FrameDropped counts one dropped frame
func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

// Estimate counts one estimation cycle with its outcome
func (m *Metrics) Estimate(outcome string) {
	if m == nil {
		return
	}
	m.estimates.WithLabelValues(outcome).Inc()
}

// Notifications counts n raised notifications
func (m *Metrics) Notifications(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.notifications.Add(float64(n))
}

// SinkError counts one failed sink delivery
func (m *Metrics) SinkError(kind string) {
	if m == nil {
		return
	}
	m.sinkErrors.WithLabelValues(kind).Inc()
}

// ObserveProcess records the duration of one processing cycle
func (m *Metrics) ObserveProcess(d time.Duration) {
	if m == nil {
		return
	}
	m.processLatency.Observe(d.Seconds())
}

// SetCount records the latest smoothed count of deviceID
func (m *Metrics) SetCount(deviceID string, count int) {
	if m == nil {
		return
	}
	m.currentCount.WithLabelValues(deviceID).Set(float64(count))
}

// SetWebSocketClients records the number of connected clients
func (m *Metrics) SetWebSocketClients(n int) {
	if m == nil {
		return
	}
	m.wsClients.Set(float64(n))
}
