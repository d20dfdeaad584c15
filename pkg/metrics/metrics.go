package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetwatch/internal/model"
)

// Drop reasons for inbound events
const (
	DropMalformed = "malformed"
	DropDuplicate = "duplicate"
)

// Metrics fleet Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Event metrics
	EventsReceived        *prometheus.CounterVec
	EventsDropped         *prometheus.CounterVec
	TimestampsSubstituted prometheus.Counter

	// Snapshot metrics
	SnapshotRequests *prometheus.CounterVec
	SnapshotDuration *prometheus.HistogramVec

	// Fleet metrics
	Servers *prometheus.GaugeVec

	// Stream metrics
	StreamConnected  prometheus.Gauge
	StreamReconnects prometheus.Counter
	ViewsWatching    prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewMetrics registers the fleet metrics with reg
func NewMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetwatch_events_received_total",
			Help: "Status events applied to the fleet store by kind",
		}, []string{"kind"}),
		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetwatch_events_dropped_total",
			Help: "Inbound status events dropped by reason",
		}, []string{"reason"}),
		TimestampsSubstituted: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetwatch_timestamps_substituted_total",
			Help: "Status events whose timestamp was replaced by the receipt time",
		}),
		SnapshotRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetwatch_snapshot_requests_total",
			Help: "Snapshot API requests by operation and result",
		}, []string{"op", "result"}),
		SnapshotDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleetwatch_snapshot_request_duration_seconds",
			Help:    "Snapshot API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}, []string{"op"}),
		Servers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleetwatch_servers",
			Help: "Known GPU servers by state",
		}, []string{"state"}),
		StreamConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fleetwatch_stream_connected",
			Help: "1 while the live event subscription is established",
		}),
		StreamReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetwatch_stream_reconnects_total",
			Help: "Reconnect attempts of the live event source",
		}),
		ViewsWatching: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fleetwatch_views_watching",
			Help: "Views registered for live updates",
		}),
		gatherer: reg,
	}
}

// Handler returns the /metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordEvent(evt model.StatusEvent) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(evt.Kind).Inc()
	if evt.TimestampSubstituted {
		m.TimestampsSubstituted.Inc()
	}
}

func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(reason).Inc()
}

// RecordSnapshot records one snapshot API call
func (m *Metrics) RecordSnapshot(op string, started time.Time, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.SnapshotRequests.WithLabelValues(op, result).Inc()
	m.SnapshotDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// SetStatistics publishes fleet statistics as gauges
func (m *Metrics) SetStatistics(stats model.FleetStatistics) {
	if m == nil {
		return
	}
	m.Servers.WithLabelValues("total").Set(float64(stats.TotalServers))
	m.Servers.WithLabelValues("active").Set(float64(stats.ActiveServers))
	m.Servers.WithLabelValues("idle").Set(float64(stats.IdleServers))
}

func (m *Metrics) SetStreamConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.StreamConnected.Set(1)
	} else {
		m.StreamConnected.Set(0)
	}
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.StreamReconnects.Inc()
}

func (m *Metrics) SetViewsWatching(n int) {
	if m == nil {
		return
	}
	m.ViewsWatching.Set(float64(n))
}
