package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the call agent
type Metrics struct {
	// Call Metrics
	callsTotal       *prometheus.CounterVec
	callsActive      prometheus.Gauge
	callsDuration    *prometheus.HistogramVec
	callsFailedTotal *prometheus.CounterVec

	// Signaling Metrics
	signalingMessagesTotal  *prometheus.CounterVec
	signalingReconnectTotal prometheus.Counter
	signalingErrorsTotal    *prometheus.CounterVec

	// Media Metrics
	peerConnectionsActive prometheus.Gauge
	remoteStreamsTotal    prometheus.Counter

	// Record Store Metrics
	storeQueryDuration *prometheus.HistogramVec
	storeErrorsTotal   *prometheus.CounterVec
	storeRetriesTotal  prometheus.Counter

	// Realtime Feed Metrics
	feedEventsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(serviceName string) *Metrics {
	constLabels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		callsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Total number of calls by type and outcome",
				ConstLabels: constLabels,
			},
			[]string{"call_type", "status"},
		),
		callsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of currently active calls",
				ConstLabels: constLabels,
			},
		),
		callsDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "calls_duration_seconds",
				Help:        "Call duration in seconds",
				ConstLabels: constLabels,
				Buckets:     []float64{10, 30, 60, 180, 600, 1800, 3600},
			},
			[]string{"call_type"},
		),
		callsFailedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_failed_total",
				Help:        "Total number of failed call attempts",
				ConstLabels: constLabels,
			},
			[]string{"call_type", "reason"},
		),
		signalingMessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_messages_total",
				Help:        "Total signaling messages by type and direction",
				ConstLabels: constLabels,
			},
			[]string{"type", "direction"},
		),
		signalingReconnectTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name:        "signaling_reconnects_total",
				Help:        "Total signaling channel reconnect attempts",
				ConstLabels: constLabels,
			},
		),
		signalingErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_errors_total",
				Help:        "Total signaling channel errors",
				ConstLabels: constLabels,
			},
			[]string{"error"},
		),
		peerConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "peer_connections_active",
				Help:        "Number of open peer connections",
				ConstLabels: constLabels,
			},
		),
		remoteStreamsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name:        "remote_streams_total",
				Help:        "Total remote streams received",
				ConstLabels: constLabels,
			},
		),
		storeQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "store_query_duration_seconds",
				Help:        "Call record store query latency in seconds",
				ConstLabels: constLabels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		storeErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "store_errors_total",
				Help:        "Total call record store errors",
				ConstLabels: constLabels,
			},
			[]string{"operation"},
		),
		storeRetriesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name:        "store_retries_total",
				Help:        "Total call record store retries after transient errors",
				ConstLabels: constLabels,
			},
		),
		feedEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "feed_events_total",
				Help:        "Total realtime feed events by table",
				ConstLabels: constLabels,
			},
			[]string{"table", "kind"},
		),
	}
}

// Call metrics

func (m *Metrics) RecordCall(callType, status string) {
	m.callsTotal.WithLabelValues(callType, status).Inc()
}

func (m *Metrics) SetActiveCalls(count int) {
	m.callsActive.Set(float64(count))
}

func (m *Metrics) RecordCallDuration(callType string, duration time.Duration) {
	m.callsDuration.WithLabelValues(callType).Observe(duration.Seconds())
}

func (m *Metrics) RecordCallFailure(callType, reason string) {
	m.callsFailedTotal.WithLabelValues(callType, reason).Inc()
}

// Signaling metrics

func (m *Metrics) RecordSignalingMessage(msgType, direction string) {
	m.signalingMessagesTotal.WithLabelValues(msgType, direction).Inc()
}

func (m *Metrics) RecordSignalingReconnect() {
	m.signalingReconnectTotal.Inc()
}

func (m *Metrics) RecordSignalingError(errName string) {
	m.signalingErrorsTotal.WithLabelValues(errName).Inc()
}

// Media metrics

func (m *Metrics) SetPeerConnections(count int) {
	m.peerConnectionsActive.Set(float64(count))
}

func (m *Metrics) RecordRemoteStream() {
	m.remoteStreamsTotal.Inc()
}

// Record store metrics

func (m *Metrics) RecordStoreQuery(operation string, duration time.Duration, err error) {
	m.storeQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storeErrorsTotal.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordStoreRetry() {
	m.storeRetriesTotal.Inc()
}

// Feed metrics

func (m *Metrics) RecordFeedEvent(table, kind string) {
	m.feedEventsTotal.WithLabelValues(table, kind).Inc()
}
