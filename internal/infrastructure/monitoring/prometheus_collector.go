package monitoring

import (
	"time"

	"telesignal/internal/core/domain"
	"telesignal/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.SignalingMetrics.
type PrometheusCollector struct {
	connectionsActive  prometheus.Gauge
	connectionsTotal   prometheus.Counter
	connectionDuration prometheus.Histogram
	messagesReceived   prometheus.Counter
	messageBytes       prometheus.Counter
	messagesDropped    *prometheus.CounterVec
	deliveries         *prometheus.CounterVec
	evictions          *prometheus.CounterVec
	credentialRequests *prometheus.CounterVec
	credentialDuration prometheus.Histogram
}

var _ ports.SignalingMetrics = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the signaling metrics with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "telesignal_connections_active",
			Help: "Number of open signaling connections",
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "telesignal_connections_total",
			Help: "Total number of accepted signaling connections",
		}),

		connectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "telesignal_connection_duration_seconds",
			Help:    "Lifetime of signaling connections",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),

		messagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "telesignal_messages_received_total",
			Help: "Signaling messages received from peers",
		}),

		messageBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "telesignal_message_bytes_total",
			Help: "Bytes of signaling payload received from peers",
		}),

		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "telesignal_messages_dropped_total",
			Help: "Inbound messages dropped before fan-out",
		}, []string{"reason"}),

		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "telesignal_deliveries_total",
			Help: "Per-peer delivery attempts by result",
		}, []string{"result"}),

		evictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "telesignal_evictions_total",
			Help: "Connections removed after a failed delivery",
		}, []string{"reason"}),

		credentialRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "telesignal_ice_credential_requests_total",
			Help: "ICE credential requests by the tier that answered",
		}, []string{"source"}),

		credentialDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "telesignal_ice_credential_duration_seconds",
			Help:    "Time spent resolving ICE credentials",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}),
	}
}

func (p *PrometheusCollector) RecordConnectionOpened() {
	p.connectionsActive.Inc()
	p.connectionsTotal.Inc()
}

func (p *PrometheusCollector) RecordConnectionClosed(duration time.Duration) {
	p.connectionsActive.Dec()
	p.connectionDuration.Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordMessageReceived(size int) {
	p.messagesReceived.Inc()
	p.messageBytes.Add(float64(size))
}

func (p *PrometheusCollector) RecordMessageDropped(reason string) {
	p.messagesDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RecordDelivery(report ports.DeliveryReport) {
	if report.Delivered > 0 {
		p.deliveries.WithLabelValues("ok").Add(float64(report.Delivered))
	}
	if report.Failed > 0 {
		p.deliveries.WithLabelValues("failed").Add(float64(report.Failed))
	}
}

func (p *PrometheusCollector) RecordEviction(reason string) {
	p.evictions.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RecordCredentialRequest(source domain.CredentialSource, duration time.Duration) {
	p.credentialRequests.WithLabelValues(string(source)).Inc()
	p.credentialDuration.Observe(duration.Seconds())
}
