package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BrokerMetrics contains Prometheus metrics for the broker client.
type BrokerMetrics struct {
	Connects                prometheus.Counter
	Disconnects             prometheus.Counter
	ReconnectAttempts       prometheus.Counter
	MessagesConsumed        prometheus.Counter
	CommandsPublishedOK     prometheus.Counter
	CommandsPublishedFailed *prometheus.CounterVec
	PublishDuration         prometheus.Histogram
	ConnectionStatus        prometheus.Gauge
}

// NewBrokerMetrics creates and registers broker client metrics.
func NewBrokerMetrics(namespace string) *BrokerMetrics {
	m := &BrokerMetrics{
		Connects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "connects_total",
				Help:      "Total number of successful broker connections",
			},
		),
		Disconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "disconnects_total",
				Help:      "Total number of broker disconnects",
			},
		),
		ReconnectAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "reconnect_attempts_total",
				Help:      "Total number of reconnection attempts",
			},
		),
		MessagesConsumed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "messages_consumed_total",
				Help:      "Total number of device messages consumed from the broker",
			},
		),
		CommandsPublishedOK: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "commands_published_ok_total",
				Help:      "Total number of command publishes confirmed by the broker",
			},
		),
		CommandsPublishedFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "commands_published_failed_total",
				Help:      "Total number of failed command publishes",
			},
			[]string{"reason"},
		),
		PublishDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "publish_duration_seconds",
				Help:      "Duration of command publish operations including confirm wait",
				Buckets:   prometheus.DefBuckets,
			},
		),
		ConnectionStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "connection_status",
				Help:      "Current connection status (1=connected, 0=disconnected)",
			},
		),
	}

	MustRegister(
		m.Connects,
		m.Disconnects,
		m.ReconnectAttempts,
		m.MessagesConsumed,
		m.CommandsPublishedOK,
		m.CommandsPublishedFailed,
		m.PublishDuration,
		m.ConnectionStatus,
	)

	return m
}
