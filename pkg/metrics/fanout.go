package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// FanoutMetrics contains Prometheus metrics for the event fan-out hub.
type FanoutMetrics struct {
	Subscribers        prometheus.Gauge
	EventsBroadcast    *prometheus.CounterVec
	SlowSubscribers    prometheus.Counter
	SubscriberFailures *prometheus.CounterVec
}

// NewFanoutMetrics creates and registers fan-out hub metrics.
func NewFanoutMetrics(namespace string) *FanoutMetrics {
	m := &FanoutMetrics{
		Subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "fanout",
				Name:      "subscribers",
				Help:      "Number of currently connected push-channel subscribers",
			},
		),
		EventsBroadcast: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fanout",
				Name:      "events_broadcast_total",
				Help:      "Total number of events broadcast by type",
			},
			[]string{"type"},
		),
		SlowSubscribers: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fanout",
				Name:      "slow_subscribers_dropped_total",
				Help:      "Total number of subscribers disconnected for overflowing their buffer",
			},
		),
		SubscriberFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fanout",
				Name:      "subscriber_failures_total",
				Help:      "Total number of subscriber channel failures by reason",
			},
			[]string{"reason"},
		),
	}

	MustRegister(
		m.Subscribers,
		m.EventsBroadcast,
		m.SlowSubscribers,
		m.SubscriberFailures,
	)

	return m
}
