package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DispatchMetrics contains Prometheus metrics for the command dispatcher.
type DispatchMetrics struct {
	CommandsDispatched *prometheus.CounterVec
	PublishRetries     prometheus.Counter
	DispatchDuration   prometheus.Histogram
}

// NewDispatchMetrics creates and registers command dispatcher metrics.
func NewDispatchMetrics(namespace string) *DispatchMetrics {
	m := &DispatchMetrics{
		CommandsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "commands_total",
				Help:      "Total number of dispatched commands by terminal delivery state",
			},
			[]string{"state"},
		),
		PublishRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "publish_retries_total",
				Help:      "Total number of command publish retries",
			},
		),
		DispatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "dispatch_duration_seconds",
				Help:      "Duration of command dispatch including retries",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	MustRegister(
		m.CommandsDispatched,
		m.PublishRetries,
		m.DispatchDuration,
	)

	return m
}
