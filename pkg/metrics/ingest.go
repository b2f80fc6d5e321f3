package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// IngestMetrics contains Prometheus metrics for the ingest worker.
type IngestMetrics struct {
	MessagesProcessed  prometheus.Counter
	MessagesDeadLetter *prometheus.CounterVec
	MessagesRequeued   prometheus.Counter
	ProcessDuration    prometheus.Histogram
}

// NewIngestMetrics creates and registers ingest worker metrics.
func NewIngestMetrics(namespace string) *IngestMetrics {
	m := &IngestMetrics{
		MessagesProcessed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "messages_processed_total",
				Help:      "Total number of device messages fully processed and acknowledged",
			},
		),
		MessagesDeadLetter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "messages_dead_lettered_total",
				Help:      "Total number of messages routed to the dead-letter queue",
			},
			[]string{"reason"},
		),
		MessagesRequeued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "messages_requeued_total",
				Help:      "Total number of messages returned to the broker for redelivery",
			},
		),
		ProcessDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "process_duration_seconds",
				Help:      "Duration of single-message processing",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	MustRegister(
		m.MessagesProcessed,
		m.MessagesDeadLetter,
		m.MessagesRequeued,
		m.ProcessDuration,
	)

	return m
}
