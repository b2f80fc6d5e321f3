package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RegistryMetrics contains Prometheus metrics for the device registry.
type RegistryMetrics struct {
	DevicesKnown      prometheus.Gauge
	DevicesOnline     prometheus.Gauge
	DevicesRegistered prometheus.Counter
	StatusTransitions *prometheus.CounterVec
	SweepDuration     prometheus.Histogram
}

// NewRegistryMetrics creates and registers device registry metrics.
func NewRegistryMetrics(namespace string) *RegistryMetrics {
	m := &RegistryMetrics{
		DevicesKnown: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "devices_known",
				Help:      "Number of devices currently known to the registry",
			},
		),
		DevicesOnline: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "devices_online",
				Help:      "Number of devices currently considered online",
			},
		),
		DevicesRegistered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "devices_registered_total",
				Help:      "Total number of devices auto-registered",
			},
		),
		StatusTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "status_transitions_total",
				Help:      "Total number of device status transitions",
			},
			[]string{"from", "to"},
		),
		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "sweep_duration_seconds",
				Help:      "Duration of liveness sweep passes",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	MustRegister(
		m.DevicesKnown,
		m.DevicesOnline,
		m.DevicesRegistered,
		m.StatusTransitions,
		m.SweepDuration,
	)

	return m
}
