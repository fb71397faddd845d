package detection

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instrumentation for the Detection Engine.
type Metrics struct {
	EventsProcessed  *prometheus.CounterVec
	EntropyObserved  *prometheus.HistogramVec
	ThreatsDetected  *prometheus.CounterVec
	LockdownsIssued  *prometheus.CounterVec
	ContainmentFails *prometheus.CounterVec
}

// NewMetrics registers and returns the engine's metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		EventsProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "detection_events_processed_total",
				Help: "Total FileEvents consumed from the file_events topic",
			},
			[]string{"node_id", "event_kind"},
		),
		EntropyObserved: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "detection_entropy_observed",
				Help:    "Shannon entropy carried by incoming FileEvents",
				Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 7.5, 8},
			},
			[]string{"node_id"},
		),
		ThreatsDetected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "detection_threats_detected_total",
				Help: "Events classified SUSPECTED or CONFIRMED",
			},
			[]string{"node_id", "severity"},
		),
		LockdownsIssued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "detection_lockdowns_issued_total",
				Help: "Containment RPC calls that returned without error, by target node",
			},
			[]string{"target_node"},
		),
		ContainmentFails: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "detection_containment_rpc_failures_total",
				Help: "Containment RPC calls that returned an error",
			},
			[]string{"target_node"},
		),
	}
}
