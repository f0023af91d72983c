// Package metrics holds the Prometheus collectors of the intake worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intake",
			Name:      "events_processed_total",
			Help:      "Queued events processed, by discriminator and terminal state",
		},
		[]string{"discriminator", "state"},
	)

	EventDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "intake",
			Name:      "event_duration_seconds",
			Help:      "Time spent processing one queued event",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"discriminator"},
	)

	EventsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "intake",
			Name:      "events_in_flight",
			Help:      "Events currently being processed",
		},
	)

	Problems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intake",
			Name:      "problems_total",
			Help:      "Problems recorded on event outcomes, by kind and severity",
		},
		[]string{"kind", "severity"},
	)

	IdgenRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "idgen",
			Name:      "requests_total",
			Help:      "Identifier generation requests, by result",
		},
		[]string{"status"},
	)

	IdgenDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "intake",
			Subsystem: "idgen",
			Name:      "request_duration_seconds",
			Help:      "Duration of identifier generation requests",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	DLQParked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intake",
			Name:      "dlq_parked_total",
			Help:      "Events parked on the dead letter stream, by reason",
		},
		[]string{"reason"},
	)

	ObservationsAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "intake",
			Name:      "observations_appended_total",
			Help:      "Coded observations appended to registered persons",
		},
	)
)
