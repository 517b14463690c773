// Package metrics registers the Prometheus instruments for the generation
// pipeline. All counters are package-level so any component can record
// without plumbing a registry through every constructor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GenerationsSubmitted counts accepted generation requests by provider.
	GenerationsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "morphify_generations_submitted_total",
		Help: "Generation requests accepted and enqueued, by provider.",
	}, []string{"provider"})

	// GenerationsCompleted counts generation jobs by terminal outcome.
	GenerationsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "morphify_generations_completed_total",
		Help: "Generation jobs reaching a terminal outcome, by provider and outcome (generated|failed).",
	}, []string{"provider", "outcome"})

	// ReservationsCommitted counts holds converted into charges.
	ReservationsCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "morphify_reservations_committed_total",
		Help: "Reservations committed (credits charged).",
	})

	// ReservationsRefunded counts holds released without charge.
	ReservationsRefunded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "morphify_reservations_refunded_total",
		Help: "Reservations cancelled (held credits released).",
	})

	// CreditsCharged totals credits actually debited.
	CreditsCharged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "morphify_credits_charged_total",
		Help: "Credits debited from accounts via committed reservations.",
	})

	// JobRetries counts retry deliveries by queue.
	JobRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "morphify_job_retries_total",
		Help: "Job deliveries beyond the first attempt, by queue.",
	}, []string{"queue"})

	// WebhooksReceived counts inbound provider webhooks by provider and result.
	WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "morphify_webhooks_received_total",
		Help: "Provider webhooks received, by provider and result (applied|replay|rejected|error).",
	}, []string{"provider", "result"})

	// MaterializationDuration observes time from provider output to durable storage.
	MaterializationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "morphify_materialization_duration_seconds",
		Help:    "Time to move one generated image into durable storage.",
		Buckets: prometheus.DefBuckets,
	})
)
