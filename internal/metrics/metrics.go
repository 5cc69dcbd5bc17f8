package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// APIRequestsTotal counts entitlement API requests by route and status.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Total entitlement API requests by route and HTTP status.",
	}, []string{"route", "status"})

	// WebhookRequestsTotal counts gateway webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Total payment webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "billing",
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Payment webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// WebhookOutcomes counts terminal webhook states. Acknowledged-but-unapplied
	// outcomes (no_identity, no_uid, store_failed) need manual reconciliation.
	WebhookOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Subsystem: "webhook",
		Name:      "outcomes_total",
		Help:      "Payment webhook terminal outcomes.",
	}, []string{"outcome"})

	// IdentitySources counts which extraction path identified the payer.
	IdentitySources = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Subsystem: "webhook",
		Name:      "identity_sources_total",
		Help:      "Payer identity extraction path used by the webhook ingestor.",
	}, []string{"source"})

	// UIDDivergence counts emails where the identity directory and the store index disagree.
	UIDDivergence = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "billing",
		Subsystem: "webhook",
		Name:      "uid_divergence_total",
		Help:      "Emails resolving to different uids in the identity directory and the store index.",
	})

	// CorrectionsTotal counts self-healing writes issued on resolution.
	CorrectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Subsystem: "entitlement",
		Name:      "corrections_total",
		Help:      "Self-healing entitlement corrections by reason and result.",
	}, []string{"reason", "result"})

	// ResolutionsTotal counts entitlement resolutions by resolved tier.
	ResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Subsystem: "entitlement",
		Name:      "resolutions_total",
		Help:      "Entitlement resolutions by tier (or unavailable).",
	}, []string{"tier"})

	// UsageIncrements counts metering writes by result.
	UsageIncrements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Subsystem: "entitlement",
		Name:      "usage_increments_total",
		Help:      "Usage metering increments by result.",
	}, []string{"result"})

	// OrderAttempts counts gateway order-creation attempts by attempt number and result.
	OrderAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Subsystem: "orders",
		Name:      "attempts_total",
		Help:      "Payment gateway order creation attempts.",
	}, []string{"attempt", "result"})

	// DeliveriesTotal counts scheduled delivery sends by result.
	DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Subsystem: "delivery",
		Name:      "sends_total",
		Help:      "Scheduled delivery sends by result.",
	}, []string{"result"})
)
