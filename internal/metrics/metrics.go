package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors are registered on the default registry and served on /metrics.
var (
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stripesync",
		Name:      "webhook_events_total",
		Help:      "Webhook events received, by event type and outcome.",
	}, []string{"type", "outcome"})

	WebhookDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "stripesync",
		Name:      "webhook_processing_seconds",
		Help:      "Time spent verifying and applying one webhook event.",
		Buckets:   prometheus.DefBuckets,
	})

	BackfillRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stripesync",
		Name:      "backfill_records_total",
		Help:      "Records upserted by backfill, by entity kind.",
	}, []string{"object"})

	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stripesync",
		Name:      "sync_runs_total",
		Help:      "Sync runs finished, by terminal status.",
	}, []string{"status"})

	StaleRunsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stripesync",
		Name:      "stale_runs_cancelled_total",
		Help:      "Sync runs cancelled by stale-run detection.",
	})

	StreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stripesync",
		Name:      "stream_reconnects_total",
		Help:      "Live-stream session establishments.",
	})
)

// Outcome labels for WebhookEvents.
const (
	OutcomeProcessed = "processed"
	OutcomeIgnored   = "ignored"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// ObserveWebhook records one webhook round trip.
func ObserveWebhook(eventType, outcome string, start time.Time) {
	WebhookEvents.WithLabelValues(eventType, outcome).Inc()
	WebhookDuration.Observe(time.Since(start).Seconds())
}
