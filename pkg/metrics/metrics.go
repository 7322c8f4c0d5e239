package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Generation outcome metrics
	GenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studyforge_generations_total",
			Help: "Generation requests by outcome (success, cache_hit, busy, quota_exceeded, failed)",
		},
		[]string{"outcome"},
	)

	GenerationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "studyforge_generation_duration_seconds",
			Help:    "Wall-clock duration of upstream generation calls",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60, 90},
		},
	)

	ResponseCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "studyforge_response_cache_entries",
			Help: "Live entries in the in-process generation response cache",
		},
	)

	// Billing metrics
	CreditsSpentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "studyforge_credits_spent_total",
			Help: "Credits decremented by successful generations",
		},
	)

	CreditsGrantedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "studyforge_credits_granted_total",
			Help: "Credits granted through credit pack purchases",
		},
	)

	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studyforge_webhook_events_total",
			Help: "Stripe webhook events by type and result",
		},
		[]string{"event_type", "result"},
	)
)

// RecordOutcome increments the generation counter for an outcome label
func RecordOutcome(outcome string) {
	GenerationsTotal.WithLabelValues(outcome).Inc()
}
