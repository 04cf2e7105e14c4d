// Package metrics provides Prometheus exporters for application metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the contribution ledger.
var (
	// Gateway counters.
	FactsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_facts_received_total",
			Help: "Total number of lifecycle facts processed, by type and outcome",
		},
		[]string{"fact_type", "outcome"},
	)

	FactRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_fact_retries_total",
			Help: "Total number of retries after transient storage failures",
		},
		[]string{"fact_type"},
	)

	DeadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_dead_letters_total",
			Help: "Total number of facts dead-lettered for operator inspection",
		},
		[]string{"error_class"},
	)

	DeliveryDedupeHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_delivery_dedupe_hits_total",
			Help: "Total number of redeliveries short-circuited by the delivery cache",
		},
	)

	WebhookAuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_webhook_auth_failures_total",
			Help: "Total number of inbound requests rejected for a bad signature or token",
		},
		[]string{"source"},
	)

	// Reputation metrics.
	EloEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_elo_events_total",
			Help: "Total number of ELO events written to the audit trail",
		},
		[]string{"event_type"},
	)

	EloDelta = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_elo_delta",
			Help:    "Applied ELO delta per event",
			Buckets: prometheus.LinearBuckets(-30, 5, 13), // -30 to +30
		},
		[]string{"event_type"},
	)

	ReviewBonusCappedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_review_bonus_capped_total",
			Help: "Total number of high-ELO approvals recorded without credit due to the rate cap",
		},
	)

	AgentsByTier = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledger_agents_by_tier",
			Help: "Current number of agents in each tier",
		},
		[]string{"tier"},
	)

	ReplayDriftTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_replay_drift_total",
			Help: "Total number of agents whose audit trail replay disagreed with the stored ELO",
		},
	)

	// Sweeper metrics.
	SweeperRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_sweeper_runs_total",
			Help: "Total longevity sweeper executions",
		},
		[]string{"status"},
	)

	SweeperBonusesPaidTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_sweeper_bonuses_paid_total",
			Help: "Total longevity bonuses paid by the sweeper",
		},
	)

	SweeperLastRunTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_sweeper_last_run_timestamp",
			Help: "Unix timestamp of last sweeper run",
		},
	)

	SweeperDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledger_sweeper_duration_seconds",
			Help:    "Time taken to execute a longevity sweep",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
	)
)

// RecordFact records a processed fact and its outcome.
func RecordFact(factType, outcome string) {
	FactsReceivedTotal.WithLabelValues(factType, outcome).Inc()
}

// RecordFactRetry records a retry after a transient failure.
func RecordFactRetry(factType string) {
	FactRetriesTotal.WithLabelValues(factType).Inc()
}

// RecordDeadLetter records a dead-lettered fact.
func RecordDeadLetter(errorClass string) {
	DeadLettersTotal.WithLabelValues(errorClass).Inc()
}

// RecordDedupeHit records a redelivery caught by the delivery cache.
func RecordDedupeHit() {
	DeliveryDedupeHitsTotal.Inc()
}

// RecordAuthFailure records a rejected signature or token.
func RecordAuthFailure(source string) {
	WebhookAuthFailuresTotal.WithLabelValues(source).Inc()
}

// RecordEloEvent records an audit trail append and its applied delta.
func RecordEloEvent(eventType string, delta int) {
	EloEventsTotal.WithLabelValues(eventType).Inc()
	EloDelta.WithLabelValues(eventType).Observe(float64(delta))
}

// RecordReviewBonusCapped records an approval that earned no credit.
func RecordReviewBonusCapped() {
	ReviewBonusCappedTotal.Inc()
}

// SetAgentsByTier sets the number of agents in a tier.
func SetAgentsByTier(tier string, count int64) {
	AgentsByTier.WithLabelValues(tier).Set(float64(count))
}

// RecordReplayDrift records an agent whose replay disagreed with its ELO.
func RecordReplayDrift() {
	ReplayDriftTotal.Inc()
}

// RecordSweeperRun records a sweeper execution.
func RecordSweeperRun(status string) {
	SweeperRunsTotal.WithLabelValues(status).Inc()
}

// RecordLongevityBonusPaid records one longevity bonus.
func RecordLongevityBonusPaid() {
	SweeperBonusesPaidTotal.Inc()
}

// SetSweeperLastRun sets the timestamp of the last sweeper run.
func SetSweeperLastRun() {
	SweeperLastRunTimestamp.SetToCurrentTime()
}

// ObserveSweeperDuration observes the duration of a sweep.
func ObserveSweeperDuration(seconds float64) {
	SweeperDurationSeconds.Observe(seconds)
}
