// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatemux",
		Name:      "requests_total",
		Help:      "Requests processed, by capability and final status.",
	}, []string{"capability", "status"})

	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gatemux",
		Name:      "step_duration_seconds",
		Help:      "Pipeline step execution time.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"step", "status"})

	UpstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gatemux",
		Name:      "upstream_latency_seconds",
		Help:      "Upstream provider round-trip time.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"provider", "model"})

	SelectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatemux",
		Name:      "routing_selections_total",
		Help:      "Routing decisions, by strategy and affinity short-circuit.",
	}, []string{"strategy", "from_affinity"})

	CooldownsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatemux",
		Name:      "routing_cooldowns_total",
		Help:      "Candidates entering cooldown.",
	}, []string{"provider"})

	BillingRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatemux",
		Name:      "billing_rejections_total",
		Help:      "Deductions rejected by balance or quota checks.",
	}, []string{"reason"})

	BillingDeducted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatemux",
		Name:      "billing_deducted_amount_total",
		Help:      "Total amount deducted from tenant balances.",
	}, []string{"tenant"})

	CacheInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatemux",
		Name:      "cache_invalidations_total",
		Help:      "Cache invalidation events dispatched, by event name.",
	}, []string{"event"})

	ReconcilerCorrections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gatemux",
		Name:      "ledger_reconciler_corrections_total",
		Help:      "Quota mirror entries overwritten by the reconciler.",
	})

	DBConnectionPoolSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gatemux",
		Name:      "db_connection_pool_size",
		Help:      "Ledger database connection pool state.",
	}, []string{"state"})
)

// ObserveStep records one pipeline step execution.
func ObserveStep(step, status string, elapsed time.Duration) {
	StepDuration.WithLabelValues(step, status).Observe(elapsed.Seconds())
}
