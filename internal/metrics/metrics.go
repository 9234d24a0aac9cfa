// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wikimap_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wikimap_api_request_duration_seconds",
			Help:    "API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	VotesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wikimap_votes_total",
			Help: "Votes cast, by subject (proposal, pending_poi) and value",
		},
		[]string{"subject", "vote"},
	)

	ResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wikimap_resolutions_total",
			Help: "Proposals and pending POIs leaving the pending state",
		},
		[]string{"subject", "status", "via"},
	)

	XPAwardedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wikimap_xp_awarded_total",
			Help: "Sum of XP deltas written to the ledger, by reason",
		},
		[]string{"reason"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wikimap_cache_lookups_total",
			Help: "Named cache lookups by result (hit, miss, error)",
		},
		[]string{"cache", "result"},
	)

	CacheInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wikimap_cache_invalidations_total",
			Help: "Named cache invalidations, by scope (key, all)",
		},
		[]string{"cache", "scope"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wikimap_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	SweepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wikimap_scheduled_job_runs_total",
			Help: "Scheduled job executions by job and result",
		},
		[]string{"job", "result"},
	)
)

func RecordAPIRequest(method, route string, status int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func RecordVote(subject string, vote int) {
	VotesTotal.WithLabelValues(subject, strconv.Itoa(vote)).Inc()
}

func RecordResolution(subject, status, via string) {
	ResolutionsTotal.WithLabelValues(subject, status, via).Inc()
}

// RecordXP adds |delta| to the reason's counter; the sign is carried by the
// reason itself.
func RecordXP(reason string, delta int) {
	if delta < 0 {
		delta = -delta
	}
	XPAwardedTotal.WithLabelValues(reason).Add(float64(delta))
}
