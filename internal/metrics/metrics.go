package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Idempotency guard outcomes
const (
	OutcomeExecuted      = "executed"
	OutcomeReplayed      = "replayed"
	OutcomeInProgress    = "in_progress"
	OutcomeRetriedFailed = "retried_failed"
	OutcomeExpired       = "expired"
	OutcomeRejected      = "rejected"
	OutcomeUnprotected   = "unprotected"
	OutcomeFailOpen      = "fail_open"
)

var (
	IdempotencyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotency_requests_total",
			Help: "Guarded requests by idempotency decision",
		},
		[]string{"outcome"},
	)

	IdempotencyRecordsSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "idempotency_records_swept_total",
			Help: "Expired idempotency records deleted by the sweeper",
		},
	)

	DerivationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "derivation_duration_seconds",
			Help:    "Duration of purchase derivations (risk, price, supplier, timeline)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

var registerOnce sync.Once

// Register registers all collectors with the default registry. Safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(IdempotencyRequestsTotal)
		prometheus.MustRegister(IdempotencyRecordsSweptTotal)
		prometheus.MustRegister(DerivationDuration)
	})
}
