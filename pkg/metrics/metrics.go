package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	receiptdesk = "receiptdesk"

	// Pipeline metrics
	attemptsTotal         = "receipt_attempts_total"
	retriesScheduledTotal = "receipt_retries_scheduled_total"
	jobsFailedTotal       = "receipt_jobs_failed_total"

	// Labels
	attemptOutcomeLabel = "outcome"
)

// Attempt outcomes recorded on the attempts counter.
const (
	AttemptOutcomeProcessed = "processed"
	AttemptOutcomeRetried   = "retried"
	AttemptOutcomeFailed    = "failed"
	AttemptOutcomeStale     = "stale"
)

var attemptOutcomeLabels = []string{
	attemptOutcomeLabel,
}

var attemptsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: receiptdesk,
		Name:      attemptsTotal,
		Help:      "number of extraction attempts partitioned by outcome",
	},
	attemptOutcomeLabels,
)

var retriesScheduledTotalMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: receiptdesk,
		Name:      retriesScheduledTotal,
		Help:      "number of retry attempts scheduled after a failed extraction",
	},
)

var jobsFailedTotalMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: receiptdesk,
		Name:      jobsFailedTotal,
		Help:      "number of receipts that exhausted all extraction attempts",
	},
)

func IncreaseAttemptsTotalMetric(outcome string) {
	labels := prometheus.Labels{
		attemptOutcomeLabel: outcome,
	}
	attemptsTotalMetric.With(labels).Inc()
}

func IncreaseRetriesScheduledMetric() {
	retriesScheduledTotalMetric.Inc()
}

func IncreaseJobsFailedMetric() {
	jobsFailedTotalMetric.Inc()
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(attemptsTotalMetric)
	prometheus.MustRegister(retriesScheduledTotalMetric)
	prometheus.MustRegister(jobsFailedTotalMetric)
}
