package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_ledger_http_requests_total",
			Help: "Total number of HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	// Ingestion metrics
	FactsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_ledger_facts_ingested_total",
			Help: "Total number of activity facts ingested, by adapter and result",
		},
		[]string{"adapter", "result"},
	)

	CollectBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_ledger_collect_batches_total",
			Help: "Total number of adapter batches processed",
		},
		[]string{"adapter"},
	)

	CollectErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_ledger_collect_errors_total",
			Help: "Total number of failed adapter fetches or batch writes",
		},
		[]string{"adapter"},
	)

	// Epoch metrics
	EpochsClosedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_ledger_epochs_closed_total",
			Help: "Total number of epochs closed",
		},
	)

	CloseDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telhawk_ledger_close_duration_seconds",
			Help:    "Duration of epoch close in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CreditsDistributedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_ledger_credits_distributed_total",
			Help: "Total credits distributed by original payout statements",
		},
	)

	// Verification metrics
	VerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_ledger_verifications_total",
			Help: "Total number of epoch verifications by outcome",
		},
		[]string{"outcome"},
	)

	// Keyed run metrics
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_ledger_runs_total",
			Help: "Total number of keyed operations by operation and status",
		},
		[]string{"operation", "status"},
	)
)
