package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "production"

var (
	// Settlement metrics
	SettlementCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Settlement calls by operation and result",
		},
		[]string{"operation", "result"},
	)

	StockRejectionCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_rejections_total",
			Help:      "Settlements rejected because an input product lacked stock",
		},
		[]string{"operation"},
	)

	SettlementDurationHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_duration_seconds",
			Help:      "Duration of settlement transactions in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Insight metrics
	InsightsEmittedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "insights_emitted_total",
			Help:      "Insights written by the rule engine, by insight type",
		},
		[]string{"type"},
	)

	InsightFailureCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "insight_failures_total",
			Help:      "Insight events that could not be evaluated or stored",
		},
		[]string{"event_type", "stage"},
	)

	// Outbox metrics
	OutboxFailureCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_failures_total",
			Help:      "Outbox publish/process attempts that failed",
		},
		[]string{"stage"},
	)

	OutboxDeadCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_dead_total",
		Help:      "Outbox rows moved to DEAD after exhausting retries",
	})

	// Request metrics
	RequestCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	RequestDurationHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// ResultLabel folds an error into the "result" label value.
func ResultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
