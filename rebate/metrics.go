package rebate

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics
var (
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebate_transitions_total",
			Help: "Rebate configuration changes by target type, effect type and outcome",
		},
		[]string{"target_type", "effect_type", "outcome"},
	)

	syncTalentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebate_sync_talents_total",
			Help: "Talents processed by agency sync, by result",
		},
		[]string{"result"},
	)

	resolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebate_resolutions_total",
			Help: "Effective rate resolutions by winning source",
		},
		[]string{"source"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rebate_operation_duration_seconds",
			Help:    "Duration of rebate engine operations",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)
)

func observe(operation string, start time.Time) {
	operationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsClientError(err):
		return "rejected"
	case IsNotFound(err):
		return "not_found"
	case IsRetryable(err):
		return "conflict"
	default:
		return "error"
	}
}
