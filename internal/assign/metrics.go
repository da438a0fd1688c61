package assign

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	attempts        *prometheus.CounterVec
	score           prometheus.Histogram
	scoringDuration prometheus.Histogram
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		attempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "assignment_attempts_total",
			Help: "Assignment operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		score: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "assignment_score",
			Help:    "Top candidate score of each scoring pass.",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
		scoringDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "assignment_scoring_duration_seconds",
			Help:    "Time to filter, profile and score a firm's candidates.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}

// Operation labels.
const (
	opAssign    = "assign"
	opManual    = "manual"
	opOverride  = "override"
	opRecommend = "recommend"
)

// outcomeOf labels a finished operation.
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsValidation(err):
		return "validation_error"
	case IsStateConflict(err):
		return "conflict"
	case IsPermission(err):
		return "permission_denied"
	case IsCollaboratorUnavailable(err):
		return "unavailable"
	default:
		return "error"
	}
}
