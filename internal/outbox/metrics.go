package outbox

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	eventsTotal     *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
	backlog         *prometheus.GaugeVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		eventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_events_total",
			Help: "Outbox events processed by the relay, by kind and result.",
		}, []string{"kind", "result"}),
		dispatchLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "outbox_dispatch_latency_seconds",
			Help:    "Latency of notification dispatch for outbox events.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"kind"}),
		backlog: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "outbox_events",
			Help: "Outbox events currently in each status.",
		}, []string{"status"}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}

// Relay results.
const (
	resultDelivered = "delivered"
	resultRetry     = "retry"
	resultDead      = "dead"
)
