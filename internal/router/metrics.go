package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	delegations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	attempts    prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		delegations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductd",
			Subsystem: "router",
			Name:      "delegations_total",
			Help:      "Routed delegations, by role and final outcome.",
		}, []string{"role", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "conductd",
			Subsystem: "router",
			Name:      "duration_seconds",
			Help:      "End-to-end delegation duration, by role.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"role"}),
		attempts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "conductd",
			Subsystem: "router",
			Name:      "attempts",
			Help:      "Backend attempts per delegation.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}),
	}
}
