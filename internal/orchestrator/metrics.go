package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	workflows *prometheus.CounterVec
	duration  prometheus.Histogram
	health    prometheus.Histogram
	tasks     *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		workflows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductd",
			Subsystem: "orchestrator",
			Name:      "workflows_total",
			Help:      "Workflows settled, by terminal state.",
		}, []string{"state"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "conductd",
			Subsystem: "orchestrator",
			Name:      "workflow_duration_seconds",
			Help:      "Wall time from workflow start to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		health: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "conductd",
			Subsystem: "orchestrator",
			Name:      "workflow_health_score",
			Help:      "Health score observed at validation.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		tasks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductd",
			Subsystem: "orchestrator",
			Name:      "tasks_total",
			Help:      "Task outcomes applied to workflow graphs.",
		}, []string{"status"}),
	}
}
