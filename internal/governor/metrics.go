package governor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	slotsInUse prometheus.Gauge
	waiting    prometheus.Gauge
	admitted   prometheus.Counter
	denied     *prometheus.CounterVec
	waitTime   prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		slotsInUse: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "conductd",
			Subsystem: "governor",
			Name:      "slots_in_use",
			Help:      "Delegation slots currently held.",
		}),
		waiting: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "conductd",
			Subsystem: "governor",
			Name:      "waiting",
			Help:      "Acquirers queued for admission.",
		}),
		admitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "conductd",
			Subsystem: "governor",
			Name:      "admitted_total",
			Help:      "Admissions granted.",
		}),
		denied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductd",
			Subsystem: "governor",
			Name:      "denied_total",
			Help:      "Admissions denied, by reason.",
		}, []string{"reason"}),
		waitTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "conductd",
			Subsystem: "governor",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for admission.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
}
