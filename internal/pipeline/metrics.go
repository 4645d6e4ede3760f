package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	builds           *prometheus.CounterVec
	overflows        prometheus.Counter
	payloadTokens    prometheus.Histogram
	compressionRatio prometheus.Histogram
	retention        prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		builds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductd",
			Subsystem: "pipeline",
			Name:      "builds_total",
			Help:      "Payloads built, by role.",
		}, []string{"role"}),
		overflows: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "conductd",
			Subsystem: "pipeline",
			Name:      "overflow_total",
			Help:      "Builds abandoned because the budget could not be met.",
		}),
		payloadTokens: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "conductd",
			Subsystem: "pipeline",
			Name:      "payload_tokens",
			Help:      "Final payload size in tokens.",
			Buckets:   prometheus.ExponentialBuckets(64, 2, 10),
		}),
		compressionRatio: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "conductd",
			Subsystem: "pipeline",
			Name:      "compression_ratio",
			Help:      "Original payload tokens over final payload tokens.",
			Buckets:   []float64{1, 1.5, 2, 3, 5, 8, 13, 21, 34},
		}),
		retention: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "conductd",
			Subsystem: "pipeline",
			Name:      "keyword_retention",
			Help:      "Keyword retention after compression.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 9),
		}),
	}
}
