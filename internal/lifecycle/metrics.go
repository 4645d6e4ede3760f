package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	moves    *prometheus.CounterVec
	retries  prometheus.Counter
	failures prometheus.Counter
	specs    *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		moves: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductd",
			Subsystem: "lifecycle",
			Name:      "moves_total",
			Help:      "Verified stage moves by destination stage.",
		}, []string{"to"}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "conductd",
			Subsystem: "lifecycle",
			Name:      "move_retries_total",
			Help:      "Stage moves retried after failing verification.",
		}),
		failures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "conductd",
			Subsystem: "lifecycle",
			Name:      "move_failures_total",
			Help:      "Stage moves abandoned after exhausting retries.",
		}),
		specs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "conductd",
			Subsystem: "lifecycle",
			Name:      "specifications",
			Help:      "Specifications currently in each stage.",
		}, []string{"stage"}),
	}
}
