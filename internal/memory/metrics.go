package memory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	writes     *prometheus.CounterVec
	searches   prometheus.Counter
	redactions prometheus.Counter
	records    *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		writes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductd",
			Subsystem: "memory",
			Name:      "writes_total",
			Help:      "Records written, by tier.",
		}, []string{"tier"}),
		searches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "conductd",
			Subsystem: "memory",
			Name:      "searches_total",
			Help:      "Long-term searches executed.",
		}),
		redactions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "conductd",
			Subsystem: "memory",
			Name:      "redactions_total",
			Help:      "Secrets redacted from record values before persisting.",
		}),
		records: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "conductd",
			Subsystem: "memory",
			Name:      "records",
			Help:      "Records currently held, by tier.",
		}, []string{"tier"}),
	}
}
