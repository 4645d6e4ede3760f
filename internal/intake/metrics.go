package intake

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	manifests *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		manifests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductd",
			Subsystem: "intake",
			Name:      "manifests_total",
			Help:      "Spooled manifests processed, by result.",
		}, []string{"result"}),
	}
}
