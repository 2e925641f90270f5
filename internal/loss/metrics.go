package loss

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	evaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaeloss_evaluations_total",
		Help: "Total number of loss evaluations",
	}, []string{"variant", "split"})

	lastComponent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vaeloss_last_component",
		Help: "Value of each loss component at the last evaluation",
	}, []string{"variant", "split", "component"})

	perceptualDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vaeloss_perceptual_duration_seconds",
		Help:    "Time spent in the perceptual distance collaborator",
		Buckets: prometheus.DefBuckets,
	})
)

func observe(variant, split string, r Result) {
	evaluations.WithLabelValues(variant, split).Inc()
	lastComponent.WithLabelValues(variant, split, "total").Set(r.Loss)
	lastComponent.WithLabelValues(variant, split, "nll").Set(r.NLL)
	lastComponent.WithLabelValues(variant, split, "kl").Set(r.KL)
	lastComponent.WithLabelValues(variant, split, "rec").Set(r.Rec)
	lastComponent.WithLabelValues(variant, split, "logvar").Set(r.LogVar)
}
