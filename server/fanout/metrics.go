package fanout

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks aggregation activity.
type Metrics struct {
	AggregationsTotal prometheus.Counter
	ActiveVariants    prometheus.Gauge
	VariantsTotal     *prometheus.CounterVec
	VariantDuration   prometheus.Histogram
}

// NewMetrics creates fan-out metrics and registers them with registerer.
// A nil registerer leaves them unregistered, which is convenient in tests.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		AggregationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shopfront_fanout_aggregations_total",
			Help: "Total number of fan-out aggregations started",
		}),
		ActiveVariants: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shopfront_fanout_active_variants",
			Help: "Number of variants whose call-out has not settled",
		}),
		VariantsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shopfront_fanout_variants_total",
			Help: "Total number of settled variants by state",
		}, []string{"state"}),
		VariantDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shopfront_fanout_variant_duration_seconds",
			Help:    "Time from fan-out to settlement for a variant",
			Buckets: prometheus.DefBuckets,
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.AggregationsTotal,
			m.ActiveVariants,
			m.VariantsTotal,
			m.VariantDuration,
		)
	}
	return m
}
