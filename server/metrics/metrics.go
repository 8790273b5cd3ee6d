package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors on a private registry.
type Metrics struct {
	registry        *prometheus.Registry
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  *prometheus.GaugeVec
	ErrorsTotal     *prometheus.CounterVec
	RateLimitHits   *prometheus.CounterVec
	StreamsActive   prometheus.Gauge
	BlocksFormatted *prometheus.CounterVec
}

// NewMetrics registers the HTTP, stream and formatter collectors together
// with the Go and process collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopfront_http_requests_total",
				Help: "Total number of HTTP requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shopfront_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		ActiveRequests: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shopfront_http_active_requests",
				Help: "Number of currently active HTTP requests",
			},
			[]string{"endpoint"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopfront_errors_total",
				Help: "Total number of errors by type",
			},
			[]string{"type"},
		),
		RateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopfront_rate_limit_hits_total",
				Help: "Total number of rate limit hits by client",
			},
			[]string{"client"},
		),
		StreamsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "shopfront_sse_streams_active",
				Help: "Number of open server-sent event streams",
			},
		),
		BlocksFormatted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopfront_formatted_blocks_total",
				Help: "Blocks produced by the response formatter, by kind",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	for _, kind := range []string{"paragraph", "numbered", "bulleted"} {
		m.BlocksFormatted.WithLabelValues(kind)
	}
	m.ActiveRequests.WithLabelValues("queued")

	return m
}

// Registry returns the registry so other components (fan-out, providers)
// can register their collectors on the same /metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterGaugeFunc exposes a value computed at scrape time, such as the
// number of live chat sessions.
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: name,
		Help: help,
	}, fn))
}

// Handler returns a handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: false,
	})
}

// ObserveDocument counts the blocks of a formatted document by kind.
func (m *Metrics) ObserveDocument(kinds []string) {
	for _, k := range kinds {
		m.BlocksFormatted.WithLabelValues(k).Inc()
	}
}
