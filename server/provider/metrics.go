package provider

import "github.com/prometheus/client_golang/prometheus"

func (m *Manager) initializeMetrics() error {
	m.healthCheckDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "shopfront_provider_health_check_duration_seconds",
		Help: "Duration of provider health checks",
	})

	m.healthCheckErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shopfront_provider_health_check_errors_total",
		Help: "Number of health check errors by provider",
	}, []string{"provider"})

	m.requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "shopfront_provider_request_latency_seconds",
		Help: "Latency of provider requests",
	}, []string{"provider"})

	m.deduplicatedRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shopfront_provider_deduplicated_requests_total",
		Help: "Number of requests served by an identical in-flight request",
	})

	m.healthyProviders = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shopfront_provider_healthy",
		Help: "Whether a provider is healthy (1) or not (0)",
	}, []string{"provider"})

	if m.registry == nil {
		return nil
	}
	for _, c := range []prometheus.Collector{
		m.healthCheckDuration,
		m.healthCheckErrors,
		m.requestLatency,
		m.deduplicatedRequests,
		m.healthyProviders,
	} {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}
