package provider

import (
	"context"
	"errors"
	"time"

	"github.com/teilomillet/gollm"
	"go.uber.org/zap"
)

// GetHealthStatus returns the health status for a provider. A provider that
// has never been observed is reported healthy.
func (m *Manager) GetHealthStatus(name string) HealthStatus {
	if val, ok := m.healthStates.Load(name); ok {
		return val.(HealthStatus)
	}
	return HealthStatus{Healthy: true}
}

// UpdateHealthStatus stores the health status for a provider.
func (m *Manager) UpdateHealthStatus(name string, status HealthStatus) {
	m.healthStates.Store(name, status)
	if status.Healthy {
		m.healthyProviders.WithLabelValues(name).Set(1)
	} else {
		m.healthyProviders.WithLabelValues(name).Set(0)
	}
}

// recordRequest folds a live request into the provider's health. Live
// failures only count once the breaker trips, so a single failed request
// does not take the provider out of rotation.
func (m *Manager) recordRequest(name string, latency time.Duration, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	status := m.GetHealthStatus(name)
	status.LastCheck = time.Now()
	status.Latency = latency
	status.RequestCount++
	if err != nil {
		status.ErrorCount++
		status.ConsecutiveFails++
	} else {
		status.ConsecutiveFails = 0
		status.Healthy = true
	}
	m.UpdateHealthStatus(name, status)
}

// StartHealthChecks probes every provider on the configured interval until
// ctx is done or Close is called. It is a no-op when health checks are disabled.
func (m *Manager) StartHealthChecks(ctx context.Context) {
	hc := m.cfg.LLM.HealthCheck
	if hc == nil || !hc.Enabled || hc.Interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.stop != nil {
		m.stop()
	}
	m.stop = cancel
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(hc.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckAllProviders(ctx)
			}
		}
	}()
}

// CheckAllProviders runs one health check round.
func (m *Manager) CheckAllProviders(ctx context.Context) {
	m.mu.RLock()
	providers := make(map[string]gollm.LLM, len(m.providers))
	for name, llm := range m.providers {
		providers[name] = llm
	}
	m.mu.RUnlock()

	for name, llm := range providers {
		m.UpdateHealthStatus(name, m.CheckProviderHealth(ctx, name, llm))
	}
}

// CheckProviderHealth sends a short probe prompt to llm. The provider turns
// unhealthy once failure_threshold consecutive probes fail.
func (m *Manager) CheckProviderHealth(ctx context.Context, name string, llm gollm.LLM) HealthStatus {
	timeout := 5 * time.Second
	threshold := 1
	if hc := m.cfg.LLM.HealthCheck; hc != nil {
		if hc.Timeout > 0 {
			timeout = hc.Timeout
		}
		if hc.FailureThreshold > 0 {
			threshold = hc.FailureThreshold
		}
	}

	status := m.GetHealthStatus(name)
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prompt := &gollm.Prompt{
		Messages: []gollm.PromptMessage{
			{Role: "user", Content: "health check"},
		},
	}
	_, err := llm.Generate(ctx, prompt)

	status.LastCheck = time.Now()
	status.Latency = time.Since(start)
	status.RequestCount++
	m.healthCheckDuration.Observe(status.Latency.Seconds())

	if err != nil {
		status.ConsecutiveFails++
		status.ErrorCount++
		status.Healthy = status.ConsecutiveFails < threshold
		m.healthCheckErrors.WithLabelValues(name).Inc()
		m.logger.Warn("provider health check failed",
			zap.String("provider", name),
			zap.Error(err),
			zap.Duration("latency", status.Latency),
			zap.Int("consecutive_failures", status.ConsecutiveFails),
		)
		return status
	}

	status.ConsecutiveFails = 0
	status.Healthy = true
	return status
}
