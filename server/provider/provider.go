// Package provider manages the LLM providers behind the gateway: it creates
// them from configuration, guards each with a circuit breaker, monitors their
// health and fails over in preference order.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/teilomillet/gollm"
	"github.com/teilomillet/shopfront/config"
	"github.com/teilomillet/shopfront/server/circuitbreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// HealthStatus represents the current health state of a provider
type HealthStatus struct {
	Healthy          bool          // Whether the provider is currently healthy
	LastCheck        time.Time     // When the last check or request was observed
	ConsecutiveFails int           // Number of consecutive failures
	Latency          time.Duration // Last observed latency
	ErrorCount       int64         // Total number of errors
	RequestCount     int64         // Total number of requests
}

// Manager handles provider selection, failover and health.
type Manager struct {
	providers    map[string]gollm.LLM
	breakers     map[string]*circuitbreaker.CircuitBreaker
	healthStates sync.Map // map[string]HealthStatus
	logger       *zap.Logger
	cfg          *config.Config
	registry     prometheus.Registerer
	mu           sync.RWMutex
	group        singleflight.Group
	stop         context.CancelFunc

	healthCheckDuration  prometheus.Histogram
	healthCheckErrors    *prometheus.CounterVec
	requestLatency       *prometheus.HistogramVec
	deduplicatedRequests prometheus.Counter
	healthyProviders     *prometheus.GaugeVec
}

// NewManager creates providers from cfg. With cfg.TestMode set no provider is
// created and callers install them with SetProviders.
func NewManager(cfg *config.Config, logger *zap.Logger, registry *prometheus.Registry) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		providers: make(map[string]gollm.LLM),
		breakers:  make(map[string]*circuitbreaker.CircuitBreaker),
		logger:    logger,
		cfg:       cfg,
	}
	if registry != nil {
		m.registry = registry
	}

	if err := m.initializeMetrics(); err != nil {
		return nil, err
	}

	if !cfg.TestMode {
		if err := m.initializeProviders(); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// initializeProviders creates providers from the providers map, or from the
// llm block and its backups when the map is empty.
func (m *Manager) initializeProviders() error {
	for name, providerCfg := range m.cfg.Providers {
		llm, err := newLLM(providerCfg.Type, providerCfg.Model, providerCfg.APIKey, m.cfg.LLM)
		if err != nil {
			return fmt.Errorf("failed to initialize provider %s: %w", name, err)
		}
		if err := m.addProvider(name, llm); err != nil {
			return err
		}
	}

	if len(m.providers) == 0 && m.cfg.LLM.Provider != "" {
		primary, err := newLLM(m.cfg.LLM.Provider, m.cfg.LLM.Model, m.cfg.LLM.APIKey, m.cfg.LLM)
		if err != nil {
			return fmt.Errorf("failed to initialize provider %s: %w", m.cfg.LLM.Provider, err)
		}
		if err := m.addProvider(m.cfg.LLM.Provider, primary); err != nil {
			return err
		}

		for _, backup := range m.cfg.LLM.BackupProviders {
			llm, err := newLLM(backup.Provider, backup.Model, backup.APIKey, m.cfg.LLM)
			if err != nil {
				m.logger.Warn("failed to initialize backup provider",
					zap.String("provider", backup.Provider),
					zap.Error(err))
				continue
			}
			if err := m.addProvider(backup.Provider, llm); err != nil {
				return err
			}
		}
	}

	if len(m.providers) == 0 {
		return fmt.Errorf("no providers configured")
	}
	return nil
}

func newLLM(providerName, model, apiKey string, llmCfg config.LLMConfig) (gollm.LLM, error) {
	llm, err := gollm.NewLLM(
		gollm.SetProvider(providerName),
		gollm.SetModel(model),
		gollm.SetAPIKey(apiKey),
	)
	if err != nil {
		return nil, err
	}
	if llmCfg.Endpoint != "" && providerName == llmCfg.Provider {
		llm.SetEndpoint(llmCfg.Endpoint)
	}
	for key, value := range llmCfg.Options {
		llm.SetOption(key, value)
	}
	return llm, nil
}

// addProvider registers llm under name with its own circuit breaker.
// Callers hold m.mu or run before the manager is shared.
func (m *Manager) addProvider(name string, llm gollm.LLM) error {
	m.providers[name] = llm
	if _, ok := m.breakers[name]; ok {
		return nil
	}

	cb, err := circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{
		Name:             name,
		MaxRequests:      m.cfg.CircuitBreaker.MaxRequests,
		Interval:         m.cfg.CircuitBreaker.Interval,
		Timeout:          m.cfg.CircuitBreaker.Timeout,
		FailureThreshold: m.cfg.CircuitBreaker.FailureThreshold,
		TestMode:         m.cfg.CircuitBreaker.TestMode || m.registry == nil,
	}, m.logger.With(zap.String("provider", name)), m.registry)
	if err != nil {
		return fmt.Errorf("failed to create circuit breaker for %s: %w", name, err)
	}
	m.breakers[name] = cb
	m.healthyProviders.WithLabelValues(name).Set(1)
	return nil
}

// SetProviders replaces the current providers, creating breakers for new names.
func (m *Manager) SetProviders(providers map[string]gollm.LLM) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.providers = make(map[string]gollm.LLM, len(providers))
	for name, llm := range providers {
		if err := m.addProvider(name, llm); err != nil {
			m.logger.Error("failed to add provider", zap.String("provider", name), zap.Error(err))
			delete(m.providers, name)
		}
	}
}

// Names returns provider names in preference order. Providers missing from
// provider_preference follow in name order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.preferenceLocked()
}

func (m *Manager) preferenceLocked() []string {
	names := make([]string, 0, len(m.providers))
	seen := make(map[string]bool, len(m.providers))
	for _, name := range m.cfg.ProviderPreference {
		if _, ok := m.providers[name]; ok && !seen[name] {
			names = append(names, name)
			seen[name] = true
		}
	}
	var rest []string
	for name := range m.providers {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}

// Breaker returns the circuit breaker for name.
func (m *Manager) Breaker(name string) (*circuitbreaker.CircuitBreaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cb, ok := m.breakers[name]
	return cb, ok
}

// Close stops background health checks.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		m.stop()
		m.stop = nil
	}
}
