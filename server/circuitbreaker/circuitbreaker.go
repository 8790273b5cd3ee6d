// Package circuitbreaker wraps sony/gobreaker with zap logging and Prometheus
// metrics so each LLM provider trips independently.
package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Config holds configuration for one circuit breaker.
type Config struct {
	Name             string
	MaxRequests      uint32        // Requests allowed through while half-open
	Interval         time.Duration // Cyclic period of the closed state for clearing counts
	Timeout          time.Duration // Period of the open state before probing again
	FailureThreshold uint32        // Consecutive failures that trip the breaker
	TestMode         bool          // Skip metric registration
}

// CircuitBreaker guards calls to a single provider.
type CircuitBreaker struct {
	name   string
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger

	stateGauge    prometheus.Gauge
	failuresCount prometheus.Counter
	tripsTotal    prometheus.Counter
}

// NewCircuitBreaker creates a breaker. Metrics are registered on registry
// unless cfg.TestMode is set or registry is nil.
func NewCircuitBreaker(cfg Config, logger *zap.Logger, registry prometheus.Registerer) (*CircuitBreaker, error) {
	if cfg.Name == "" {
		return nil, errors.New("circuit breaker name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}

	b := &CircuitBreaker{
		name:   cfg.Name,
		logger: logger.With(zap.String("breaker", cfg.Name)),
		stateGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "shopfront_circuit_breaker_state",
			Help:        "Current state of the circuit breaker (0=closed, 1=half-open, 2=open)",
			ConstLabels: prometheus.Labels{"name": cfg.Name},
		}),
		failuresCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "shopfront_circuit_breaker_failures_total",
			Help:        "Total number of failures recorded by the circuit breaker",
			ConstLabels: prometheus.Labels{"name": cfg.Name},
		}),
		tripsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "shopfront_circuit_breaker_trips_total",
			Help:        "Total number of times the circuit breaker has tripped",
			ConstLabels: prometheus.Labels{"name": cfg.Name},
		}),
	}

	if !cfg.TestMode && registry != nil {
		for _, c := range []prometheus.Collector{b.stateGauge, b.failuresCount, b.tripsTotal} {
			if err := registry.Register(c); err != nil {
				return nil, err
			}
		}
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: b.onStateChange,
		IsSuccessful:  isSuccessful,
	})
	return b, nil
}

// isSuccessful keeps caller cancellation from counting against a provider.
func isSuccessful(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

// onStateChange runs under gobreaker's lock and must not call back into it.
func (b *CircuitBreaker) onStateChange(name string, from, to gobreaker.State) {
	b.stateGauge.Set(float64(to))
	if to == gobreaker.StateOpen {
		b.tripsTotal.Inc()
		b.logger.Warn("circuit breaker tripped", zap.String("from", from.String()))
		return
	}
	b.logger.Info("circuit breaker state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

// Execute runs f if the breaker allows it. ErrOpen or ErrTooManyRequests is
// returned without calling f when it does not.
func (b *CircuitBreaker) Execute(f func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, f()
	})
	if err != nil && !isSuccessful(err) && !IsRejected(err) {
		b.failuresCount.Inc()
	}
	return err
}

// Name returns the breaker name.
func (b *CircuitBreaker) Name() string { return b.name }

// State returns the current gobreaker state.
func (b *CircuitBreaker) State() gobreaker.State { return b.cb.State() }

// Counts returns the request counts of the current generation.
func (b *CircuitBreaker) Counts() gobreaker.Counts { return b.cb.Counts() }
