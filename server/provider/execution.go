package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"github.com/teilomillet/gollm"
	"github.com/teilomillet/shopfront/server/circuitbreaker"
	"go.uber.org/zap"
)

// Generate sends prompt to the first available provider in preference order.
// Concurrent calls with an identical prompt share one provider request.
func (m *Manager) Generate(ctx context.Context, prompt *gollm.Prompt) (string, error) {
	return m.GenerateWith(ctx, "", prompt)
}

// GenerateWith sends prompt to the named provider only. An empty name falls
// back to preference order like Generate.
func (m *Manager) GenerateWith(ctx context.Context, name string, prompt *gollm.Prompt) (string, error) {
	if prompt == nil || len(prompt.Messages) == 0 {
		return "", fmt.Errorf("empty prompt")
	}

	key := name + "|" + requestKey(prompt)
	v, err, shared := m.group.Do(key, func() (interface{}, error) {
		var text string
		op := func(llm gollm.LLM) error {
			var err error
			text, err = llm.Generate(ctx, prompt)
			return err
		}

		var err error
		if name == "" {
			err = m.Execute(ctx, op)
		} else {
			err = m.executeOn(ctx, name, op)
		}
		return text, err
	})
	if shared {
		m.deduplicatedRequests.Inc()
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Execute runs operation against providers in preference order. A provider
// is skipped when it is marked unhealthy or its breaker rejects the call. A
// provider error is returned at once unless it tripped that provider's
// breaker and another provider remains to try.
func (m *Manager) Execute(ctx context.Context, operation func(llm gollm.LLM) error) error {
	m.mu.RLock()
	preference := m.preferenceLocked()
	m.mu.RUnlock()

	if len(preference) == 0 {
		return fmt.Errorf("no providers configured")
	}

	var lastErr error
	for i, name := range preference {
		if err := ctx.Err(); err != nil {
			return err
		}

		llm, breaker, ok := m.resources(name)
		if !ok || !m.GetHealthStatus(name).Healthy {
			continue
		}

		err := m.executeOperation(ctx, name, llm, breaker, operation)
		if err == nil {
			return nil
		}
		if circuitbreaker.IsRejected(err) {
			continue
		}
		lastErr = err

		if breaker.State() == gobreaker.StateOpen && i < len(preference)-1 {
			m.logger.Info("failing over to next provider", zap.String("from", name), zap.Error(err))
			continue
		}
		return err
	}

	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrNoHealthyProvider, lastErr)
	}
	return ErrNoHealthyProvider
}

func (m *Manager) executeOn(ctx context.Context, name string, operation func(llm gollm.LLM) error) error {
	llm, breaker, ok := m.resources(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	err := m.executeOperation(ctx, name, llm, breaker, operation)
	if circuitbreaker.IsRejected(err) {
		return fmt.Errorf("%w: %s: %v", ErrNoHealthyProvider, name, err)
	}
	return err
}

// executeOperation runs one attempt through the provider's breaker and
// records latency and request health.
func (m *Manager) executeOperation(ctx context.Context, name string, llm gollm.LLM, breaker *circuitbreaker.CircuitBreaker, operation func(llm gollm.LLM) error) error {
	start := time.Now()
	err := breaker.Execute(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return operation(llm)
	})
	duration := time.Since(start)

	if circuitbreaker.IsRejected(err) {
		return err
	}
	m.requestLatency.WithLabelValues(name).Observe(duration.Seconds())

	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Debug("provider request failed",
			zap.String("provider", name),
			zap.Error(err),
			zap.Duration("duration", duration),
			zap.String("breaker_state", breaker.State().String()),
		)
	}
	m.recordRequest(name, duration, err)
	return err
}

func (m *Manager) resources(name string) (gollm.LLM, *circuitbreaker.CircuitBreaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	llm, ok := m.providers[name]
	if !ok {
		return nil, nil, false
	}
	return llm, m.breakers[name], true
}

// requestKey identifies a prompt by every message it carries.
func requestKey(prompt *gollm.Prompt) string {
	h := sha256.New()
	for _, msg := range prompt.Messages {
		h.Write([]byte(msg.Role))
		h.Write([]byte{0})
		h.Write([]byte(msg.Content))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
