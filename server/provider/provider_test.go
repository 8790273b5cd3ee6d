package provider_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teilomillet/gollm"
	"github.com/teilomillet/shopfront/config"
	"github.com/teilomillet/shopfront/server/mocks"
	"github.com/teilomillet/shopfront/server/provider"
	"go.uber.org/zap/zaptest"
)

func testConfig(threshold uint32) *config.Config {
	return &config.Config{
		TestMode: true,
		CircuitBreaker: config.CircuitBreakerConfig{
			MaxRequests:      1,
			Interval:         time.Second,
			Timeout:          100 * time.Millisecond,
			FailureThreshold: threshold,
			TestMode:         true,
		},
		ProviderPreference: []string{"primary", "backup"},
		LLM: config.LLMConfig{
			HealthCheck: &config.ProviderHealthCheck{
				Enabled:          true,
				Interval:         time.Hour,
				Timeout:          time.Second,
				FailureThreshold: 2,
			},
		},
	}
}

func userPrompt(text string) *gollm.Prompt {
	return &gollm.Prompt{Messages: []gollm.PromptMessage{{Role: "user", Content: text}}}
}

func respond(text string) func(context.Context, *gollm.Prompt) (string, error) {
	return func(context.Context, *gollm.Prompt) (string, error) { return text, nil }
}

func fail(msg string) func(context.Context, *gollm.Prompt) (string, error) {
	return func(context.Context, *gollm.Prompt) (string, error) { return "", errors.New(msg) }
}

func newManager(t *testing.T, cfg *config.Config, providers map[string]gollm.LLM) *provider.Manager {
	t.Helper()
	m, err := provider.NewManager(cfg, zaptest.NewLogger(t), prometheus.NewRegistry())
	require.NoError(t, err)
	m.SetProviders(providers)
	t.Cleanup(m.Close)
	return m
}

func TestGenerateUsesPreferredProvider(t *testing.T) {
	primary := mocks.NewMockLLMWithConfig("primary", "model", respond("primary response"))
	backup := mocks.NewMockLLMWithConfig("backup", "model", respond("backup response"))
	m := newManager(t, testConfig(2), map[string]gollm.LLM{"primary": primary, "backup": backup})

	text, err := m.Generate(context.Background(), userPrompt("Translate this to French: hello"))
	require.NoError(t, err)
	assert.Equal(t, "primary response", text)
	assert.Empty(t, backup.Prompts())
	assert.Equal(t, []string{"primary", "backup"}, m.Names())
}

func TestGenerateFailsOverWhenBreakerTrips(t *testing.T) {
	primary := mocks.NewMockLLMWithConfig("primary", "model", fail("primary error"))
	backup := mocks.NewMockLLMWithConfig("backup", "model", respond("backup response"))
	m := newManager(t, testConfig(1), map[string]gollm.LLM{"primary": primary, "backup": backup})

	text, err := m.Generate(context.Background(), userPrompt("hello"))
	require.NoError(t, err)
	assert.Equal(t, "backup response", text)

	cb, ok := m.Breaker("primary")
	require.True(t, ok)
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	// Open breaker: primary is skipped entirely.
	text, err = m.Generate(context.Background(), userPrompt("hello again"))
	require.NoError(t, err)
	assert.Equal(t, "backup response", text)
	assert.Len(t, primary.Prompts(), 1)

	// After the open timeout the primary is probed and recovers.
	primary.SetGenerateFunc(respond("primary response"))
	time.Sleep(150 * time.Millisecond)
	text, err = m.Generate(context.Background(), userPrompt("hello once more"))
	require.NoError(t, err)
	assert.Equal(t, "primary response", text)
}

func TestGenerateReturnsErrorWhileBreakerClosed(t *testing.T) {
	primary := mocks.NewMockLLMWithConfig("primary", "model", fail("primary error"))
	backup := mocks.NewMockLLMWithConfig("backup", "model", respond("backup response"))
	m := newManager(t, testConfig(3), map[string]gollm.LLM{"primary": primary, "backup": backup})

	_, err := m.Generate(context.Background(), userPrompt("hello"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "primary error")
	assert.Empty(t, backup.Prompts())
}

func TestGenerateNoHealthyProvider(t *testing.T) {
	primary := mocks.NewMockLLMWithConfig("primary", "model", respond("unused"))
	backup := mocks.NewMockLLMWithConfig("backup", "model", respond("unused"))
	m := newManager(t, testConfig(2), map[string]gollm.LLM{"primary": primary, "backup": backup})

	for _, name := range []string{"primary", "backup"} {
		m.UpdateHealthStatus(name, provider.HealthStatus{Healthy: false, LastCheck: time.Now(), ErrorCount: 3})
	}

	_, err := m.Generate(context.Background(), userPrompt("hello"))
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrNoHealthyProvider)
	assert.Empty(t, primary.Prompts())
	assert.Empty(t, backup.Prompts())
}

func TestGenerateWithNamedProvider(t *testing.T) {
	primary := mocks.NewMockLLMWithConfig("primary", "model", respond("primary response"))
	backup := mocks.NewMockLLMWithConfig("backup", "model", respond("backup response"))
	m := newManager(t, testConfig(2), map[string]gollm.LLM{"primary": primary, "backup": backup})

	text, err := m.GenerateWith(context.Background(), "backup", userPrompt("hi"))
	require.NoError(t, err)
	assert.Equal(t, "backup response", text)

	_, err = m.GenerateWith(context.Background(), "cohere", userPrompt("hi"))
	assert.ErrorIs(t, err, provider.ErrUnknownProvider)

	_, err = m.GenerateWith(context.Background(), "backup", &gollm.Prompt{})
	assert.Error(t, err)
}

func TestGenerateDeduplicatesIdenticalPrompts(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	primary := mocks.NewMockLLMWithConfig("primary", "model", func(ctx context.Context, p *gollm.Prompt) (string, error) {
		calls.Add(1)
		<-release
		return "shared", nil
	})

	registry := prometheus.NewRegistry()
	m, err := provider.NewManager(testConfig(2), zaptest.NewLogger(t), registry)
	require.NoError(t, err)
	m.SetProviders(map[string]gollm.LLM{"primary": primary})

	const callers = 5
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text, err := m.Generate(context.Background(), userPrompt("Translate this to German: hi"))
			assert.NoError(t, err)
			results[i] = text
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, "shared", r)
	}

	families, err := registry.Gather()
	require.NoError(t, err)
	var deduplicated float64
	for _, f := range families {
		if f.GetName() == "shopfront_provider_deduplicated_requests_total" {
			deduplicated = f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(callers), deduplicated, "every caller of a shared flight is counted")
}

func TestGenerateDistinctPromptsNotShared(t *testing.T) {
	var calls atomic.Int32
	primary := mocks.NewMockLLMWithConfig("primary", "model", func(ctx context.Context, p *gollm.Prompt) (string, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return p.Messages[len(p.Messages)-1].Content, nil
	})
	m := newManager(t, testConfig(2), map[string]gollm.LLM{"primary": primary})

	var wg sync.WaitGroup
	for _, lang := range []string{"Spanish", "French", "German"} {
		wg.Add(1)
		go func(lang string) {
			defer wg.Done()
			prompt := &gollm.Prompt{Messages: []gollm.PromptMessage{
				{Role: "system", Content: "You are a translator."},
				{Role: "user", Content: "Translate this to " + lang},
			}}
			text, err := m.Generate(context.Background(), prompt)
			assert.NoError(t, err)
			assert.Equal(t, "Translate this to "+lang, text)
		}(lang)
	}
	wg.Wait()
	assert.Equal(t, int32(3), calls.Load())
}

func TestCancellationDoesNotTripBreaker(t *testing.T) {
	primary := mocks.NewMockLLMWithConfig("primary", "model", func(ctx context.Context, p *gollm.Prompt) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	m := newManager(t, testConfig(1), map[string]gollm.LLM{"primary": primary})

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		go cancel()
		_, err := m.Generate(ctx, userPrompt("cancelled"))
		assert.ErrorIs(t, err, context.Canceled)
	}

	cb, _ := m.Breaker("primary")
	assert.Equal(t, gobreaker.StateClosed, cb.State())
	assert.True(t, m.GetHealthStatus("primary").Healthy)
}

func TestCheckProviderHealth(t *testing.T) {
	mock := mocks.NewMockLLMWithConfig("primary", "model", fail("unreachable"))
	registry := prometheus.NewRegistry()
	m, err := provider.NewManager(testConfig(2), zaptest.NewLogger(t), registry)
	require.NoError(t, err)
	m.SetProviders(map[string]gollm.LLM{"primary": mock})

	m.CheckAllProviders(context.Background())
	status := m.GetHealthStatus("primary")
	assert.True(t, status.Healthy, "one failed probe stays under the threshold")
	assert.Equal(t, 1, status.ConsecutiveFails)

	m.CheckAllProviders(context.Background())
	status = m.GetHealthStatus("primary")
	assert.False(t, status.Healthy)
	assert.Equal(t, int64(2), status.ErrorCount)

	mock.SetGenerateFunc(respond("ok"))
	m.CheckAllProviders(context.Background())
	status = m.GetHealthStatus("primary")
	assert.True(t, status.Healthy)
	assert.Zero(t, status.ConsecutiveFails)

	assert.Equal(t, 1, testutil.CollectAndCount(registry, "shopfront_provider_health_check_errors_total"))
}

func TestNewManagerWithoutProviders(t *testing.T) {
	cfg := testConfig(2)
	cfg.TestMode = false
	_, err := provider.NewManager(cfg, zaptest.NewLogger(t), prometheus.NewRegistry())
	assert.Error(t, err)
}
