package mocks

import (
	"context"
	"strings"
	"sync"

	"github.com/teilomillet/gollm"
	"github.com/teilomillet/gollm/llm"
	"github.com/teilomillet/gollm/utils"
)

// MockLLM implements gollm.LLM for tests without making API calls.
//
//	mockLLM := NewMockLLM(func(ctx context.Context, prompt *gollm.Prompt) (string, error) {
//	    return "1. Sturdy\n2. Waterproof", nil
//	})
type MockLLM struct {
	GenerateFunc func(context.Context, *gollm.Prompt) (string, error)
	DebugFunc    func(string, ...interface{})
	Provider     string // Provider name for testing
	Model        string // Model name for testing

	mu      sync.Mutex
	prompts []*gollm.Prompt
	options map[string]interface{}
}

// NewMockLLM creates a new MockLLM with optional generate function.
// If generateFunc is nil, Generate echoes the last message.
func NewMockLLM(generateFunc func(context.Context, *gollm.Prompt) (string, error)) *MockLLM {
	return &MockLLM{
		GenerateFunc: generateFunc,
		Provider:     "mock",
		Model:        "mock-model",
	}
}

// NewMockLLMWithConfig creates a new MockLLM with specific provider and model names
func NewMockLLMWithConfig(provider, model string, generateFunc func(context.Context, *gollm.Prompt) (string, error)) *MockLLM {
	return &MockLLM{
		GenerateFunc: generateFunc,
		Provider:     provider,
		Model:        model,
	}
}

// Generate records the prompt and delegates to GenerateFunc. Without one it
// echoes the last message content.
func (m *MockLLM) Generate(ctx context.Context, prompt *gollm.Prompt, opts ...llm.GenerateOption) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	fn := m.GenerateFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, prompt)
	}
	if prompt == nil || len(prompt.Messages) == 0 {
		return "", nil
	}
	return prompt.Messages[len(prompt.Messages)-1].Content, nil
}

// SetGenerateFunc swaps the generate behaviour while the mock is in use.
func (m *MockLLM) SetGenerateFunc(fn func(context.Context, *gollm.Prompt) (string, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GenerateFunc = fn
}

// Prompts returns every prompt passed to Generate.
func (m *MockLLM) Prompts() []*gollm.Prompt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*gollm.Prompt(nil), m.prompts...)
}

// LastUserMessage returns the content of the last user message received.
func (m *MockLLM) LastUserMessage() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.prompts) - 1; i >= 0; i-- {
		msgs := m.prompts[i].Messages
		for j := len(msgs) - 1; j >= 0; j-- {
			if strings.EqualFold(msgs[j].Role, "user") {
				return msgs[j].Content
			}
		}
	}
	return ""
}

// Debug captures debug messages if DebugFunc is provided.
// This allows tests to verify logging behavior if needed.
func (m *MockLLM) Debug(format string, args ...interface{}) {
	if m.DebugFunc != nil {
		m.DebugFunc(format, args...)
	}
}

// GetPromptJSONSchema returns a minimal valid JSON schema.
// This is useful for testing schema validation without complex schemas.
func (m *MockLLM) GetPromptJSONSchema(opts ...gollm.SchemaOption) ([]byte, error) {
	return []byte(`{}`), nil
}

// GetProvider returns the mock provider name
func (m *MockLLM) GetProvider() string {
	return m.Provider
}

// GetModel returns the mock model name
func (m *MockLLM) GetModel() string {
	return m.Model
}

// GetLogLevel returns a default log level.
// Tests can rely on this consistent behavior.
func (m *MockLLM) GetLogLevel() gollm.LogLevel {
	return gollm.LogLevelInfo
}

// UpdateLogLevel is a no-op in the mock.
// Real implementation would change logging behavior.
func (m *MockLLM) UpdateLogLevel(level gollm.LogLevel) {
	// No-op for mock
}

// SetLogLevel is a no-op in the mock.
// Real implementation would change logging behavior.
func (m *MockLLM) SetLogLevel(level gollm.LogLevel) {
	// No-op for mock
}

// GetLogger returns nil as we don't need logging in tests.
// Real implementation would return a logger instance.
func (m *MockLLM) GetLogger() utils.Logger {
	return nil
}

// NewPrompt creates a simple prompt with user role.
// This provides consistent prompt creation for tests.
func (m *MockLLM) NewPrompt(text string) *gollm.Prompt {
	return &gollm.Prompt{
		Messages: []gollm.PromptMessage{
			{Role: "user", Content: text},
		},
	}
}

// SetEndpoint is a no-op in the mock.
// Real implementation would configure the API endpoint.
func (m *MockLLM) SetEndpoint(endpoint string) {
	// No-op for mock
}

// SetOption records the option so tests can inspect it.
func (m *MockLLM) SetOption(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.options == nil {
		m.options = make(map[string]interface{})
	}
	m.options[key] = value
}

// Option returns a value recorded by SetOption.
func (m *MockLLM) Option(key string) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.options[key]
	return v, ok
}

// SupportsJSONSchema returns true to indicate schema support.
// This allows testing schema-related functionality.
func (m *MockLLM) SupportsJSONSchema() bool {
	return true
}

// GenerateWithSchema uses the standard Generate function.
// Schema validation is not performed in the mock.
func (m *MockLLM) GenerateWithSchema(ctx context.Context, prompt *gollm.Prompt, schema interface{}, opts ...llm.GenerateOption) (string, error) {
	return m.Generate(ctx, prompt, opts...)
}

// SetOllamaEndpoint is a no-op in the mock.
// Real implementation would configure Ollama endpoint.
func (m *MockLLM) SetOllamaEndpoint(endpoint string) error {
	return nil
}

// SetSystemPrompt is a no-op in the mock.
// Real implementation would set a system-level prompt.
func (m *MockLLM) SetSystemPrompt(prompt string, cacheType llm.CacheType) {
	// No-op for mock
}
