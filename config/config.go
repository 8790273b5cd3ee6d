// Package config provides configuration management for the shopfront gateway.
// It covers the HTTP server, LLM providers, the translation fan-out, chat
// sessions and the formatting pipeline, loaded from YAML with environment
// variable expansion.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete gateway configuration.
type Config struct {
	Server             ServerConfig              `yaml:"server"`
	LLM                LLMConfig                 `yaml:"llm"`
	Logging            LoggingConfig             `yaml:"logging"`
	Routes             []RouteConfig             `yaml:"routes"`
	Providers          map[string]ProviderConfig `yaml:"providers"`
	ProviderPreference []string                  `yaml:"provider_preference"` // Order of provider preference
	CircuitBreaker     CircuitBreakerConfig      `yaml:"circuit_breaker"`
	Queue              QueueConfig               `yaml:"queue"`
	RateLimit          RateLimitConfig           `yaml:"rate_limit"`
	Auth               AuthConfig                `yaml:"auth"`
	Fanout             FanoutConfig              `yaml:"fanout"`
	Processing         ProcessingConfig          `yaml:"processing"`
	Translation        TranslationConfig         `yaml:"translation"`
	Chat               ChatConfig                `yaml:"chat"`
	TestMode           bool                      `yaml:"-"` // Skip provider initialization in tests
}

// ServerConfig holds server-specific configuration for the HTTP server.
type ServerConfig struct {
	// Port specifies the HTTP server port (default: 8080)
	Port int `yaml:"port"`

	// ReadTimeout is the maximum duration for reading the entire request,
	// including the body (default: 30s)
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the
	// response. Streaming translation responses must finish within it, so it
	// should exceed fanout.timeout (default: 90s)
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MaxHeaderBytes controls the maximum number of bytes the server will
	// read parsing the request header's keys and values (default: 2MB)
	MaxHeaderBytes int `yaml:"max_header_bytes"`

	// ShutdownTimeout specifies how long to wait for the server to shutdown
	// gracefully before forcing termination (default: 30s)
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// RequestTimeout bounds non-streaming handlers (default: 60s)
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// AllowedOrigins lists CORS origins. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LLMConfig holds the primary provider configuration.
type LLMConfig struct {
	// Provider specifies the LLM provider (e.g., "openai", "anthropic", "ollama")
	Provider string `yaml:"provider"`

	// Model is the name of the model to use (e.g., "claude-3-haiku")
	Model string `yaml:"model"`

	// APIKey is the authentication key for the provider's API.
	// Use environment variables (e.g., ${ANTHROPIC_API_KEY}).
	APIKey string `yaml:"api_key"`

	// Endpoint is the API endpoint URL, e.g. "http://localhost:11434" for Ollama
	Endpoint string `yaml:"endpoint"`

	// SystemPrompt is sent ahead of every templated prompt
	SystemPrompt string `yaml:"system_prompt"`

	// MaxContextTokens bounds prompt size before a request reaches a provider
	MaxContextTokens int `yaml:"max_context_tokens"`

	// Options contains provider-specific generation parameters
	Options map[string]interface{} `yaml:"options"`

	// BackupProviders defines failover providers (optional)
	BackupProviders []BackupProvider `yaml:"backup_providers,omitempty"`

	// HealthCheck defines provider health monitoring settings (optional)
	HealthCheck *ProviderHealthCheck `yaml:"health_check,omitempty"`
}

// BackupProvider defines a fallback LLM provider
type BackupProvider struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
}

// ProviderHealthCheck defines health check settings
type ProviderHealthCheck struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

// ProviderConfig holds configuration for an LLM provider
type ProviderConfig struct {
	Type   string `yaml:"type"`    // Provider type (e.g., openai, anthropic)
	Model  string `yaml:"model"`   // Model name
	APIKey string `yaml:"api_key"` // API key for authentication
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	// Level sets logging verbosity: debug, info, warn, error
	Level string `yaml:"level"`

	// Format specifies log output format: json or text
	Format string `yaml:"format"`
}

// RouteConfig enables a handler on a path.
type RouteConfig struct {
	// Path is the URL path to match
	Path string `yaml:"path"`

	// Handler names the handler: format, translations, descriptions, enhancements, chat,
	// health, metrics
	Handler string `yaml:"handler"`

	// Version specifies the API version (e.g., "v1")
	Version string `yaml:"version"`

	// Methods specifies the allowed HTTP methods for this route
	Methods []string `yaml:"methods"`

	// Middleware lists route-specific middleware: auth, rate-limit, queue, timeout
	Middleware []string `yaml:"middleware,omitempty"`
}

type CircuitBreakerConfig struct {
	// MaxRequests is maximum number of requests allowed to pass through when in half-open state
	MaxRequests uint32 `yaml:"max_requests"`

	// Interval is the cyclic period of the closed state for the circuit breaker
	Interval time.Duration `yaml:"interval"`

	// Timeout is the period of the open state until it becomes half-open
	Timeout time.Duration `yaml:"timeout"`

	// FailureThreshold is the number of consecutive failures needed to trip the circuit
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// TestMode skips Prometheus metric registration
	TestMode bool `yaml:"test_mode"`
}

// QueueConfig controls the request queue middleware.
type QueueConfig struct {
	// Enabled determines if the queue middleware is active
	Enabled bool `yaml:"enabled"`

	// InitialSize is the starting maximum size of the queue
	InitialSize int64 `yaml:"initial_size"`

	// StatePath is where queue state is persisted. Empty disables persistence.
	StatePath string `yaml:"state_path"`

	// SaveInterval is how often the queue state is saved
	SaveInterval time.Duration `yaml:"save_interval"`
}

// RateLimitConfig controls the per-client token bucket.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`

	// Requests allowed per Window
	Requests int `yaml:"requests"`

	Window time.Duration `yaml:"window"`

	// Burst is the bucket size (default: Requests)
	Burst int `yaml:"burst"`
}

// AuthConfig lists the API keys accepted by the auth middleware.
type AuthConfig struct {
	Enabled bool     `yaml:"enabled"`
	APIKeys []string `yaml:"api_keys"`
}

// DefaultConfig returns the configuration used when no file overrides it.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    90 * time.Second,
			MaxHeaderBytes:  2 << 20,
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  60 * time.Second,
		},

		LLM: LLMConfig{
			Provider:         "anthropic",
			Model:            "claude-3-haiku",
			APIKey:           "${ANTHROPIC_API_KEY}",
			MaxContextTokens: 8192,
			SystemPrompt:     "You are a helpful assistant for an online store.",

			BackupProviders: []BackupProvider{
				{
					Provider: "openai",
					Model:    "gpt-4o-mini",
					APIKey:   "${OPENAI_API_KEY}",
				},
			},

			HealthCheck: &ProviderHealthCheck{
				Enabled:          true,
				Interval:         15 * time.Second,
				Timeout:          5 * time.Second,
				FailureThreshold: 2,
			},

			// Generation settings used for translations
			Options: map[string]interface{}{
				"temperature": 0.5,
				"top_p":       0.5,
				"max_tokens":  200,
			},
		},

		CircuitBreaker: CircuitBreakerConfig{
			MaxRequests:      100,
			Interval:         30 * time.Second,
			Timeout:          10 * time.Second,
			FailureThreshold: 5,
		},

		ProviderPreference: []string{
			"anthropic",
			"openai",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},

		Routes: DefaultRoutes(),

		Queue: QueueConfig{
			Enabled:      false,
			InitialSize:  1000,
			SaveInterval: 30 * time.Second,
		},

		RateLimit: RateLimitConfig{
			Enabled:  true,
			Requests: 60,
			Window:   time.Minute,
			Burst:    10,
		},

		Fanout:      DefaultFanoutConfig(),
		Processing:  DefaultProcessingConfig(),
		Translation: DefaultTranslationConfig(),
		Chat:        DefaultChatConfig(),
	}
}

// DefaultRoutes returns the routes served when the config names none.
func DefaultRoutes() []RouteConfig {
	return []RouteConfig{
		{
			Path:       "/v1/format",
			Handler:    "format",
			Version:    "v1",
			Methods:    []string{"POST"},
			Middleware: []string{"auth", "rate-limit", "timeout"},
		},
		{
			Path:       "/v1/translations",
			Handler:    "translations",
			Version:    "v1",
			Methods:    []string{"POST"},
			Middleware: []string{"auth", "rate-limit", "queue"},
		},
		{
			Path:       "/v1/descriptions",
			Handler:    "descriptions",
			Version:    "v1",
			Methods:    []string{"POST"},
			Middleware: []string{"auth", "rate-limit", "queue"},
		},
		{
			Path:       "/v1/enhancements",
			Handler:    "enhancements",
			Version:    "v1",
			Methods:    []string{"POST"},
			Middleware: []string{"auth", "rate-limit", "timeout"},
		},
		{
			Path:       "/v1/chat/sessions",
			Handler:    "chat",
			Version:    "v1",
			Methods:    []string{"GET", "POST", "DELETE"},
			Middleware: []string{"auth", "rate-limit", "timeout"},
		},
		{
			Path:    "/health",
			Handler: "health",
			Version: "v1",
			Methods: []string{"GET"},
		},
		{
			Path:    "/metrics",
			Handler: "metrics",
			Version: "v1",
			Methods: []string{"GET"},
		},
	}
}

// LoadFile loads configuration from a YAML file
func LoadFile(filename string) (*Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	return Load(f)
}

// expandEnvVars resolves ${VAR} and ${VAR:-default} references. A reference
// whose variable is unset or empty falls back to its default.
func expandEnvVars(s string) (string, error) {
	if open := strings.Count(s, "${"); open > strings.Count(s, "}") {
		return "", fmt.Errorf("invalid syntax: unterminated variable reference")
	}

	result := os.Expand(s, func(key string) string {
		if i := strings.Index(key, ":-"); i >= 0 {
			if val := os.Getenv(key[:i]); val != "" {
				return val
			}
			return key[i+2:]
		}
		return os.Getenv(key)
	})
	return result, nil
}

// Load loads configuration from an io.Reader, decoding it over DefaultConfig.
func Load(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expand environment variables: %w", err)
	}

	config := DefaultConfig()
	// Default API keys hold ${VAR} references too.
	config.expandDefaults()

	dec := yaml.NewDecoder(strings.NewReader(expanded))
	if err := dec.Decode(config); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

func (c *Config) expandDefaults() {
	c.LLM.APIKey, _ = expandEnvVars(c.LLM.APIKey)
	for i := range c.LLM.BackupProviders {
		c.LLM.BackupProviders[i].APIKey, _ = expandEnvVars(c.LLM.BackupProviders[i].APIKey)
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("negative read timeout: %v", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("negative write timeout: %v", c.Server.WriteTimeout)
	}
	if c.Server.MaxHeaderBytes < 0 {
		return fmt.Errorf("negative max header bytes: %d", c.Server.MaxHeaderBytes)
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("negative shutdown timeout: %v", c.Server.ShutdownTimeout)
	}
	if c.Server.RequestTimeout < 0 {
		return fmt.Errorf("negative request timeout: %v", c.Server.RequestTimeout)
	}

	if c.LLM.Provider == "" {
		return fmt.Errorf("empty LLM provider")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("empty LLM model")
	}
	if c.LLM.MaxContextTokens < 0 {
		return fmt.Errorf("negative max context tokens: %d", c.LLM.MaxContextTokens)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Requests <= 0 {
			return fmt.Errorf("rate limit requests must be positive: %d", c.RateLimit.Requests)
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit window must be positive: %v", c.RateLimit.Window)
		}
	}
	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth enabled without api keys")
	}

	if err := c.Fanout.Validate(); err != nil {
		return err
	}
	if err := c.Translation.Validate(); err != nil {
		return err
	}
	if err := c.Chat.Validate(); err != nil {
		return err
	}
	if err := c.Processing.Validate(); err != nil {
		return err
	}

	for i, route := range c.Routes {
		if route.Path == "" {
			return fmt.Errorf("empty path in route %d", i)
		}
		if route.Handler == "" {
			return fmt.Errorf("empty handler in route %d", i)
		}
		if route.Version == "" {
			return fmt.Errorf("empty version in route %d", i)
		}
	}

	return nil
}
