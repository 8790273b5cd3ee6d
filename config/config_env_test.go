package config

import (
	"strings"
	"testing"
)

func TestEnvironmentVariableExpansion(t *testing.T) {
	testCases := []struct {
		name       string
		envVars    map[string]string
		yamlConfig string
		validate   func(*testing.T, *Config)
		wantErr    bool
		errMsg     string
	}{
		{
			name:    "basic env var expansion",
			envVars: map[string]string{"SHOPFRONT_TEST_KEY": "test-key-123"},
			yamlConfig: `
llm:
    provider: anthropic
    api_key: ${SHOPFRONT_TEST_KEY}
    model: claude-3-haiku`,
			validate: func(t *testing.T, c *Config) {
				if c.LLM.APIKey != "test-key-123" {
					t.Errorf("API key not expanded correctly, got %s, want test-key-123", c.LLM.APIKey)
				}
			},
		},
		{
			name:    "missing env var",
			envVars: map[string]string{},
			yamlConfig: `
llm:
    provider: anthropic
    api_key: ${SHOPFRONT_MISSING_KEY}
    model: claude-3-haiku`,
			validate: func(t *testing.T, c *Config) {
				if c.LLM.APIKey != "" {
					t.Errorf("Missing env var should expand to empty string, got %s", c.LLM.APIKey)
				}
			},
		},
		{
			name:    "default value syntax",
			envVars: map[string]string{},
			yamlConfig: `
server:
    port: ${SHOPFRONT_TEST_PORT:-9191}`,
			validate: func(t *testing.T, c *Config) {
				if c.Server.Port != 9191 {
					t.Errorf("default value not applied, got %d", c.Server.Port)
				}
			},
		},
		{
			name:    "env var overrides default value",
			envVars: map[string]string{"SHOPFRONT_TEST_PORT": "7070"},
			yamlConfig: `
server:
    port: ${SHOPFRONT_TEST_PORT:-9191}`,
			validate: func(t *testing.T, c *Config) {
				if c.Server.Port != 7070 {
					t.Errorf("env var should win over default, got %d", c.Server.Port)
				}
			},
		},
		{
			name: "multiple env vars in single value",
			envVars: map[string]string{
				"SHOPFRONT_API_HOST":    "llm.internal",
				"SHOPFRONT_API_VERSION": "v1",
			},
			yamlConfig: `
llm:
    provider: ollama
    endpoint: https://${SHOPFRONT_API_HOST}/${SHOPFRONT_API_VERSION}
    model: llama3`,
			validate: func(t *testing.T, c *Config) {
				if c.LLM.Endpoint != "https://llm.internal/v1" {
					t.Errorf("Multiple env vars not expanded correctly, got %s", c.LLM.Endpoint)
				}
			},
		},
		{
			name:    "unterminated reference",
			envVars: map[string]string{},
			yamlConfig: `
llm:
    api_key: ${SHOPFRONT_BROKEN`,
			wantErr: true,
			errMsg:  "invalid syntax",
		},
		{
			name:    "invalid port from env var",
			envVars: map[string]string{"SHOPFRONT_TEST_PORT": "-1"},
			yamlConfig: `
server:
    port: ${SHOPFRONT_TEST_PORT}`,
			wantErr: true,
			errMsg:  "invalid port",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.envVars {
				t.Setenv(k, v)
			}

			config, err := Load(strings.NewReader(tc.yamlConfig))

			if tc.wantErr {
				if err == nil {
					t.Errorf("Expected error containing %q, got nil", tc.errMsg)
				} else if !strings.Contains(err.Error(), tc.errMsg) {
					t.Errorf("Expected error containing %q, got %v", tc.errMsg, err)
				}
				return
			}

			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			tc.validate(t, config)
		})
	}
}

func TestDefaultAPIKeysExpanded(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	t.Setenv("OPENAI_API_KEY", "sk-openai-test")

	config, err := Load(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if config.LLM.APIKey != "sk-ant-test" {
		t.Errorf("primary key not expanded: %q", config.LLM.APIKey)
	}
	if config.LLM.BackupProviders[0].APIKey != "sk-openai-test" {
		t.Errorf("backup key not expanded: %q", config.LLM.BackupProviders[0].APIKey)
	}
}
