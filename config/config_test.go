package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadValidConfig(t *testing.T) {
	yamlConfig := `
server:
  port: 9090
  read_timeout: 45s
  request_timeout: 20s

llm:
  provider: openai
  model: gpt-4o-mini
  system_prompt: "You write product copy."

logging:
  level: debug
  format: text

fanout:
  timeout: 15s
  max_concurrency: 4

translation:
  languages: [Italian, Japanese]

chat:
  default_model: Amazon
  max_history: 10

routes:
  - path: /v1/format
    handler: format
    version: v1
  - path: /health
    handler: health
    version: v1
`

	config, err := Load(strings.NewReader(yamlConfig))
	if err != nil {
		t.Fatalf("Failed to load valid config: %v", err)
	}

	if config.Server.Port != 9090 {
		t.Errorf("unexpected port: got %d, want %d", config.Server.Port, 9090)
	}
	if config.Server.ReadTimeout != 45*time.Second {
		t.Errorf("unexpected read timeout: got %v, want %v", config.Server.ReadTimeout, 45*time.Second)
	}
	if config.Server.RequestTimeout != 20*time.Second {
		t.Errorf("unexpected request timeout: got %v", config.Server.RequestTimeout)
	}
	if config.LLM.Provider != "openai" || config.LLM.Model != "gpt-4o-mini" {
		t.Errorf("unexpected llm: %s/%s", config.LLM.Provider, config.LLM.Model)
	}
	if config.Logging.Format != "text" {
		t.Errorf("unexpected log format: got %s", config.Logging.Format)
	}
	if config.Fanout.Timeout != 15*time.Second || config.Fanout.MaxConcurrency != 4 {
		t.Errorf("unexpected fanout config: %+v", config.Fanout)
	}
	if got := strings.Join(config.Translation.Languages, ","); got != "Italian,Japanese" {
		t.Errorf("unexpected languages: %s", got)
	}
	if config.Translation.SourceLanguage != "English" {
		t.Errorf("source language default lost: %q", config.Translation.SourceLanguage)
	}
	if config.Chat.DefaultModel != "Amazon" || config.Chat.MaxHistory != 10 {
		t.Errorf("unexpected chat config: %+v", config.Chat)
	}
	if !config.Chat.Models["Amazon"].Raw {
		t.Error("default chat models should survive a partial chat section")
	}
	if len(config.Routes) != 2 {
		t.Errorf("unexpected number of routes: got %d, want %d", len(config.Routes), 2)
	}
	if _, ok := config.Processing.RequestTemplates["translate"]; !ok {
		t.Error("default translate template missing")
	}
}

func TestLoadEmptyConfigUsesDefaults(t *testing.T) {
	config, err := Load(strings.NewReader(""))
	if err != nil {
		t.Fatalf("empty config should load: %v", err)
	}
	if config.Server.Port != 8080 {
		t.Errorf("unexpected port: %d", config.Server.Port)
	}
	if len(config.Routes) != len(DefaultRoutes()) {
		t.Errorf("unexpected routes: %d", len(config.Routes))
	}
}

func TestLoadInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		config string
		want   string
	}{
		{
			name: "invalid port",
			config: `
server:
  port: -1
`,
			want: "invalid port",
		},
		{
			name: "invalid log level",
			config: `
logging:
  level: invalid
`,
			want: "invalid log level",
		},
		{
			name: "empty provider",
			config: `
llm:
  provider: ""
`,
			want: "empty LLM provider",
		},
		{
			name: "empty route path",
			config: `
routes:
  - path: ""
    handler: format
`,
			want: "empty path",
		},
		{
			name: "empty source language",
			config: `
translation:
  source_language: ""
`,
			want: "source language is required",
		},
		{
			name: "negative fanout timeout",
			config: `
fanout:
  timeout: -1s
`,
			want: "negative fanout timeout",
		},
		{
			name: "duplicate language",
			config: `
translation:
  languages: [French, French]
`,
			want: "duplicate translation language",
		},
		{
			name: "unknown default chat model",
			config: `
chat:
  default_model: Cohere
`,
			want: "default chat model",
		},
		{
			name: "broken template",
			config: `
processing:
  request_templates:
    translate: "{{.Text"
`,
			want: "invalid request template",
		},
		{
			name: "auth without keys",
			config: `
auth:
  enabled: true
`,
			want: "auth enabled without api keys",
		},
		{
			name: "rate limit without window",
			config: `
rate_limit:
  enabled: true
  window: 0s
`,
			want: "rate limit window",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.config))
			if err == nil {
				t.Error("expected error, got nil")
			} else if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("unexpected error: got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Server.Port != 8080 {
		t.Errorf("unexpected default port: got %d, want %d", config.Server.Port, 8080)
	}
	if config.Server.WriteTimeout <= config.Fanout.Timeout {
		t.Errorf("write timeout %v should exceed fanout timeout %v", config.Server.WriteTimeout, config.Fanout.Timeout)
	}
	if config.LLM.Provider != "anthropic" {
		t.Errorf("unexpected default provider: got %s", config.LLM.Provider)
	}
	if got := strings.Join(config.Translation.Languages, ","); got != "Spanish,French,German" {
		t.Errorf("unexpected default languages: %s", got)
	}
	if config.Chat.DefaultModel != "Anthropic" {
		t.Errorf("unexpected default chat model: %s", config.Chat.DefaultModel)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}
