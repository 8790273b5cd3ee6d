package config

import (
	"fmt"
	"time"
)

// FanoutConfig bounds a translation fan-out.
type FanoutConfig struct {
	// Timeout bounds each variant's call-out (default: 60s). Zero disables it.
	Timeout time.Duration `yaml:"timeout"`

	// MaxConcurrency bounds in-flight call-outs per fan-out. Zero means no bound.
	MaxConcurrency int64 `yaml:"max_concurrency"`
}

func DefaultFanoutConfig() FanoutConfig {
	return FanoutConfig{
		Timeout: 60 * time.Second,
	}
}

func (f FanoutConfig) Validate() error {
	if f.Timeout < 0 {
		return fmt.Errorf("negative fanout timeout: %v", f.Timeout)
	}
	if f.MaxConcurrency < 0 {
		return fmt.Errorf("negative fanout max concurrency: %d", f.MaxConcurrency)
	}
	return nil
}

// TranslationConfig controls product description translations.
type TranslationConfig struct {
	// SourceLanguage labels the untranslated text (default: English)
	SourceLanguage string `yaml:"source_language"`

	// Languages are translated into when a request names none
	Languages []string `yaml:"languages"`

	// MaxLanguages caps the languages accepted in one request
	MaxLanguages int `yaml:"max_languages"`
}

func DefaultTranslationConfig() TranslationConfig {
	return TranslationConfig{
		SourceLanguage: "English",
		Languages:      []string{"Spanish", "French", "German"},
		MaxLanguages:   10,
	}
}

func (t TranslationConfig) Validate() error {
	if t.SourceLanguage == "" {
		return fmt.Errorf("translation source language is required")
	}
	if t.MaxLanguages <= 0 {
		return fmt.Errorf("translation max languages must be positive: %d", t.MaxLanguages)
	}
	if len(t.Languages) > t.MaxLanguages {
		return fmt.Errorf("%d default languages exceed max languages %d", len(t.Languages), t.MaxLanguages)
	}
	seen := make(map[string]bool, len(t.Languages))
	for _, l := range t.Languages {
		if l == "" {
			return fmt.Errorf("empty translation language")
		}
		if seen[l] {
			return fmt.Errorf("duplicate translation language: %s", l)
		}
		seen[l] = true
	}
	return nil
}

// ChatModelConfig maps a chatbot model name to a configured provider.
type ChatModelConfig struct {
	// Provider names an entry in providers, or the primary llm provider when empty
	Provider string `yaml:"provider"`

	// Raw returns replies as plain text instead of a formatted document
	Raw bool `yaml:"raw"`
}

// ChatConfig controls in-memory chat sessions.
type ChatConfig struct {
	// Models maps the model name a client selects to its provider
	Models map[string]ChatModelConfig `yaml:"models"`

	// DefaultModel is used when a session is created without a model
	DefaultModel string `yaml:"default_model"`

	// MaxHistory caps stored messages per session, welcome message included
	MaxHistory int `yaml:"max_history"`

	// SessionTTL expires idle sessions. Zero keeps them until restart.
	SessionTTL time.Duration `yaml:"session_ttl"`
}

func DefaultChatConfig() ChatConfig {
	return ChatConfig{
		Models: map[string]ChatModelConfig{
			"Anthropic": {},
			"AI21":      {},
			"Amazon":    {Raw: true},
		},
		DefaultModel: "Anthropic",
		MaxHistory:   50,
		SessionTTL:   30 * time.Minute,
	}
}

func (c ChatConfig) Validate() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("no chat models configured")
	}
	if _, ok := c.Models[c.DefaultModel]; !ok {
		return fmt.Errorf("default chat model %q is not configured", c.DefaultModel)
	}
	if c.MaxHistory < 2 {
		return fmt.Errorf("chat max history must be at least 2: %d", c.MaxHistory)
	}
	if c.SessionTTL < 0 {
		return fmt.Errorf("negative chat session ttl: %v", c.SessionTTL)
	}
	return nil
}
