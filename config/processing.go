package config

import (
	"fmt"
	"strings"
	"text/template"
)

// ProcessingConfig defines the configuration for request/response processing
type ProcessingConfig struct {
	// RequestTemplates maps template names to their content. The names
	// "describe", "enhance", "translate", "chat" and "default" are used by
	// the gateway.
	RequestTemplates map[string]string `yaml:"request_templates"`

	// ResponseFormatting configures how responses should be cleaned
	ResponseFormatting ResponseFormattingConfig `yaml:"response_formatting"`
}

// ResponseFormattingConfig defines response cleaning options
type ResponseFormattingConfig struct {
	// CleanJSON enables response cleaning using gollm
	CleanJSON bool `yaml:"clean_json"`

	// TrimWhitespace removes surrounding whitespace from responses
	TrimWhitespace bool `yaml:"trim_whitespace"`

	// MaxLength limits the response length in bytes. Zero means unlimited.
	MaxLength int `yaml:"max_length"`
}

// DefaultProcessingConfig returns the storefront prompt templates.
func DefaultProcessingConfig() ProcessingConfig {
	return ProcessingConfig{
		RequestTemplates: map[string]string{
			"describe":  "Build me a product Description using 120 words or less. Here is additional information about the product photograph {{join .Labels \", \"}}",
			"enhance":   "I will be listing a product on my eCommerce Marketplace. Make the following product description better: {{.Text}}",
			"translate": "Translate this to {{.Language}}: {{.Text}}",
			"chat":      "{{.Text}}",
			"default":   "{{.Text}}",
		},
		ResponseFormatting: ResponseFormattingConfig{
			TrimWhitespace: true,
			MaxLength:      16384,
		},
	}
}

// TemplateFuncs are available to every request template.
var TemplateFuncs = template.FuncMap{
	"join": strings.Join,
}

// Validate parses every template so syntax errors surface at load time.
func (p ProcessingConfig) Validate() error {
	for name, text := range p.RequestTemplates {
		if _, err := template.New(name).Funcs(TemplateFuncs).Parse(text); err != nil {
			return fmt.Errorf("invalid request template %q: %w", name, err)
		}
	}
	if p.ResponseFormatting.MaxLength < 0 {
		return fmt.Errorf("negative response max length: %d", p.ResponseFormatting.MaxLength)
	}
	return nil
}
