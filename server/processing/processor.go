// Package processing turns gateway requests into model prompts and model
// output into formatted documents.
package processing

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/teilomillet/gollm"
	"github.com/teilomillet/shopfront/config"
	"github.com/teilomillet/shopfront/errors"
	"github.com/teilomillet/shopfront/server/fanout"
	"github.com/teilomillet/shopfront/server/formatting"
	"go.uber.org/zap"
)

// Generator sends a prompt to a model. provider.Manager implements it.
type Generator interface {
	GenerateWith(ctx context.Context, provider string, prompt *gollm.Prompt) (string, error)
}

// LLMGenerator adapts a single gollm.LLM to Generator. The provider name is ignored.
type LLMGenerator struct {
	LLM gollm.LLM
}

func (g LLMGenerator) GenerateWith(ctx context.Context, _ string, prompt *gollm.Prompt) (string, error) {
	return g.LLM.Generate(ctx, prompt)
}

// Processor renders request templates, calls the model and cleans its output.
type Processor struct {
	gen           Generator
	templates     map[string]*template.Template
	config        *config.ProcessingConfig
	formatter     *formatting.Formatter
	logger        *zap.Logger
	defaultPrompt string
}

// Response is a cleaned model reply and its formatted document.
type Response struct {
	Content  string              `json:"content"`
	Document formatting.Document `json:"document"`
}

// NewProcessor parses every request template up front so invalid templates
// fail at startup.
func NewProcessor(cfg *config.ProcessingConfig, gen Generator, logger *zap.Logger) (*Processor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("processing config is required")
	}
	if gen == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	templates := make(map[string]*template.Template, len(cfg.RequestTemplates))
	for name, text := range cfg.RequestTemplates {
		t, err := template.New(name).Funcs(config.TemplateFuncs).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		templates[name] = t
	}

	return &Processor{
		gen:       gen,
		templates: templates,
		config:    cfg,
		formatter: formatting.New(logger),
		logger:    logger,
	}, nil
}

// SetDefaultPrompt sets the system prompt sent ahead of every request.
func (p *Processor) SetDefaultPrompt(prompt string) {
	p.defaultPrompt = prompt
}

// BuildPrompt renders req into a prompt: the system prompt, any chat
// history, then the templated user message.
func (p *Processor) BuildPrompt(req *Request) (*gollm.Prompt, error) {
	if req == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}

	tmpl, ok := p.templates[req.Type]
	if !ok {
		tmpl = p.templates[TypeDefault]
	}
	if tmpl == nil {
		return nil, fmt.Errorf("no template found for type: %s", req.Type)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, req); err != nil {
		return nil, fmt.Errorf("template execution failed: %w", err)
	}
	content := buf.String()
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("template %s rendered an empty prompt", tmpl.Name())
	}

	messages := make([]gollm.PromptMessage, 0, len(req.History)+2)
	if p.defaultPrompt != "" {
		messages = append(messages, gollm.PromptMessage{Role: "system", Content: p.defaultPrompt})
	}
	for _, msg := range req.History {
		messages = append(messages, gollm.PromptMessage{Role: msg.Role, Content: msg.Content})
	}
	messages = append(messages, gollm.PromptMessage{Role: "user", Content: content})

	return &gollm.Prompt{Messages: messages}, nil
}

// Generate returns the cleaned model text for req. Output that is empty
// after cleaning is a MalformedResponseError.
func (p *Processor) Generate(ctx context.Context, req *Request) (string, error) {
	prompt, err := p.BuildPrompt(req)
	if err != nil {
		return "", err
	}

	raw, err := p.gen.GenerateWith(ctx, req.Provider, prompt)
	if err != nil {
		return "", fmt.Errorf("LLM processing failed: %w", err)
	}

	content := p.clean(raw)
	if content == "" {
		return "", errors.NewMalformedResponseError("", req.Language, fmt.Errorf("empty model output for %s request", req.Type))
	}

	p.logger.Debug("model response",
		zap.String("type", req.Type),
		zap.String("language", req.Language),
		zap.Int("length", len(content)),
	)
	return content, nil
}

// ProcessRequest generates a reply and formats it into a document.
func (p *Processor) ProcessRequest(ctx context.Context, req *Request) (*Response, error) {
	content, err := p.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Response{Content: content, Document: p.formatter.Format(content)}, nil
}

// Invoke is a fanout.Invoker. payload must be a *Request or Request.
func (p *Processor) Invoke(ctx context.Context, payload any) (string, error) {
	switch req := payload.(type) {
	case *Request:
		return p.Generate(ctx, req)
	case Request:
		return p.Generate(ctx, &req)
	default:
		return "", fmt.Errorf("unsupported payload type %T", payload)
	}
}

// TranslationVariants builds one translate variant per language, labelled
// by the language name.
func TranslationVariants(text string, languages []string) []fanout.Variant {
	variants := make([]fanout.Variant, 0, len(languages))
	for _, lang := range languages {
		variants = append(variants, fanout.Variant{
			Label: lang,
			Payload: &Request{
				Type:     TypeTranslate,
				Text:     text,
				Language: lang,
			},
		})
	}
	return variants
}

// clean applies the configured response formatting.
func (p *Processor) clean(content string) string {
	rf := p.config.ResponseFormatting
	if rf.CleanJSON {
		content = gollm.CleanResponse(content)
	}
	if rf.TrimWhitespace {
		content = strings.TrimSpace(content)
	}
	if rf.MaxLength > 0 && len(content) > rf.MaxLength {
		content = truncate(content, rf.MaxLength)
	}
	return content
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
