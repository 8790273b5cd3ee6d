package validation

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts tokens in text.
type Tokenizer interface {
	CountTokens(text string) int
}

// tiktokenWrapper wraps tiktoken to implement our Tokenizer interface
type tiktokenWrapper struct {
	*tiktoken.Tiktoken
}

func (t *tiktokenWrapper) CountTokens(text string) int {
	return len(t.Encode(text, nil, nil))
}

// fallbackEncoding is used for models tiktoken does not know, such as
// Anthropic models. Counts are then an estimate.
const fallbackEncoding = "cl100k_base"

// FormatRequest is the body of POST /v1/format.
type FormatRequest struct {
	Text string `json:"text" validate:"required,max=65536"`
	HTML bool   `json:"html,omitempty"`
}

// TranslationRequest is the body of POST /v1/translations. Languages
// default to the configured translation languages.
type TranslationRequest struct {
	Text      string   `json:"text" validate:"required,max=16384"`
	Languages []string `json:"languages,omitempty" validate:"omitempty,unique,dive,required,max=64"`
	SessionID string   `json:"session_id,omitempty" validate:"omitempty,uuid"`
}

// DescriptionRequest is the body of POST /v1/descriptions. Labels are the
// product photograph labels from an image labelling service.
type DescriptionRequest struct {
	Labels    []string `json:"labels" validate:"required,min=1,max=50,dive,required,max=128"`
	Languages []string `json:"languages,omitempty" validate:"omitempty,unique,dive,required,max=64"`
	SessionID string   `json:"session_id,omitempty" validate:"omitempty,uuid"`
}

// EnhanceRequest is the body of POST /v1/enhancements: a seller's draft
// product description to improve.
type EnhanceRequest struct {
	Text string `json:"text" validate:"required,max=16384"`
}

// CreateSessionRequest is the body of POST /v1/chat/sessions.
type CreateSessionRequest struct {
	Model string `json:"model,omitempty" validate:"omitempty,max=64"`
}

// ChatMessageRequest is the body of POST /v1/chat/sessions/{id}/messages.
type ChatMessageRequest struct {
	Text string `json:"text" validate:"required,max=8192"`
}

// Texts returns the prompt text of the request for token counting.
func (r *FormatRequest) Texts() []string { return nil }
func (r *TranslationRequest) Texts() []string { return []string{r.Text} }
func (r *DescriptionRequest) Texts() []string { return r.Labels }
func (r *EnhanceRequest) Texts() []string { return []string{r.Text} }
func (r *CreateSessionRequest) Texts() []string { return nil }
func (r *ChatMessageRequest) Texts() []string { return []string{r.Text} }
func (r *TranslationRequest) LanguageList() []string { return r.Languages }
func (r *DescriptionRequest) LanguageList() []string { return r.Languages }

// TokenCounter handles token counting for prompts using tiktoken
type TokenCounter struct {
	encoding Tokenizer
}

// NewTokenCounter creates a token counter for model, falling back to the
// cl100k_base encoding when tiktoken does not know the model.
func NewTokenCounter(model string) (*TokenCounter, error) {
	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding for model %s: %w", model, err)
		}
	}
	return &TokenCounter{encoding: &tiktokenWrapper{encoding}}, nil
}

// NewTokenCounterWithTokenizer uses t instead of a tiktoken encoding.
func NewTokenCounterWithTokenizer(t Tokenizer) *TokenCounter {
	return &TokenCounter{encoding: t}
}

// Count returns the total number of tokens in texts.
func (tc *TokenCounter) Count(texts ...string) int {
	total := 0
	for _, text := range texts {
		total += tc.encoding.CountTokens(text)
	}
	return total
}

// ValidateTokens checks that texts plus reserved output tokens fit in
// maxContextTokens.
func (tc *TokenCounter) ValidateTokens(texts []string, reserved, maxContextTokens int) error {
	if maxContextTokens <= 0 {
		return fmt.Errorf("invalid max_context_tokens: must be greater than 0")
	}

	total := tc.Count(texts...) + reserved
	if total > maxContextTokens {
		return fmt.Errorf("total tokens (%d) exceeds max context length (%d)", total, maxContextTokens)
	}
	return nil
}
