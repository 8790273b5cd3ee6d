package processing

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teilomillet/gollm"
	"github.com/teilomillet/shopfront/config"
	"github.com/teilomillet/shopfront/errors"
	"github.com/teilomillet/shopfront/server/fanout"
	"github.com/teilomillet/shopfront/server/formatting"
	"github.com/teilomillet/shopfront/server/mocks"
	"go.uber.org/zap/zaptest"
)

func defaultProcessingConfig() *config.ProcessingConfig {
	cfg := config.DefaultProcessingConfig()
	return &cfg
}

func TestNewProcessor(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *config.ProcessingConfig
		gen     Generator
		wantErr bool
	}{
		{
			name:    "nil config",
			cfg:     nil,
			gen:     LLMGenerator{LLM: mocks.NewMockLLM(nil)},
			wantErr: true,
		},
		{
			name:    "nil generator",
			cfg:     defaultProcessingConfig(),
			gen:     nil,
			wantErr: true,
		},
		{
			name:    "valid config",
			cfg:     defaultProcessingConfig(),
			gen:     LLMGenerator{LLM: mocks.NewMockLLM(nil)},
			wantErr: false,
		},
		{
			name: "invalid template",
			cfg: &config.ProcessingConfig{
				RequestTemplates: map[string]string{"default": "{{.Text}"},
			},
			gen:     LLMGenerator{LLM: mocks.NewMockLLM(nil)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc, err := NewProcessor(tt.cfg, tt.gen, zaptest.NewLogger(t))
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, proc)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, proc)
			}
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	proc, err := NewProcessor(defaultProcessingConfig(), LLMGenerator{LLM: mocks.NewMockLLM(nil)}, zaptest.NewLogger(t))
	require.NoError(t, err)
	proc.SetDefaultPrompt("You write product copy.")

	tests := []struct {
		name     string
		req      *Request
		wantLast string
		wantLen  int
	}{
		{
			name:     "translate",
			req:      &Request{Type: TypeTranslate, Text: "A red kettle.", Language: "French"},
			wantLast: "Translate this to French: A red kettle.",
			wantLen:  2,
		},
		{
			name:     "describe",
			req:      &Request{Type: TypeDescribe, Labels: []string{"Kettle", "Red", "Steel"}},
			wantLast: "Build me a product Description using 120 words or less. Here is additional information about the product photograph Kettle, Red, Steel",
			wantLen:  2,
		},
		{
			name:     "enhance",
			req:      &Request{Type: TypeEnhance, Text: "red kettle, boils fast"},
			wantLast: "I will be listing a product on my eCommerce Marketplace. Make the following product description better: red kettle, boils fast",
			wantLen:  2,
		},
		{
			name: "chat with history",
			req: &Request{Type: TypeChat, Text: "Does it come in blue?", History: []Message{
				{Role: "assistant", Content: "Welcome to the Anthropic Chatbot!"},
				{Role: "user", Content: "Tell me about the kettle"},
				{Role: "assistant", Content: "It boils water."},
			}},
			wantLast: "Does it come in blue?",
			wantLen:  5,
		},
		{
			name:     "unknown type uses default template",
			req:      &Request{Type: "summarize", Text: "plain"},
			wantLast: "plain",
			wantLen:  2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prompt, err := proc.BuildPrompt(tt.req)
			require.NoError(t, err)
			require.Len(t, prompt.Messages, tt.wantLen)
			assert.Equal(t, "system", prompt.Messages[0].Role)
			last := prompt.Messages[len(prompt.Messages)-1]
			assert.Equal(t, "user", last.Role)
			assert.Equal(t, tt.wantLast, last.Content)
		})
	}

	_, err = proc.BuildPrompt(nil)
	assert.Error(t, err)

	_, err = proc.BuildPrompt(&Request{Type: TypeDefault})
	assert.Error(t, err, "empty rendered prompt")
}

func TestProcessRequest(t *testing.T) {
	mock := mocks.NewMockLLM(func(ctx context.Context, prompt *gollm.Prompt) (string, error) {
		switch prompt.Messages[len(prompt.Messages)-1].Content {
		case "features":
			return "  1. Sturdy handle\n2. Ships from shop.example.com  ", nil
		case "blank":
			return "   \n  ", nil
		case "down":
			return "", stderrors.New("provider down")
		}
		return "ok", nil
	})

	proc, err := NewProcessor(defaultProcessingConfig(), LLMGenerator{LLM: mock}, zaptest.NewLogger(t))
	require.NoError(t, err)

	resp, err := proc.ProcessRequest(context.Background(), &Request{Type: TypeDefault, Text: "features"})
	require.NoError(t, err)
	assert.Equal(t, "1. Sturdy handle\n2. Ships from shop.example.com", resp.Content)
	require.Len(t, resp.Document, 1)
	assert.Equal(t, formatting.BlockList, resp.Document[0].Kind)
	assert.True(t, resp.Document[0].Ordered)
	assert.Equal(t, []formatting.Inline{{Text: "shop.example.com", Href: "http://shop.example.com"}}, resp.Document.Links())

	_, err = proc.ProcessRequest(context.Background(), &Request{Type: TypeDefault, Text: "blank"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.MalformedResponseError))

	_, err = proc.ProcessRequest(context.Background(), &Request{Type: TypeDefault, Text: "down"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider down")
	assert.False(t, errors.IsType(err, errors.MalformedResponseError))

	_, err = proc.ProcessRequest(context.Background(), nil)
	assert.Error(t, err)
}

func TestClean(t *testing.T) {
	cfg := &config.ProcessingConfig{
		ResponseFormatting: config.ResponseFormattingConfig{
			CleanJSON:      true,
			TrimWhitespace: true,
			MaxLength:      50,
		},
	}
	proc, err := NewProcessor(cfg, LLMGenerator{LLM: mocks.NewMockLLM(nil)}, nil)
	require.NoError(t, err)

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "trim whitespace", input: "  hello  ", expected: "hello"},
		{name: "clean json response", input: "```json\n{\"key\": \"value\"}\n```", expected: "{\"key\": \"value\"}"},
		{name: "truncate", input: strings.Repeat("a", 60), expected: strings.Repeat("a", 50)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, proc.clean(tt.input))
		})
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	s := "Größe"
	// "ö" is two bytes starting at index 2; cutting at 3 would split it.
	assert.Equal(t, "Gr", truncate(s, 3))
	assert.Equal(t, "Grö", truncate(s, 4))
}

func TestInvokeWithFanOut(t *testing.T) {
	mock := mocks.NewMockLLM(func(ctx context.Context, prompt *gollm.Prompt) (string, error) {
		content := prompt.Messages[len(prompt.Messages)-1].Content
		if strings.Contains(content, "German") {
			return "", nil
		}
		return "translated: " + content, nil
	})
	proc, err := NewProcessor(defaultProcessingConfig(), LLMGenerator{LLM: mock}, zaptest.NewLogger(t))
	require.NoError(t, err)

	variants := TranslationVariants("A red kettle.", []string{"Spanish", "German"})
	require.Len(t, variants, 2)
	assert.Equal(t, "Spanish", variants[0].Label)

	agg, err := fanout.NewAggregator(fanout.DefaultOptions(), zaptest.NewLogger(t), nil).
		FanOut(context.Background(), variants, proc.Invoke)
	require.NoError(t, err)
	require.NoError(t, agg.Wait(context.Background()))

	results := agg.Outcomes()
	assert.Equal(t, fanout.StateSucceeded, results[0].Outcome.State)
	assert.Equal(t, "translated: Translate this to Spanish: A red kettle.", results[0].Outcome.Text)

	assert.Equal(t, fanout.StateFailed, results[1].Outcome.State)
	assert.True(t, errors.IsType(results[1].Outcome.Err, errors.MalformedResponseError))
}

func TestInvokeRejectsUnknownPayload(t *testing.T) {
	proc, err := NewProcessor(defaultProcessingConfig(), LLMGenerator{LLM: mocks.NewMockLLM(nil)}, nil)
	require.NoError(t, err)

	_, err = proc.Invoke(context.Background(), "not a request")
	assert.Error(t, err)

	text, err := proc.Invoke(context.Background(), Request{Type: TypeDefault, Text: "echo"})
	require.NoError(t, err)
	assert.Equal(t, "echo", text)
}
