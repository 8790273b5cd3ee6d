package processing

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`    // "user", "assistant" or "system"
	Content string `json:"content"` // The message text
}

// Request is the input to a model call. Type selects the request template;
// the remaining fields are available to templates.
type Request struct {
	// Type is one of "describe", "enhance", "translate", "chat" or "default"
	Type string `json:"type"`

	// Text is the main input: a description to translate or improve, or a
	// chat message
	Text string `json:"text,omitempty"`

	// Language is the target language of a translation
	Language string `json:"language,omitempty"`

	// Labels describe a product photograph for description requests
	Labels []string `json:"labels,omitempty"`

	// History holds earlier chat turns, oldest first
	History []Message `json:"history,omitempty"`

	// Provider routes the request to one named provider. Empty uses preference order.
	Provider string `json:"provider,omitempty"`
}

// Request types with a dedicated template.
const (
	TypeDescribe  = "describe"
	TypeEnhance   = "enhance"
	TypeTranslate = "translate"
	TypeChat      = "chat"
	TypeDefault   = "default"
)
