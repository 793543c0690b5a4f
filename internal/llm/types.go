package llm

// Request types for the OpenRouter/OpenAI-compatible chat completions API.

// Role is the author of a chat message on the wire.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type ChatRequest struct {
	Model            string    `json:"model"`
	Messages         []Message `json:"messages"`
	Stream           bool      `json:"stream"`
	IncludeReasoning bool      `json:"include_reasoning,omitempty"`
	Temperature      *float64  `json:"temperature,omitempty"`
}

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Response types

type ChatResponse struct {
	ID      string    `json:"id"`
	Choices []Choice  `json:"choices"`
	Usage   *Usage    `json:"usage,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

// Usage contains token usage and cost information from the API response.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost,omitempty"` // In USD, if provided by API
}

type Choice struct {
	Index        int    `json:"index"`
	Delta        *Delta `json:"delta,omitempty"`
	Message      *Delta `json:"message,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
}

type Delta struct {
	Role      string `json:"role,omitempty"`
	Content   string `json:"content,omitempty"`
	Reasoning string `json:"reasoning,omitempty"` // For thinking/reasoning models
}

// APIError is the error object OpenRouter embeds in a response body or chunk.
// Code is numeric on some providers and a string on others.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    any    `json:"code,omitempty"`
}

// EventType tags a StreamEvent.
type EventType string

const (
	EventToken     EventType = "token"
	EventReasoning EventType = "reasoning"
	EventDone      EventType = "done"
	EventError     EventType = "error"
)

// StreamEvent is one decoded item of a completion stream. Exactly one
// terminal event (EventDone or EventError) ends a stream.
type StreamEvent struct {
	Type      EventType
	Content   string // For EventToken
	Reasoning string // For EventReasoning; also set on EventToken when a chunk carried both
	Error     string // For EventError
	Usage     *Usage // For EventDone, if the upstream reported it
}

// Terminal reports whether no events may follow e.
func (e StreamEvent) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}
