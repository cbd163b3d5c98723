package provider

import (
	"loom/internal/session"
)

// ToolSchema describes one tool in provider-neutral form. Providers
// convert it into their own function-calling schema.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Request is a provider-neutral completion request. Messages are the
// active conversation path, root-first, already repaired.
type Request struct {
	Model         string            `json:"model"`
	Messages      []session.Message `json:"messages"`
	Tools         []ToolSchema      `json:"tools,omitempty"`
	MaxTokens     int               `json:"max_tokens,omitempty"`
	Temperature   float64           `json:"temperature,omitempty"`
	ThinkingLevel ThinkingLevel     `json:"thinking_level,omitempty"`
}

// Response is a non-streaming completion result.
type Response struct {
	Content   string             `json:"content,omitempty"`
	ToolCalls []session.ToolCall `json:"tool_calls,omitempty"`
	Usage     *Usage             `json:"usage,omitempty"`
}

// Usage reports token consumption for one request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	// ContextWindow is the model's input limit when the provider reports
	// it; zero otherwise.
	ContextWindow int `json:"context_window,omitempty"`
}

// StreamEventType identifies the kind of semantic stream event.
type StreamEventType string

// Semantic stream event types.
const (
	StreamTextStart     StreamEventType = "text_start"
	StreamTextDelta     StreamEventType = "text_delta"
	StreamTextDone      StreamEventType = "text_done"
	StreamThinkingStart StreamEventType = "thinking_start"
	StreamThinkingDelta StreamEventType = "thinking_delta"
	StreamToolCallStart StreamEventType = "tool_call_start"
	StreamToolCallDelta StreamEventType = "tool_call_delta"
	StreamToolCallDone  StreamEventType = "tool_call_done"
	StreamUsage         StreamEventType = "usage"
	StreamResponseDone  StreamEventType = "response_done"
	StreamError         StreamEventType = "error"
)

// StreamEvent is one semantic event from a provider stream. Only the
// fields relevant to the Type are populated.
type StreamEvent struct {
	Type StreamEventType `json:"type"`

	// text_delta / text_done / thinking_delta
	Text string `json:"text,omitempty"`

	// tool_call_* events
	CallID   string `json:"call_id,omitempty"`
	ToolName string `json:"tool_name,omitempty"`

	// tool_call_delta: raw JSON fragment of the arguments
	ArgumentsFragment string `json:"arguments_fragment,omitempty"`

	// tool_call_done: fully parsed arguments. ParseFailed marks a call
	// whose accumulated argument JSON could not be parsed; the reducer
	// flags it for filtering at finalisation.
	Arguments   map[string]any `json:"arguments,omitempty"`
	ParseFailed bool           `json:"parse_failed,omitempty"`

	// usage / response_done
	Usage *Usage `json:"usage,omitempty"`

	// error
	Err error `json:"-"`
}
