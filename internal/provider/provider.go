// Package provider defines the streaming LLM provider interface, its
// semantic stream events and the error classification consumed by the
// agent state machine.
package provider

import "context"

// Provider is the port every LLM backend implements.
type Provider interface {
	// Name returns the provider name.
	Name() string

	// Models returns the list of supported model identifiers.
	Models() []string

	// Stream initiates an asynchronous streaming request. The returned
	// channel yields semantic stream events and is closed when the stream
	// ends. Initiation failures are returned synchronously and classified
	// via this package's helpers.
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)

	// Chat sends a non-streaming request. Used for summarisation and
	// title generation, never for the main turn.
	Chat(ctx context.Context, req Request) (*Response, error)
}

// ThinkingCapable is implemented by providers whose models expose a
// tunable reasoning effort.
type ThinkingCapable interface {
	SupportsThinking(model string) bool
}

// ThinkingLevel controls reasoning effort for models that support it.
type ThinkingLevel string

// Thinking levels.
const (
	ThinkingOff    ThinkingLevel = "off"
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
	ThinkingMax    ThinkingLevel = "max"
)

// ValidThinkingLevel reports whether level is one of the known settings.
func ValidThinkingLevel(level ThinkingLevel) bool {
	switch level {
	case ThinkingOff, ThinkingLow, ThinkingMedium, ThinkingHigh, ThinkingMax:
		return true
	}
	return false
}
