package bus

import (
	"time"

	"loom/internal/provider"
	"loom/internal/session"
)

// EventType identifies the kind of broadcast event.
type EventType string

// Broadcast event types.
const (
	EventAgentStart     EventType = "agent_start"
	EventAgentEnd       EventType = "agent_end"
	EventAgentAbort     EventType = "agent_abort"
	EventAgentRecovered EventType = "agent_recovered"

	EventMessageStart  EventType = "message_start"
	EventMessageDelta  EventType = "message_delta"
	EventThinkingStart EventType = "thinking_start"
	EventThinkingDelta EventType = "thinking_delta"

	EventToolExecutionStart EventType = "tool_execution_start"
	EventToolExecutionEnd   EventType = "tool_execution_end"

	EventTurnEnd     EventType = "turn_end"
	EventUsageUpdate EventType = "usage_update"
	EventStatus      EventType = "status_update"

	EventCompactionStart EventType = "compaction_start"
	EventCompactionEnd   EventType = "compaction_end"

	EventContextDiscovered EventType = "context_discovered"
	EventSkillLoaded       EventType = "skill_loaded"

	EventSubAgent EventType = "sub_agent_event"
	EventError    EventType = "error"
)

// Event is the broadcast payload delivered through the bus. Only the
// fields relevant to the Type are populated.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`

	// message_delta / thinking_delta
	Delta string `json:"delta,omitempty"`

	// status_update / error
	StatusText string `json:"status_text,omitempty"`
	Reason     string `json:"reason,omitempty"`

	// tool_execution_start / tool_execution_end
	Tool    string         `json:"tool,omitempty"`
	CallID  string         `json:"call_id,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
	Meta    string         `json:"meta,omitempty"`
	Result  string         `json:"result,omitempty"`
	IsError bool           `json:"is_error,omitempty"`

	// turn_end
	Message *session.Message `json:"message,omitempty"`

	// agent_end / usage_update
	Usage *provider.Usage `json:"usage,omitempty"`

	// compaction_end: estimated tokens before and after
	Before int `json:"before,omitempty"`
	After  int `json:"after,omitempty"`

	// context_discovered / skill_loaded
	Files []string `json:"files,omitempty"`
	Skill string   `json:"skill,omitempty"`

	// sub_agent_event
	ParentCallID string `json:"parent_call_id,omitempty"`
	SubSessionID string `json:"sub_session_id,omitempty"`
	Inner        *Event `json:"inner,omitempty"`
}

// NewErrorEvent builds an error event with a human-readable reason.
func NewErrorEvent(reason string) Event {
	return Event{Type: EventError, Reason: reason, Timestamp: time.Now()}
}
