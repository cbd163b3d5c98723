// Package session implements the conversation store: a tree of messages
// with branching, path walking, segment replacement and line-delimited
// on-disk persistence.
package session

import "time"

// Role identifies the author of a message.
type Role string

// Message roles. Tool calls are embedded in assistant messages; only tool
// results are first-class messages.
const (
	RoleSystem     Role = "system"
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool_result"
)

// ToolCall is a tool invocation requested by an assistant message.
type ToolCall struct {
	CallID    string         `json:"call_id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Valid reports whether the call carries a usable identity. Calls with an
// empty call_id or name are filtered out at turn finalisation.
func (tc ToolCall) Valid() bool {
	return tc.CallID != "" && tc.Name != ""
}

// Message is one immutable record in the conversation tree.
type Message struct {
	ID        string     `json:"id"`
	ParentID  string     `json:"parent_id,omitempty"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// CallID links a tool_result back to the originating ToolCall.
	CallID string `json:"call_id,omitempty"`

	// Thinking holds accumulated reasoning text, persisted with the message.
	Thinking string `json:"thinking,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	// Error is true iff this is a tool_result representing failure.
	Error bool `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Metadata keys used for compaction summaries.
const (
	MetaType              = "type"
	MetaCompactionSummary = "compaction_summary"
	MetaReadFiles         = "read_files"
	MetaModifiedFiles     = "modified_files"
)

// IsCompactionSummary reports whether the message is a compaction summary
// produced by a previous compaction cycle.
func (m *Message) IsCompactionSummary() bool {
	if m == nil || m.Metadata == nil {
		return false
	}
	t, _ := m.Metadata[MetaType].(string)
	return t == MetaCompactionSummary
}

// clone returns a deep-enough copy for handing out to readers. Tool call
// slices are copied; argument maps are shared but treated as read-only.
func (m *Message) clone() Message {
	cp := *m
	if len(m.ToolCalls) > 0 {
		cp.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(cp.ToolCalls, m.ToolCalls)
	}
	return cp
}
