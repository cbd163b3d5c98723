// Package agent implements the per-session agent state machine: it
// drives the provider stream through a pure reducer, executes tool
// calls sequentially, repairs conversation integrity and manages the
// context window.
package agent

import (
	"time"

	"loom/internal/bus"
	"loom/internal/provider"
	"loom/internal/session"
)

// PendingCall accumulates one tool call while the stream is open.
type PendingCall struct {
	CallID       string
	Name         string
	ArgsFragment string
	Args         map[string]any

	// ParseFailed marks a call whose argument JSON never parsed; it is
	// dropped at finalisation.
	ParseFailed bool
	Done        bool
}

// TurnState holds the accumulators for the active provider turn. It is
// only ever advanced by Reduce, which is pure: a given state and event
// always produce the same next state and broadcast events.
type TurnState struct {
	Text     string
	Thinking string

	ToolCalls []PendingCall

	// MessageStarted guards the single message_start broadcast. Reasoning
	// deltas never set it; a chunk carrying only reasoning must not start
	// the visible message.
	MessageStarted  bool
	ThinkingStarted bool

	// Done is set by response_done.
	Done bool

	// StreamErrored carries the mid-stream error reason; a non-empty
	// value blocks finalisation of the turn.
	StreamErrored string

	Usage *provider.Usage
}

// Reduce folds one semantic stream event into the turn state and returns
// the broadcast events it produces, in order.
func Reduce(st TurnState, ev provider.StreamEvent) (TurnState, []bus.Event) {
	var out []bus.Event
	now := time.Now()

	switch ev.Type {
	case provider.StreamTextStart:
		// The first non-empty text delta opens the message; an explicit
		// start with no payload is not enough.

	case provider.StreamTextDelta, provider.StreamTextDone:
		if ev.Text == "" {
			break
		}
		if ev.Type == provider.StreamTextDone {
			// Terminal snapshot; only append what the deltas missed.
			if len(ev.Text) <= len(st.Text) {
				break
			}
			ev.Text = ev.Text[len(st.Text):]
		}
		if !st.MessageStarted {
			st.MessageStarted = true
			out = append(out, bus.Event{Type: bus.EventMessageStart, Timestamp: now})
		}
		st.Text += ev.Text
		out = append(out, bus.Event{Type: bus.EventMessageDelta, Delta: ev.Text, Timestamp: now})

	case provider.StreamThinkingStart:
		if !st.ThinkingStarted {
			st.ThinkingStarted = true
			out = append(out, bus.Event{Type: bus.EventThinkingStart, Timestamp: now})
		}

	case provider.StreamThinkingDelta:
		if ev.Text == "" {
			break
		}
		if !st.ThinkingStarted {
			// Auto-synthesise the start for providers that never send one.
			st.ThinkingStarted = true
			out = append(out, bus.Event{Type: bus.EventThinkingStart, Timestamp: now})
		}
		st.Thinking += ev.Text
		out = append(out, bus.Event{Type: bus.EventThinkingDelta, Delta: ev.Text, Timestamp: now})

	case provider.StreamToolCallStart:
		st.ToolCalls = append(st.ToolCalls, PendingCall{
			CallID: ev.CallID,
			Name:   ev.ToolName,
		})

	case provider.StreamToolCallDelta:
		if i := st.findCall(ev.CallID); i >= 0 {
			st.ToolCalls[i].ArgsFragment += ev.ArgumentsFragment
		}

	case provider.StreamToolCallDone:
		if i := st.findCall(ev.CallID); i >= 0 {
			st.ToolCalls[i].Args = ev.Arguments
			st.ToolCalls[i].ParseFailed = ev.ParseFailed
			st.ToolCalls[i].Done = true
		}

	case provider.StreamUsage:
		if ev.Usage != nil {
			st.Usage = ev.Usage
			out = append(out, bus.Event{Type: bus.EventUsageUpdate, Usage: ev.Usage, Timestamp: now})
		}

	case provider.StreamResponseDone:
		if ev.Usage != nil && st.Usage == nil {
			st.Usage = ev.Usage
			out = append(out, bus.Event{Type: bus.EventUsageUpdate, Usage: ev.Usage, Timestamp: now})
		}
		st.Done = true

	case provider.StreamError:
		reason := "stream error"
		if ev.Err != nil {
			reason = ev.Err.Error()
		}
		st.StreamErrored = reason
		out = append(out, bus.NewErrorEvent(reason))
	}

	return st, out
}

func (st *TurnState) findCall(callID string) int {
	// Deltas for an in-flight call may omit the ID; they belong to the
	// last opened call.
	if callID == "" {
		return len(st.ToolCalls) - 1
	}
	for i := range st.ToolCalls {
		if st.ToolCalls[i].CallID == callID {
			return i
		}
	}
	return -1
}

// FinalToolCalls returns the completed calls, dropping any with an empty
// identity or unparseable arguments.
func (st *TurnState) FinalToolCalls() []session.ToolCall {
	var out []session.ToolCall
	for _, pc := range st.ToolCalls {
		if pc.ParseFailed {
			continue
		}
		tc := session.ToolCall{CallID: pc.CallID, Name: pc.Name, Arguments: pc.Args}
		if !tc.Valid() {
			continue
		}
		out = append(out, tc)
	}
	return out
}

// AssistantMessage builds the assistant message this turn produced.
// Callers must check StreamErrored first; an errored turn commits
// nothing.
func (st *TurnState) AssistantMessage() session.Message {
	return session.Message{
		Role:      session.RoleAssistant,
		Content:   st.Text,
		Thinking:  st.Thinking,
		ToolCalls: st.FinalToolCalls(),
	}
}

// Empty reports whether the turn accumulated nothing worth committing.
func (st *TurnState) Empty() bool {
	return st.Text == "" && st.Thinking == "" && len(st.FinalToolCalls()) == 0
}
