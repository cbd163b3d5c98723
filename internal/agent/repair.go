package agent

import (
	"loom/internal/session"
	"loom/pkg/logger"
)

// Synthetic tool_result contents injected by the repair layers.
const (
	resultAborted = "[Aborted by user]"
	resultFailed  = "[Tool execution failed]"
)

// MissingResults scans the conversation chronologically and returns a
// synthetic error tool_result for every assistant tool call that has no
// matching result anywhere later in the list. The caller appends the
// results to the session. Runs at every turn start and on abort, after
// cancelling tool tasks.
func MissingResults(msgs []session.Message, content string) []session.Message {
	answered := make(map[string]struct{})
	for _, m := range msgs {
		if m.Role == session.RoleToolResult && m.CallID != "" {
			answered[m.CallID] = struct{}{}
		}
	}

	var out []session.Message
	for _, m := range msgs {
		if m.Role != session.RoleAssistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			if tc.CallID == "" {
				continue
			}
			if _, ok := answered[tc.CallID]; ok {
				continue
			}
			answered[tc.CallID] = struct{}{}
			out = append(out, session.Message{
				Role:    session.RoleToolResult,
				CallID:  tc.CallID,
				Content: content,
				Error:   true,
			})
		}
	}
	return out
}

// ValidateOutgoing is the positional defence run on every outgoing
// message list, after orphan repair and immediately before the provider
// call. It relocates stray tool_results to directly after their
// assistant message, injects synthetic error results for calls still
// missing one, and strips orphaned or duplicate results. The returned
// list satisfies the pairing invariants by construction.
func ValidateOutgoing(msgs []session.Message) []session.Message {
	type located struct {
		index int
		msg   session.Message
	}

	// First result per call_id wins; duplicates are dropped.
	results := make(map[string]located)
	for i, m := range msgs {
		if m.Role != session.RoleToolResult || m.CallID == "" {
			continue
		}
		if _, dup := results[m.CallID]; !dup {
			results[m.CallID] = located{index: i, msg: m}
		}
	}

	used := make(map[string]struct{})
	out := make([]session.Message, 0, len(msgs))
	injected := 0

	for i, m := range msgs {
		if m.Role == session.RoleToolResult {
			// Placed next to its assistant below, or dropped.
			continue
		}
		out = append(out, m)
		if m.Role != session.RoleAssistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			if tc.CallID == "" {
				continue
			}
			if _, taken := used[tc.CallID]; taken {
				continue
			}
			used[tc.CallID] = struct{}{}
			if r, ok := results[tc.CallID]; ok && r.index > i {
				out = append(out, r.msg)
				continue
			}
			out = append(out, session.Message{
				Role:    session.RoleToolResult,
				CallID:  tc.CallID,
				Content: resultFailed,
				Error:   true,
			})
			injected++
		}
	}

	// Orphans: results never consumed by a prior call.
	dropped := 0
	for id := range results {
		if _, ok := used[id]; !ok {
			dropped++
		}
	}
	if injected > 0 || dropped > 0 {
		logger.Debug().
			Int("injected", injected).
			Int("orphans_dropped", dropped).
			Msg("outgoing message list repaired")
	}
	return out
}
