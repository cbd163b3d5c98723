package compaction

import "loom/internal/session"

// charsPerToken is the estimation heuristic: roughly four characters per
// token for English-heavy content.
const charsPerToken = 4

// messageOverheadTokens covers role markers and separators per message.
const messageOverheadTokens = 4

// EstimateText estimates the token count of a text.
func EstimateText(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// EstimateMessage estimates the token count of one message, including
// thinking text and tool call arguments.
func EstimateMessage(msg session.Message) int {
	total := EstimateText(msg.Content) + messageOverheadTokens
	total += EstimateText(msg.Thinking)
	for _, tc := range msg.ToolCalls {
		total += EstimateText(tc.Name)
		for k, v := range tc.Arguments {
			total += EstimateText(k)
			if s, ok := v.(string); ok {
				total += EstimateText(s)
			} else {
				total += messageOverheadTokens
			}
		}
	}
	return total
}

// EstimateMessages estimates the total token count of a message list.
func EstimateMessages(msgs []session.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessage(m)
	}
	return total
}

// EstimateContext estimates the current conversation size. When a prior
// usage report is available it is used as a calibrated base, with the
// heuristic applied only to messages appended after the report.
// lastUsageIndex is the message count at the time of the report.
func EstimateContext(msgs []session.Message, lastPromptTokens, lastUsageIndex int) int {
	if lastPromptTokens <= 0 {
		return EstimateMessages(msgs)
	}
	if lastUsageIndex < 0 {
		lastUsageIndex = 0
	}
	if lastUsageIndex > len(msgs) {
		lastUsageIndex = len(msgs)
	}
	return lastPromptTokens + EstimateMessages(msgs[lastUsageIndex:])
}
