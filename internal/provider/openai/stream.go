package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"loom/internal/provider"
	"loom/pkg/logger"
)

// parseChunk converts one wire chunk into zero or more semantic stream
// events. It is a pure function of the chunk: tool-call argument
// accumulation and terminal events live in ProcessStream.
func parseChunk(chunk chatStreamChunk) []provider.StreamEvent {
	if chunk.Error != nil {
		return []provider.StreamEvent{{
			Type: provider.StreamError,
			Err:  fmt.Errorf("[%s] %s", chunk.Error.Type, chunk.Error.Message),
		}}
	}
	if len(chunk.Choices) == 0 {
		return nil
	}

	var events []provider.StreamEvent
	delta := chunk.Choices[0].Delta

	if delta.ReasoningContent != "" {
		events = append(events, provider.StreamEvent{
			Type: provider.StreamThinkingDelta,
			Text: delta.ReasoningContent,
		})
	}
	if delta.Content != "" {
		events = append(events, provider.StreamEvent{
			Type: provider.StreamTextDelta,
			Text: delta.Content,
		})
	}
	for _, tc := range delta.ToolCalls {
		if tc.ID != "" {
			events = append(events, provider.StreamEvent{
				Type:     provider.StreamToolCallStart,
				CallID:   tc.ID,
				ToolName: tc.Function.Name,
			})
		}
		if tc.Function.Arguments != "" {
			events = append(events, provider.StreamEvent{
				Type:              provider.StreamToolCallDelta,
				CallID:            tc.ID,
				ArgumentsFragment: tc.Function.Arguments,
			})
		}
	}
	return events
}

// callState accumulates argument fragments for one streamed tool call.
type callState struct {
	id   string
	name string
	args strings.Builder
}

// ProcessStream reads an OpenAI-compatible SSE stream and emits semantic
// events. Each wire event is prefixed with "data: "; the stream ends with
// "data: [DONE]". tool_call_done events are synthesised when the wire
// signals a finish reason; usage and response_done wait for [DONE] (or
// stream end), because with stream_options.include_usage the usage chunk
// arrives after the finish_reason chunk. Every send selects on ctx so the
// producer exits when the consumer stops reading.
func ProcessStream(ctx context.Context, reader io.ReadCloser) <-chan provider.StreamEvent {
	events := make(chan provider.StreamEvent, 32)

	go func() {
		defer close(events)
		defer reader.Close()

		scanner := bufio.NewScanner(reader)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		// index -> accumulating call, in wire order
		calls := make(map[int]*callState)
		callOrder := []int{}
		var finalUsage *provider.Usage
		finishSeen := false
		doneSent := false

		emit := func(ev provider.StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		finishCalls := func() bool {
			for _, idx := range callOrder {
				cs := calls[idx]
				ev := provider.StreamEvent{
					Type:     provider.StreamToolCallDone,
					CallID:   cs.id,
					ToolName: cs.name,
				}
				raw := cs.args.String()
				if raw == "" {
					ev.Arguments = map[string]any{}
				} else if err := json.Unmarshal([]byte(raw), &ev.Arguments); err != nil {
					logger.Warn().Str("call_id", cs.id).Int("len", len(raw)).
						Msg("tool call arguments are not valid JSON")
					ev.ParseFailed = true
				}
				if !emit(ev) {
					return false
				}
			}
			calls = make(map[int]*callState)
			callOrder = callOrder[:0]
			return true
		}

		sendDone := func() {
			if doneSent {
				return
			}
			doneSent = true
			if !finishCalls() {
				return
			}
			if finalUsage != nil {
				if !emit(provider.StreamEvent{Type: provider.StreamUsage, Usage: finalUsage}) {
					return
				}
			}
			emit(provider.StreamEvent{Type: provider.StreamResponseDone, Usage: finalUsage})
		}

		for scanner.Scan() {
			line := scanner.Text()
			if line == "" || strings.HasPrefix(line, ":") {
				continue
			}
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				sendDone()
				return
			}

			var chunk chatStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				logger.Error().Err(err).Str("data", data).Msg("failed to parse stream chunk")
				continue
			}

			if chunk.Usage != nil {
				finalUsage = &provider.Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}
			}

			for _, ev := range parseChunk(chunk) {
				if !emit(ev) {
					return
				}
				if ev.Type == provider.StreamError {
					return
				}
			}

			// Track tool-call fragments for the synthesised done events.
			if len(chunk.Choices) > 0 {
				choice := chunk.Choices[0]
				for _, tc := range choice.Delta.ToolCalls {
					cs, ok := calls[tc.Index]
					if !ok {
						cs = &callState{}
						calls[tc.Index] = cs
						callOrder = append(callOrder, tc.Index)
					}
					if tc.ID != "" {
						cs.id = tc.ID
					}
					if tc.Function.Name != "" {
						cs.name = tc.Function.Name
					}
					cs.args.WriteString(tc.Function.Arguments)
				}
				// Flush the accumulated calls now, but hold response_done:
				// the usage chunk trails the finish_reason chunk.
				if choice.FinishReason != "" && !finishSeen {
					finishSeen = true
					if !finishCalls() {
						return
					}
				}
			}
		}

		if err := scanner.Err(); err != nil {
			logger.Error().Err(err).Msg("stream scanner error")
			emit(provider.StreamEvent{Type: provider.StreamError, Err: err})
			return
		}
		// Stream closed without [DONE]; treat as complete if a finish was
		// already seen, otherwise report truncation.
		if !doneSent {
			if finishSeen {
				sendDone()
				return
			}
			emit(provider.StreamEvent{
				Type: provider.StreamError,
				Err:  fmt.Errorf("stream ended without completion"),
			})
		}
	}()

	return events
}
