package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"loom/internal/provider"
	"loom/internal/session"
)

const providerName = "openai"

// Client is an OpenAI-compatible chat completions provider.
type Client struct {
	config Config
	http   *http.Client
}

// New creates a new Client with the given configuration.
func New(config Config) *Client {
	if config.Endpoint == "" {
		config.Endpoint = DefaultEndpoint
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = DefaultMaxTokens
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return providerName
}

// Models returns the configured model list.
func (c *Client) Models() []string {
	return c.config.Models
}

// SupportsThinking reports whether the model accepts a reasoning effort
// setting. Heuristic on the model identifier; the catalog is opaque here.
func (c *Client) SupportsThinking(model string) bool {
	m := strings.ToLower(model)
	return strings.Contains(m, "o1") || strings.Contains(m, "o3") ||
		strings.Contains(m, "reason") || strings.Contains(m, "think") ||
		strings.Contains(m, "-r1")
}

// Stream initiates a streaming chat completion.
func (c *Client) Stream(ctx context.Context, req provider.Request) (<-chan provider.StreamEvent, error) {
	wire := c.buildRequest(req, true)

	resp, err := c.do(ctx, wire)
	if err != nil {
		return nil, err
	}
	return ProcessStream(ctx, resp.Body), nil
}

// Chat sends a non-streaming chat completion.
func (c *Client) Chat(ctx context.Context, req provider.Request) (*provider.Response, error) {
	wire := c.buildRequest(req, false)

	resp, err := c.do(ctx, wire)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return nil, provider.NewError(provider.ErrCodeInvalidRequest, parsed.Error.Message, providerName, false)
	}
	if len(parsed.Choices) == 0 {
		return nil, provider.NewError(provider.ErrCodeServiceUnavailable, "empty response", providerName, true)
	}

	out := &provider.Response{}
	msg := parsed.Choices[0].Message
	if msg.Content != nil {
		out.Content = *msg.Content
	}
	for _, tc := range msg.ToolCalls {
		call := session.ToolCall{CallID: tc.ID, Name: tc.Function.Name}
		if tc.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &call.Arguments)
		}
		out.ToolCalls = append(out.ToolCalls, call)
	}
	if parsed.Usage != nil {
		out.Usage = &provider.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		}
	}
	return out, nil
}

// do sends the request and classifies HTTP-level failures.
func (c *Client) do(ctx context.Context, wire chatRequest) (*http.Response, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimSuffix(c.config.Endpoint, "/") + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, provider.NewError(provider.ErrCodeNetworkError, err.Error(), providerName, true)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		msg := string(raw)
		var parsed struct {
			Error *chatErrorInfo `json:"error"`
		}
		if json.Unmarshal(raw, &parsed) == nil && parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return nil, provider.FromStatus(resp.StatusCode, msg, providerName)
	}
	return resp, nil
}

// buildRequest converts the neutral request into the wire format.
func (c *Client) buildRequest(req provider.Request, stream bool) chatRequest {
	wire := chatRequest{
		Model:     req.Model,
		Messages:  convertMessages(req.Messages),
		Tools:     convertTools(req.Tools),
		Stream:    stream,
		MaxTokens: req.MaxTokens,
	}
	if wire.MaxTokens == 0 {
		wire.MaxTokens = c.config.MaxTokens
	}
	if req.Temperature > 0 {
		t := req.Temperature
		wire.Temperature = &t
	}
	if stream {
		wire.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	if req.ThinkingLevel != "" && req.ThinkingLevel != provider.ThinkingOff && c.SupportsThinking(req.Model) {
		wire.ReasoningEffort = reasoningEffort(req.ThinkingLevel)
	}
	return wire
}

func reasoningEffort(level provider.ThinkingLevel) string {
	switch level {
	case provider.ThinkingLow:
		return "low"
	case provider.ThinkingMedium:
		return "medium"
	case provider.ThinkingHigh, provider.ThinkingMax:
		return "high"
	default:
		return ""
	}
}

// convertMessages serialises the conversation path into wire messages.
func convertMessages(messages []session.Message) []chatMessage {
	out := make([]chatMessage, 0, len(messages))
	for i := range messages {
		m := &messages[i]
		switch m.Role {
		case session.RoleSystem, session.RoleUser:
			content := m.Content
			out = append(out, chatMessage{Role: string(m.Role), Content: &content})
		case session.RoleAssistant:
			wm := chatMessage{Role: "assistant"}
			if m.Content != "" {
				content := m.Content
				wm.Content = &content
			}
			for idx, tc := range m.ToolCalls {
				args := "{}"
				if tc.Arguments != nil {
					if raw, err := json.Marshal(tc.Arguments); err == nil {
						args = string(raw)
					}
				}
				wtc := chatToolCall{Index: idx, ID: tc.CallID, Type: "function"}
				wtc.Function.Name = tc.Name
				wtc.Function.Arguments = args
				wm.ToolCalls = append(wm.ToolCalls, wtc)
			}
			out = append(out, wm)
		case session.RoleToolResult:
			content := m.Content
			out = append(out, chatMessage{
				Role:       "tool",
				Content:    &content,
				ToolCallID: m.CallID,
			})
		}
	}
	return out
}

// convertTools serialises tool schemas into the function-calling format.
func convertTools(tools []provider.ToolSchema) []chatTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]chatTool, 0, len(tools))
	for _, t := range tools {
		params, err := json.Marshal(t.Parameters)
		if err != nil {
			params = []byte(`{"type":"object","properties":{}}`)
		}
		out = append(out, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
