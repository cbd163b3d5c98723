// Package tools defines the Tool contract and registry for the agent
// runtime. Tools are side-effecting capabilities the model can invoke;
// they run in supervised tasks and report results as plain text.
package tools

import "context"

// Tag classifies a tool for policy filtering. The agent enables or
// disables whole groups by tag, never by concrete type identity.
type Tag string

// Tool tags.
const (
	TagSubAgent Tag = "sub_agent"
	TagDebug    Tag = "debug"
	TagSkill    Tag = "skill"
	TagMCP      Tag = "mcp"
)

// StateSnapshot is a frozen, read-only view of the agent handed to tools.
// Tools must not call back into the live agent.
type StateSnapshot struct {
	SessionID    string `json:"session_id"`
	Status       string `json:"status"`
	Model        string `json:"model"`
	MessageCount int    `json:"message_count"`
	WorkingDir   string `json:"working_dir"`
}

// Context carries per-call execution context into a tool.
type Context struct {
	WorkingDir string
	SessionID  string
	CallID     string
	Snapshot   StateSnapshot

	// Emit streams an intermediate output chunk to observers. May be nil.
	Emit func(chunk string)
}

// Result is the outcome of one tool execution.
type Result struct {
	// Content is the text handed back to the model.
	Content string `json:"content"`

	// IsError indicates the execution failed; the content then carries
	// the error message.
	IsError bool `json:"is_error"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Tool is the contract every tool implements.
type Tool interface {
	// Name returns the unique identifier for this tool.
	Name() string

	// Description returns a human-readable description of what this tool does.
	Description() string

	// Parameters returns the JSON Schema for the tool's input parameters.
	Parameters() map[string]any

	// Tags returns the policy tags this tool carries.
	Tags() []Tag

	// Execute runs the tool. It may block; the runner invokes it in a
	// separate supervised task and cancels via ctx on abort.
	Execute(ctx context.Context, args map[string]any, tc Context) (Result, error)
}

// MetaProvider is implemented by tools that can render a short label for
// UI display from their arguments.
type MetaProvider interface {
	Meta(args map[string]any) string
}

// NewSuccessResult creates a successful result with the given content.
func NewSuccessResult(content string) Result {
	return Result{Content: content}
}

// NewErrorResult creates an error result with the given message.
func NewErrorResult(errMsg string) Result {
	return Result{Content: errMsg, IsError: true}
}

// BaseTool provides a convenient base implementation. Embed it and
// override Execute.
type BaseTool struct {
	ToolName        string
	ToolDescription string
	ToolParameters  map[string]any
	ToolTags        []Tag
}

// Name returns the tool name.
func (t *BaseTool) Name() string {
	return t.ToolName
}

// Description returns the tool description.
func (t *BaseTool) Description() string {
	return t.ToolDescription
}

// Parameters returns the tool parameter schema.
func (t *BaseTool) Parameters() map[string]any {
	if t.ToolParameters == nil {
		return map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	return t.ToolParameters
}

// Tags returns the tool tags.
func (t *BaseTool) Tags() []Tag {
	return t.ToolTags
}
