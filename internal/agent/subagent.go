package agent

import (
	"context"
	"time"

	"loom/internal/bus"
	"loom/internal/provider"
	"loom/internal/session"
	"loom/internal/tools"
)

// DefaultSubAgentTimeout bounds one delegated task.
const DefaultSubAgentTimeout = 2 * time.Minute

// SubAgentArgs defines the parameters for the sub_agent tool.
type SubAgentArgs struct {
	Task string `json:"task" jsonschema:"description=The task to delegate to a sub-agent. Be specific about the expected output,required"`
}

// SubAgentTool delegates a task to a child agent with its own session.
// The child's events are forwarded to the parent topic wrapped as
// sub_agent_event. Depth is capped at one level: the child's registry
// has every sub_agent tool filtered out.
type SubAgentTool struct {
	tools.BaseTool

	prov     provider.Provider
	registry *tools.Registry
	broker   *bus.Bus
	base     Config

	// Timeout bounds one delegated task; zero means the default.
	Timeout time.Duration
}

// NewSubAgentTool creates the sub_agent tool. The base config seeds each
// child agent; session persistence and title generation are disabled for
// children.
func NewSubAgentTool(base Config, prov provider.Provider, registry *tools.Registry, broker *bus.Bus) *SubAgentTool {
	return &SubAgentTool{
		BaseTool: tools.BaseTool{
			ToolName:        "sub_agent",
			ToolDescription: "Delegate a self-contained task to a sub-agent with its own conversation. Returns the sub-agent's final answer. Use for research or multi-step subtasks that would clutter the main conversation.",
			ToolParameters:  tools.BuildSchema(SubAgentArgs{}),
			ToolTags:        []tools.Tag{tools.TagSubAgent},
		},
		prov:     prov,
		registry: registry,
		broker:   broker,
		base:     base,
	}
}

// Meta returns a short label for UI display.
func (t *SubAgentTool) Meta(args map[string]any) string {
	task, _ := args["task"].(string)
	if len(task) > 60 {
		task = task[:60] + "..."
	}
	return task
}

// Execute runs the delegated task to completion.
func (t *SubAgentTool) Execute(ctx context.Context, args map[string]any, tc tools.Context) (tools.Result, error) {
	task, _ := args["task"].(string)
	if task == "" {
		return tools.Result{}, tools.NewInvalidArgsError(t.Name(), "task is required", nil)
	}

	childSess := session.New("")
	cfg := t.base
	cfg.GenerateTitle = false
	cfg.AutoSave = false
	cfg.SavePath = ""

	child := New(cfg, childSess, t.prov, t.registry.FilterByTags(tools.TagSubAgent), t.broker)

	sub := t.broker.Subscribe(childSess.ID())
	defer sub.Unsubscribe()

	child.Start()
	defer child.Stop()

	if _, err := child.Prompt(task); err != nil {
		return tools.NewErrorResult("sub-agent prompt failed: " + err.Error()), nil
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultSubAgentTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return t.finalResult(childSess), nil
			}
			inner := ev
			t.broker.Publish(tc.SessionID, bus.Event{
				Type:         bus.EventSubAgent,
				ParentCallID: tc.CallID,
				SubSessionID: childSess.ID(),
				Inner:        &inner,
			})
			switch ev.Type {
			case bus.EventAgentEnd:
				return t.finalResult(childSess), nil
			case bus.EventError:
				return tools.NewErrorResult("sub-agent failed: " + ev.Reason), nil
			case bus.EventAgentAbort:
				return tools.NewErrorResult("sub-agent aborted"), nil
			}

		case <-ctx.Done():
			_ = child.Abort()
			return tools.NewErrorResult("sub-agent cancelled"), nil

		case <-timer.C:
			_ = child.Abort()
			return tools.NewErrorResult("sub-agent timed out"), nil
		}
	}
}

// finalResult extracts the child's last assistant message.
func (t *SubAgentTool) finalResult(sess *session.Session) tools.Result {
	path := sess.Path()
	for i := len(path) - 1; i >= 0; i-- {
		if path[i].Role == session.RoleAssistant && path[i].Content != "" {
			return tools.NewSuccessResult(path[i].Content)
		}
	}
	return tools.NewErrorResult("sub-agent produced no answer")
}
