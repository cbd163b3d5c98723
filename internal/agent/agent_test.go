package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/bus"
	"loom/internal/provider"
	"loom/internal/session"
	"loom/internal/tools"
)

// scriptTurn is one scripted provider response: either an init error or
// a sequence of stream events. A non-nil hold keeps the stream open
// after the events until the channel is closed.
type scriptTurn struct {
	err    error
	events []provider.StreamEvent
	hold   chan struct{}
}

type scriptedProvider struct {
	mu       sync.Mutex
	turns    []scriptTurn
	requests []provider.Request

	chatContent string
	chatErr     error
	models      []string
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Models() []string { return p.models }

func (p *scriptedProvider) Stream(ctx context.Context, req provider.Request) (<-chan provider.StreamEvent, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	var turn scriptTurn
	if len(p.turns) > 0 {
		turn = p.turns[0]
		p.turns = p.turns[1:]
	}
	p.mu.Unlock()

	if turn.err != nil {
		return nil, turn.err
	}

	ch := make(chan provider.StreamEvent)
	go func() {
		defer close(ch)
		for _, ev := range turn.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if turn.hold != nil {
			select {
			case <-turn.hold:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

func (p *scriptedProvider) Chat(ctx context.Context, req provider.Request) (*provider.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.chatErr != nil {
		return nil, p.chatErr
	}
	content := p.chatContent
	if content == "" {
		content = "summary"
	}
	return &provider.Response{Content: content}, nil
}

func (p *scriptedProvider) streamRequests() []provider.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.Request(nil), p.requests...)
}

func textTurn(text string) scriptTurn {
	return scriptTurn{events: []provider.StreamEvent{
		{Type: provider.StreamTextDelta, Text: text},
		{Type: provider.StreamUsage, Usage: &provider.Usage{PromptTokens: 50, CompletionTokens: 5}},
		{Type: provider.StreamResponseDone},
	}}
}

func toolTurn(callID, name string, args map[string]any) scriptTurn {
	return scriptTurn{events: []provider.StreamEvent{
		{Type: provider.StreamToolCallStart, CallID: callID, ToolName: name},
		{Type: provider.StreamToolCallDone, CallID: callID, Arguments: args},
		{Type: provider.StreamResponseDone},
	}}
}

// echoTool returns its text argument.
type echoTool struct {
	tools.BaseTool
}

func newEchoTool() *echoTool {
	return &echoTool{BaseTool: tools.BaseTool{ToolName: "echo", ToolDescription: "echoes"}}
}

func (e *echoTool) Execute(ctx context.Context, args map[string]any, tc tools.Context) (tools.Result, error) {
	return tools.NewSuccessResult(fmt.Sprintf("echo: %v", args["text"])), nil
}

// gateTool parks until released or cancelled.
type gateTool struct {
	tools.BaseTool
	started chan struct{}
	release chan struct{}
}

func newGateTool() *gateTool {
	return &gateTool{
		BaseTool: tools.BaseTool{ToolName: "gate", ToolDescription: "waits"},
		started:  make(chan struct{}),
		release:  make(chan struct{}),
	}
}

func (g *gateTool) Execute(ctx context.Context, args map[string]any, tc tools.Context) (tools.Result, error) {
	close(g.started)
	select {
	case <-g.release:
		return tools.NewSuccessResult("gate opened"), nil
	case <-ctx.Done():
		return tools.NewErrorResult("cancelled"), nil
	}
}

// blockingTool parks until its context is cancelled.
type blockingTool struct {
	tools.BaseTool
	started chan struct{}
}

func newBlockingTool() *blockingTool {
	return &blockingTool{
		BaseTool: tools.BaseTool{ToolName: "block", ToolDescription: "blocks"},
		started:  make(chan struct{}),
	}
}

func (b *blockingTool) Execute(ctx context.Context, args map[string]any, tc tools.Context) (tools.Result, error) {
	close(b.started)
	<-ctx.Done()
	return tools.NewErrorResult("cancelled"), nil
}

func newTestAgent(t *testing.T, cfg Config, prov provider.Provider, reg *tools.Registry) (*Agent, *bus.Subscription) {
	t.Helper()
	if cfg.Model == "" {
		cfg.Model = "test-model"
	}
	if cfg.StreamStallTimeout == 0 {
		cfg.StreamStallTimeout = 5 * time.Second
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = 5 * time.Millisecond
	}
	broker := bus.New()
	sess := session.New("")
	a := New(cfg, sess, prov, reg, broker)
	sub := broker.Subscribe(sess.ID())
	a.Start()
	t.Cleanup(func() {
		a.Stop()
		sub.Unsubscribe()
	})
	return a, sub
}

// collectUntil drains the subscription until an event of the given type
// arrives, returning everything received up to and including it.
func collectUntil(t *testing.T, sub *bus.Subscription, want bus.EventType) []bus.Event {
	t.Helper()
	var out []bus.Event
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				t.Fatalf("subscription closed while waiting for %s", want)
			}
			out = append(out, ev)
			if ev.Type == want {
				return out
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s, got %v", want, eventTypes(out))
		}
	}
}

func waitIdle(t *testing.T, a *Agent) {
	t.Helper()
	require.Eventually(t, func() bool {
		return a.State().Status == StatusIdle
	}, 3*time.Second, 5*time.Millisecond)
}

func TestAgentTextTurn(t *testing.T) {
	prov := &scriptedProvider{turns: []scriptTurn{textTurn("Hello there")}}
	a, sub := newTestAgent(t, Config{}, prov, nil)

	queued, err := a.Prompt("hi")
	require.NoError(t, err)
	assert.False(t, queued)

	got := collectUntil(t, sub, bus.EventAgentEnd)
	types := eventTypes(got)
	assert.Equal(t, []bus.EventType{
		bus.EventAgentStart,
		bus.EventMessageStart,
		bus.EventMessageDelta,
		bus.EventUsageUpdate,
		bus.EventAgentEnd,
	}, types)

	waitIdle(t, a)
	path := a.Session().Path()
	require.Len(t, path, 2)
	assert.Equal(t, session.RoleUser, path[0].Role)
	assert.Equal(t, session.RoleAssistant, path[1].Role)
	assert.Equal(t, "Hello there", path[1].Content)

	// The outgoing request leads with the system message.
	reqs := prov.streamRequests()
	require.Len(t, reqs, 1)
	require.NotEmpty(t, reqs[0].Messages)
	assert.Equal(t, session.RoleSystem, reqs[0].Messages[0].Role)
}

func TestAgentEmptyPromptRejected(t *testing.T) {
	prov := &scriptedProvider{}
	a, sub := newTestAgent(t, Config{}, prov, nil)

	_, err := a.Prompt("   \n\t")
	require.ErrorIs(t, err, ErrEmptyPrompt)

	got := collectUntil(t, sub, bus.EventError)
	assert.Equal(t, "empty prompt rejected", got[len(got)-1].Reason)
	assert.Empty(t, a.Session().Path())
}

func TestAgentToolCallTurn(t *testing.T) {
	prov := &scriptedProvider{turns: []scriptTurn{
		toolTurn("call_1", "echo", map[string]any{"text": "hi"}),
		textTurn("The tool said hi"),
	}}
	reg := tools.NewRegistry()
	reg.MustRegister(newEchoTool())
	a, sub := newTestAgent(t, Config{}, prov, reg)

	_, err := a.Prompt("use the tool")
	require.NoError(t, err)

	got := collectUntil(t, sub, bus.EventAgentEnd)
	types := eventTypes(got)
	assert.Contains(t, types, bus.EventToolExecutionStart)
	assert.Contains(t, types, bus.EventToolExecutionEnd)
	assert.Contains(t, types, bus.EventTurnEnd)

	for _, ev := range got {
		if ev.Type == bus.EventToolExecutionEnd {
			assert.Equal(t, "echo", ev.Tool)
			assert.Equal(t, "echo: hi", ev.Result)
			assert.False(t, ev.IsError)
		}
	}

	waitIdle(t, a)
	path := a.Session().Path()
	require.Len(t, path, 4)
	assert.Equal(t, session.RoleUser, path[0].Role)
	require.Len(t, path[1].ToolCalls, 1)
	assert.Equal(t, session.RoleToolResult, path[2].Role)
	assert.Equal(t, "call_1", path[2].CallID)
	assert.Equal(t, "echo: hi", path[2].Content)
	assert.Equal(t, "The tool said hi", path[3].Content)

	// The follow-up request carries the tool result back to the provider.
	reqs := prov.streamRequests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, session.RoleToolResult, last.Role)
	assert.Equal(t, "echo: hi", last.Content)
}

func TestAgentUnknownToolGetsSyntheticResult(t *testing.T) {
	prov := &scriptedProvider{turns: []scriptTurn{
		toolTurn("call_1", "no_such_tool", map[string]any{}),
		textTurn("recovered"),
	}}
	a, sub := newTestAgent(t, Config{}, prov, tools.NewRegistry())

	_, err := a.Prompt("go")
	require.NoError(t, err)
	collectUntil(t, sub, bus.EventAgentEnd)
	waitIdle(t, a)

	path := a.Session().Path()
	require.Len(t, path, 4)
	assert.Equal(t, session.RoleToolResult, path[2].Role)
	assert.Equal(t, "Tool not found", path[2].Content)
	assert.True(t, path[2].Error)
}

func TestAgentAbortDuringToolExecution(t *testing.T) {
	prov := &scriptedProvider{turns: []scriptTurn{
		toolTurn("call_1", "block", map[string]any{}),
	}}
	blocker := newBlockingTool()
	reg := tools.NewRegistry()
	reg.MustRegister(blocker)
	a, sub := newTestAgent(t, Config{}, prov, reg)

	_, err := a.Prompt("block forever")
	require.NoError(t, err)

	select {
	case <-blocker.started:
	case <-time.After(3 * time.Second):
		t.Fatal("tool never started")
	}

	require.NoError(t, a.Abort())
	collectUntil(t, sub, bus.EventAgentAbort)
	waitIdle(t, a)

	path := a.Session().Path()
	last := path[len(path)-1]
	assert.Equal(t, session.RoleToolResult, last.Role)
	assert.Equal(t, "call_1", last.CallID)
	assert.Equal(t, resultAborted, last.Content)
	assert.True(t, last.Error)
}

func TestAgentAbortWhileIdleIsSilent(t *testing.T) {
	prov := &scriptedProvider{}
	a, sub := newTestAgent(t, Config{}, prov, nil)

	require.NoError(t, a.Abort())
	assert.Equal(t, StatusIdle, a.State().Status)
	assert.Empty(t, sub.C)
}

func TestAgentStreamErrorCommitsNothing(t *testing.T) {
	prov := &scriptedProvider{turns: []scriptTurn{
		{events: []provider.StreamEvent{
			{Type: provider.StreamTextDelta, Text: "partial answer"},
			{Type: provider.StreamError, Err: fmt.Errorf("upstream hiccup")},
		}},
	}}
	a, sub := newTestAgent(t, Config{}, prov, nil)

	_, err := a.Prompt("hi")
	require.NoError(t, err)

	got := collectUntil(t, sub, bus.EventError)
	assert.Equal(t, "upstream hiccup", got[len(got)-1].Reason)
	waitIdle(t, a)

	// The partial assistant text must not reach the session.
	path := a.Session().Path()
	require.Len(t, path, 1)
	assert.Equal(t, session.RoleUser, path[0].Role)
}

func TestAgentTransientErrorRetries(t *testing.T) {
	prov := &scriptedProvider{turns: []scriptTurn{
		{err: provider.FromStatus(429, "slow down", "scripted")},
		textTurn("finally"),
	}}
	a, sub := newTestAgent(t, Config{RetryMaxAttempts: 3}, prov, nil)

	_, err := a.Prompt("hi")
	require.NoError(t, err)

	got := collectUntil(t, sub, bus.EventAgentEnd)
	sawRetry := false
	for _, ev := range got {
		if ev.Type == bus.EventStatus && strings.Contains(ev.StatusText, "retry 1/3") {
			sawRetry = true
		}
	}
	assert.True(t, sawRetry, "expected a retry status event, got %v", eventTypes(got))

	waitIdle(t, a)
	path := a.Session().Path()
	require.Len(t, path, 2)
	assert.Equal(t, "finally", path[1].Content)
}

func TestAgentRetriesExhausted(t *testing.T) {
	transient := provider.FromStatus(503, "down", "scripted")
	prov := &scriptedProvider{turns: []scriptTurn{
		{err: transient}, {err: transient}, {err: transient},
	}}
	a, sub := newTestAgent(t, Config{RetryMaxAttempts: 2}, prov, nil)

	_, err := a.Prompt("hi")
	require.NoError(t, err)

	got := collectUntil(t, sub, bus.EventError)
	assert.Contains(t, got[len(got)-1].Reason, "retries exhausted")
	waitIdle(t, a)
	assert.Len(t, a.Session().Path(), 1)
}

func TestAgentPermanentErrorFailsImmediately(t *testing.T) {
	prov := &scriptedProvider{turns: []scriptTurn{
		{err: provider.FromStatus(401, "bad key", "scripted")},
	}}
	a, sub := newTestAgent(t, Config{}, prov, nil)

	_, err := a.Prompt("hi")
	require.NoError(t, err)

	collectUntil(t, sub, bus.EventError)
	waitIdle(t, a)
	require.Len(t, prov.streamRequests(), 1, "permanent errors must not retry")
}

func TestAgentOverflowCompactsAndRetries(t *testing.T) {
	filler := strings.Repeat("x", 400)
	overflow := provider.FromStatus(400, "maximum context length exceeded", "scripted")
	prov := &scriptedProvider{
		turns:       []scriptTurn{{err: overflow}, textTurn("after compaction")},
		chatContent: "what happened so far",
	}

	broker := bus.New()
	sess := session.New("")
	for i := 0; i < 8; i++ {
		role := session.RoleUser
		if i%2 == 1 {
			role = session.RoleAssistant
		}
		sess.Append(session.Message{Role: role, Content: filler})
	}

	a := New(Config{
		Model:              "test-model",
		ContextWindow:      2000,
		StreamStallTimeout: 5 * time.Second,
		RetryBaseDelay:     5 * time.Millisecond,
	}, sess, prov, nil, broker)
	sub := broker.Subscribe(sess.ID())
	a.Start()
	t.Cleanup(func() {
		a.Stop()
		sub.Unsubscribe()
	})

	_, err := a.Prompt("next step")
	require.NoError(t, err)

	got := collectUntil(t, sub, bus.EventAgentEnd)
	types := eventTypes(got)
	assert.Contains(t, types, bus.EventCompactionStart)
	assert.Contains(t, types, bus.EventCompactionEnd)

	waitIdle(t, a)
	path := a.Session().Path()
	assert.Contains(t, path[0].Content, "what happened so far")
	assert.Equal(t, "after compaction", path[len(path)-1].Content)
	require.Len(t, prov.streamRequests(), 2)
}

func TestAgentQueuedPromptChainsTurns(t *testing.T) {
	hold := make(chan struct{})
	prov := &scriptedProvider{turns: []scriptTurn{
		{
			events: []provider.StreamEvent{
				{Type: provider.StreamTextDelta, Text: "one"},
				{Type: provider.StreamResponseDone},
			},
			hold: hold,
		},
		textTurn("two"),
	}}
	a, sub := newTestAgent(t, Config{}, prov, nil)

	queued, err := a.Prompt("first")
	require.NoError(t, err)
	assert.False(t, queued)

	collectUntil(t, sub, bus.EventMessageDelta)

	queued, err = a.Prompt("second")
	require.NoError(t, err)
	assert.True(t, queued)

	close(hold)

	got := collectUntil(t, sub, bus.EventAgentEnd)
	got = append(got, collectUntil(t, sub, bus.EventAgentEnd)...)

	starts := 0
	for _, ev := range got {
		if ev.Type == bus.EventAgentStart {
			starts++
		}
	}
	assert.Equal(t, 1, starts, "the chained turn re-announces agent_start")

	waitIdle(t, a)
	path := a.Session().Path()
	require.Len(t, path, 4)
	assert.Equal(t, "first", path[0].Content)
	assert.Equal(t, "one", path[1].Content)
	assert.Equal(t, "second", path[2].Content)
	assert.Equal(t, "two", path[3].Content)
}

func TestAgentSteerSkipsRemainingToolCalls(t *testing.T) {
	prov := &scriptedProvider{turns: []scriptTurn{
		{events: []provider.StreamEvent{
			{Type: provider.StreamToolCallStart, CallID: "call_1", ToolName: "gate"},
			{Type: provider.StreamToolCallDone, CallID: "call_1", Arguments: map[string]any{}},
			{Type: provider.StreamToolCallStart, CallID: "call_2", ToolName: "echo"},
			{Type: provider.StreamToolCallDone, CallID: "call_2", Arguments: map[string]any{"text": "skipped"}},
			{Type: provider.StreamResponseDone},
		}},
		textTurn("steered"),
	}}
	gate := newGateTool()
	reg := tools.NewRegistry()
	reg.MustRegister(gate)
	reg.MustRegister(newEchoTool())
	a, sub := newTestAgent(t, Config{}, prov, reg)

	_, err := a.Prompt("run both")
	require.NoError(t, err)

	select {
	case <-gate.started:
	case <-time.After(3 * time.Second):
		t.Fatal("first tool never started")
	}

	// Steering while call_1 runs; call_2 must be skipped, not executed.
	require.NoError(t, a.Steer("actually, do this instead"))
	close(gate.release)

	collectUntil(t, sub, bus.EventAgentEnd)
	waitIdle(t, a)

	path := a.Session().Path()
	var call2 *session.Message
	var steerSeen, echoRan bool
	for i := range path {
		m := path[i]
		if m.Role == session.RoleToolResult && m.CallID == "call_2" {
			call2 = &path[i]
			if !m.Error {
				echoRan = true
			}
		}
		if m.Role == session.RoleUser && m.Content == "actually, do this instead" {
			steerSeen = true
		}
	}
	assert.False(t, echoRan, "skipped call must not execute")
	require.NotNil(t, call2, "skipped call still needs a result for pairing")
	assert.Equal(t, resultFailed, call2.Content)
	assert.True(t, steerSeen, "steering text joins the conversation")
	assert.Equal(t, "steered", path[len(path)-1].Content)
}

func TestAgentSetModel(t *testing.T) {
	prov := &scriptedProvider{models: []string{"m1", "m2"}}
	a, _ := newTestAgent(t, Config{Model: "m1"}, prov, nil)

	require.NoError(t, a.SetModel("m2"))
	assert.Equal(t, "m2", a.State().Model)

	err := a.SetModel("m3")
	require.ErrorIs(t, err, ErrUnknownModel)
	assert.Equal(t, "m2", a.State().Model)
}

func TestAgentSetThinkingLevel(t *testing.T) {
	prov := &scriptedProvider{}
	a, _ := newTestAgent(t, Config{}, prov, nil)

	// scriptedProvider has no thinking support.
	err := a.SetThinkingLevel(provider.ThinkingHigh)
	require.ErrorIs(t, err, ErrNoThinking)

	require.NoError(t, a.SetThinkingLevel(provider.ThinkingOff))
	assert.Error(t, a.SetThinkingLevel(provider.ThinkingLevel("extreme")))
}

func TestAgentCompactRequiresIdle(t *testing.T) {
	prov := &scriptedProvider{turns: []scriptTurn{
		toolTurn("call_1", "block", map[string]any{}),
	}}
	blocker := newBlockingTool()
	reg := tools.NewRegistry()
	reg.MustRegister(blocker)
	a, _ := newTestAgent(t, Config{ContextWindow: 128000}, prov, reg)

	_, err := a.Prompt("go")
	require.NoError(t, err)
	<-blocker.started

	require.ErrorIs(t, a.Compact(0), ErrBusy)
	require.NoError(t, a.Abort())
}

func TestAgentTitleGeneration(t *testing.T) {
	prov := &scriptedProvider{
		turns:       []scriptTurn{textTurn("ok")},
		chatContent: "Fixing the build",
	}
	a, sub := newTestAgent(t, Config{GenerateTitle: true}, prov, nil)

	_, err := a.Prompt("the build is broken, help")
	require.NoError(t, err)
	collectUntil(t, sub, bus.EventAgentEnd)

	require.Eventually(t, func() bool {
		title, ok := a.Session().GetMetadata("title")
		return ok && title == "Fixing the build"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestBackoffMonotoneAndCapped(t *testing.T) {
	a := New(Config{
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  8 * time.Second,
	}, session.New(""), &scriptedProvider{}, nil, bus.New())

	assert.Equal(t, time.Second, a.backoff(1))
	assert.Equal(t, 2*time.Second, a.backoff(2))
	assert.Equal(t, 4*time.Second, a.backoff(3))
	assert.Equal(t, 8*time.Second, a.backoff(4))
	assert.Equal(t, 8*time.Second, a.backoff(5))

	prev := time.Duration(0)
	for i := 1; i <= 10; i++ {
		d := a.backoff(i)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
}

func TestSubAgentToolRunsChildToCompletion(t *testing.T) {
	prov := &scriptedProvider{turns: []scriptTurn{textTurn("child answer")}}
	broker := bus.New()
	reg := tools.NewRegistry()

	tool := NewSubAgentTool(Config{Model: "test-model"}, prov, reg, broker)

	parentSub := broker.Subscribe("parent-session")
	defer parentSub.Unsubscribe()

	res, err := tool.Execute(context.Background(), map[string]any{"task": "answer me"}, tools.Context{
		SessionID: "parent-session",
		CallID:    "call_42",
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "child answer", res.Content)

	// The child's events arrive on the parent topic, wrapped.
	var sawForwarded bool
	for {
		select {
		case ev := <-parentSub.C:
			if ev.Type == bus.EventSubAgent {
				sawForwarded = true
				assert.Equal(t, "call_42", ev.ParentCallID)
				assert.NotNil(t, ev.Inner)
			}
		case <-time.After(100 * time.Millisecond):
			assert.True(t, sawForwarded, "expected forwarded child events")
			return
		}
	}
}

func TestSubAgentToolDepthCap(t *testing.T) {
	prov := &scriptedProvider{}
	broker := bus.New()
	reg := tools.NewRegistry()
	reg.MustRegister(newEchoTool())
	reg.MustRegister(NewSubAgentTool(Config{Model: "test-model"}, prov, reg, broker))

	child := reg.FilterByTags(tools.TagSubAgent)
	_, ok := child.Get("sub_agent")
	assert.False(t, ok)
	_, ok = child.Get("echo")
	assert.True(t, ok)
}
