package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"loom/internal/bus"
	"loom/internal/compaction"
	"loom/internal/provider"
	"loom/internal/session"
	"loom/internal/tools"
	"loom/pkg/logger"
)

// Status is the agent state machine state.
type Status string

// Agent states.
const (
	StatusIdle           Status = "idle"
	StatusRunning        Status = "running"
	StatusStreaming      Status = "streaming"
	StatusExecutingTools Status = "executing_tools"
)

// Agent errors returned synchronously from the public API.
var (
	ErrEmptyPrompt  = errors.New("agent: empty prompt")
	ErrUnknownModel = errors.New("agent: unknown model")
	ErrNoThinking   = errors.New("agent: model does not support thinking")
	ErrBusy         = errors.New("agent: busy")
	ErrStopped      = errors.New("agent: stopped")
)

// Config holds per-agent settings.
type Config struct {
	Model         string
	SystemPrompt  string
	WorkingDir    string
	ContextWindow int
	MaxTokens     int
	ThinkingLevel provider.ThinkingLevel

	// ContextPrompt carries discovered project context and skill sections
	// into the system prompt.
	ContextPrompt string

	// AutoSave persists the session on every return to idle. SavePath is
	// the target; usually the same path the session append-log writes to.
	AutoSave bool
	SavePath string

	// GenerateTitle issues a background title call on the first prompt.
	GenerateTitle bool

	StreamStallTimeout time.Duration
	RetryMaxAttempts   int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration

	CompactAutoThreshold    float64
	CompactKeepRecentTokens int
	SplitTurnThreshold      int

	// OnCrash is invoked on its own goroutine when the actor panics.
	// The session store survives; the supervisor uses this to restart
	// the agent over it.
	OnCrash func(reason any)
}

func (c Config) normalize() Config {
	if c.StreamStallTimeout <= 0 {
		c.StreamStallTimeout = 30 * time.Second
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 8192
	}
	return c
}

// StateSnapshot is a point-in-time view of the agent.
type StateSnapshot struct {
	SessionID    string          `json:"session_id"`
	Status       Status          `json:"status"`
	Model        string          `json:"model"`
	MessageCount int             `json:"message_count"`
	Tools        []string        `json:"tools"`
	Usage        *provider.Usage `json:"usage,omitempty"`
	WorkingDir   string          `json:"working_dir"`
}

type cmdKind int

const (
	cmdPrompt cmdKind = iota
	cmdSteer
	cmdAbort
	cmdSetModel
	cmdSetThinking
	cmdGetState
	cmdCompact
)

type command struct {
	kind  cmdKind
	text  string
	model string
	level provider.ThinkingLevel
	keep  int
	reply chan any
}

type promptReply struct {
	queued bool
	err    error
}

type streamResult struct {
	seq int
	ch  <-chan provider.StreamEvent
	err error
}

// toolOutcome is the completion message of one supervised tool task.
type toolOutcome struct {
	seq    int
	call   session.ToolCall
	result tools.Result
}

// Agent is the per-session state machine. All state below the mailbox is
// owned by the actor goroutine; the public methods communicate with it
// exclusively through commands.
type Agent struct {
	cfg      Config
	sess     *session.Session
	prov     provider.Provider
	registry *tools.Registry
	broker   *bus.Bus

	compactor *compaction.Compactor

	cmds        chan command
	streamInitC chan streamResult
	toolDone    chan toolOutcome
	stopC       chan struct{}
	stoppedC    chan struct{}

	// Actor-private state.
	status        Status
	model         string
	thinkingLevel provider.ThinkingLevel
	turn          TurnState
	turnSeq       int

	streamCh     <-chan provider.StreamEvent
	streamCancel context.CancelFunc
	watchdog     *time.Timer
	retryTimer   *time.Timer
	retryCount   int

	pendingPrompts []string

	remaining  []session.ToolCall
	results    []toolOutcome
	toolSeq    int
	toolCancel context.CancelFunc
	batchMsg   *session.Message

	overflowDetected bool
	lastPromptTokens int
	lastUsageIndex   int
	lastUsage        *provider.Usage
}

// New creates an agent for the given session. Call Start to run it.
func New(cfg Config, sess *session.Session, prov provider.Provider, registry *tools.Registry, broker *bus.Bus) *Agent {
	cfg = cfg.normalize()
	if registry == nil {
		registry = tools.NewRegistry()
	}
	comp := compaction.New(compaction.Config{
		ContextWindow:      cfg.ContextWindow,
		AutoThreshold:      cfg.CompactAutoThreshold,
		KeepRecentTokens:   cfg.CompactKeepRecentTokens,
		SplitTurnThreshold: cfg.SplitTurnThreshold,
		Model:              cfg.Model,
	}, prov)
	return &Agent{
		cfg:           cfg,
		sess:          sess,
		prov:          prov,
		registry:      registry,
		broker:        broker,
		compactor:     comp,
		cmds:          make(chan command, 16),
		streamInitC:   make(chan streamResult, 1),
		toolDone:      make(chan toolOutcome, 1),
		stopC:         make(chan struct{}),
		stoppedC:      make(chan struct{}),
		status:        StatusIdle,
		model:         cfg.Model,
		thinkingLevel: cfg.ThinkingLevel,
	}
}

// Start launches the actor goroutine.
func (a *Agent) Start() {
	go a.loop()
}

// Stop terminates the actor, cancelling any in-flight stream or tool
// task. It does not close the session.
func (a *Agent) Stop() {
	select {
	case <-a.stopC:
	default:
		close(a.stopC)
	}
	<-a.stoppedC
}

// Session returns the conversation store this agent drives.
func (a *Agent) Session() *session.Session {
	return a.sess
}

// Prompt submits user input. queued is true when the agent was busy and
// the text was deferred to the next safe boundary.
func (a *Agent) Prompt(text string) (queued bool, err error) {
	r, err := a.call(command{kind: cmdPrompt, text: text})
	if err != nil {
		return false, err
	}
	pr := r.(promptReply)
	return pr.queued, pr.err
}

// Steer submits user input without starting a turn when idle.
func (a *Agent) Steer(text string) error {
	_, err := a.call(command{kind: cmdSteer, text: text})
	return err
}

// Abort cancels the in-flight stream or tool task and returns the agent
// to idle. Idempotent; aborting an idle agent is a silent no-op.
func (a *Agent) Abort() error {
	_, err := a.call(command{kind: cmdAbort})
	return err
}

// SetModel switches the model for subsequent turns.
func (a *Agent) SetModel(model string) error {
	r, err := a.call(command{kind: cmdSetModel, model: model})
	if err != nil {
		return err
	}
	if r != nil {
		return r.(error)
	}
	return nil
}

// SetThinkingLevel adjusts reasoning effort for subsequent turns.
func (a *Agent) SetThinkingLevel(level provider.ThinkingLevel) error {
	r, err := a.call(command{kind: cmdSetThinking, level: level})
	if err != nil {
		return err
	}
	if r != nil {
		return r.(error)
	}
	return nil
}

// State returns a snapshot of the agent.
func (a *Agent) State() StateSnapshot {
	r, err := a.call(command{kind: cmdGetState})
	if err != nil {
		return StateSnapshot{SessionID: a.sess.ID(), Status: StatusIdle}
	}
	return r.(StateSnapshot)
}

// Compact runs a manual compaction. keepTokens of zero uses the default
// recent window. Only an idle agent compacts.
func (a *Agent) Compact(keepTokens int) error {
	r, err := a.call(command{kind: cmdCompact, keep: keepTokens})
	if err != nil {
		return err
	}
	if r != nil {
		return r.(error)
	}
	return nil
}

func (a *Agent) call(cmd command) (any, error) {
	cmd.reply = make(chan any, 1)
	select {
	case a.cmds <- cmd:
	case <-a.stopC:
		return nil, ErrStopped
	}
	select {
	case r := <-cmd.reply:
		return r, nil
	case <-a.stoppedC:
		return nil, ErrStopped
	}
}

func (a *Agent) publish(ev bus.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.SessionID = a.sess.ID()
	if a.broker != nil {
		a.broker.Publish(a.sess.ID(), ev)
	}
}

// loop is the actor goroutine. It suspends in the select below and
// never blocks on I/O; stream initiation, tool execution and title
// generation run in their own goroutines and report back as messages.
func (a *Agent) loop() {
	defer close(a.stoppedC)
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("session_id", a.sess.ID()).
				Interface("panic", r).
				Msg("agent actor crashed")
			a.shutdown()
			if a.cfg.OnCrash != nil {
				go a.cfg.OnCrash(r)
			}
		}
	}()

	for {
		var streamC <-chan provider.StreamEvent
		if a.status == StatusStreaming {
			streamC = a.streamCh
		}
		var retryC, watchdogC <-chan time.Time
		if a.retryTimer != nil {
			retryC = a.retryTimer.C
		}
		if a.watchdog != nil {
			watchdogC = a.watchdog.C
		}

		select {
		case <-a.stopC:
			a.shutdown()
			return

		case cmd := <-a.cmds:
			a.handleCommand(cmd)

		case res := <-a.streamInitC:
			a.handleStreamInit(res)

		case ev, ok := <-streamC:
			if !ok {
				a.finishStream()
				continue
			}
			a.handleStreamEvent(ev)

		case out := <-a.toolDone:
			a.handleToolOutcome(out)

		case <-retryC:
			a.retryTimer = nil
			if a.status == StatusRunning {
				a.runTurn()
			}

		case <-watchdogC:
			a.watchdog = nil
			a.handleStall()
		}
	}
}

func (a *Agent) shutdown() {
	if a.streamCancel != nil {
		a.streamCancel()
		a.streamCancel = nil
	}
	if a.toolCancel != nil {
		a.toolCancel()
		a.toolCancel = nil
	}
	a.stopWatchdog()
	a.stopRetry()
}

func (a *Agent) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdPrompt:
		cmd.reply <- a.handlePrompt(cmd.text)
	case cmdSteer:
		a.handleSteer(cmd.text)
		cmd.reply <- nil
	case cmdAbort:
		a.handleAbort()
		cmd.reply <- nil
	case cmdSetModel:
		cmd.reply <- a.handleSetModel(cmd.model)
	case cmdSetThinking:
		cmd.reply <- a.handleSetThinking(cmd.level)
	case cmdGetState:
		cmd.reply <- a.snapshot()
	case cmdCompact:
		cmd.reply <- a.handleCompact(cmd.keep)
	}
}

func (a *Agent) handlePrompt(text string) promptReply {
	if strings.TrimSpace(text) == "" {
		a.publish(bus.NewErrorEvent("empty prompt rejected"))
		return promptReply{err: ErrEmptyPrompt}
	}
	if a.status != StatusIdle {
		a.pendingPrompts = append(a.pendingPrompts, text)
		return promptReply{queued: true}
	}
	first := len(a.sess.Path()) == 0
	a.sess.Append(session.Message{Role: session.RoleUser, Content: text})
	if first {
		a.maybeGenerateTitle(text)
	}
	a.publish(bus.Event{Type: bus.EventAgentStart})
	a.runTurn()
	return promptReply{}
}

func (a *Agent) handleSteer(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if a.status == StatusIdle {
		// Not yet a turn; the text joins the conversation and waits for
		// the next prompt.
		a.sess.Append(session.Message{Role: session.RoleUser, Content: text})
		return
	}
	a.pendingPrompts = append(a.pendingPrompts, text)
}

func (a *Agent) handleAbort() {
	switch a.status {
	case StatusIdle:
		return

	case StatusRunning:
		a.turnSeq++ // invalidate an in-flight stream init
		if a.streamCancel != nil {
			a.streamCancel()
			a.streamCancel = nil
		}
		a.stopRetry()

	case StatusStreaming:
		if a.streamCancel != nil {
			a.streamCancel()
			a.streamCancel = nil
		}
		a.streamCh = nil
		a.stopWatchdog()
		a.turn = TurnState{}

	case StatusExecutingTools:
		a.toolSeq++ // a late outcome from the cancelled task is ignored
		if a.toolCancel != nil {
			a.toolCancel()
			a.toolCancel = nil
		}
		a.appendCollectedResults()
		a.remaining = nil
		a.results = nil
		a.batchMsg = nil
	}

	for _, r := range MissingResults(a.sess.Path(), resultAborted) {
		a.sess.Append(r)
	}
	a.retryCount = 0
	a.publish(bus.Event{Type: bus.EventAgentAbort})
	a.toIdle()
}

func (a *Agent) handleSetModel(model string) error {
	if model == "" {
		return ErrUnknownModel
	}
	if models := a.prov.Models(); len(models) > 0 {
		found := false
		for _, m := range models {
			if m == model {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrUnknownModel, model)
		}
	}
	a.model = model
	return nil
}

func (a *Agent) handleSetThinking(level provider.ThinkingLevel) error {
	if !provider.ValidThinkingLevel(level) {
		return fmt.Errorf("invalid thinking level %q", level)
	}
	if level != provider.ThinkingOff {
		tc, ok := a.prov.(provider.ThinkingCapable)
		if !ok || !tc.SupportsThinking(a.model) {
			return fmt.Errorf("%w: %s", ErrNoThinking, a.model)
		}
	}
	a.thinkingLevel = level
	return nil
}

func (a *Agent) handleCompact(keep int) error {
	if a.status != StatusIdle {
		return ErrBusy
	}
	if keep <= 0 {
		keep = a.compactor.AutoKeepTokens()
	}
	return a.compactNow(keep)
}

func (a *Agent) snapshot() StateSnapshot {
	return StateSnapshot{
		SessionID:    a.sess.ID(),
		Status:       a.status,
		Model:        a.model,
		MessageCount: len(a.sess.Path()),
		Tools:        a.registry.Names(),
		Usage:        a.lastUsage,
		WorkingDir:   a.cfg.WorkingDir,
	}
}

// runTurn starts one provider turn: drain steering input, repair the
// conversation, compact if needed, then open the stream.
func (a *Agent) runTurn() {
	a.status = StatusRunning

	for _, p := range a.pendingPrompts {
		a.sess.Append(session.Message{Role: session.RoleUser, Content: p})
	}
	a.pendingPrompts = nil

	for _, r := range MissingResults(a.sess.Path(), resultFailed) {
		a.sess.Append(r)
	}

	path := a.sess.Path()
	if a.overflowDetected || a.compactor.NeedsCompaction(path, a.lastPromptTokens, a.lastUsageIndex) {
		if err := a.compactNow(a.compactor.AutoKeepTokens()); err != nil && !errors.Is(err, compaction.ErrMessagesTooShort) {
			logger.Warn().Err(err).Str("session_id", a.sess.ID()).Msg("auto-compaction failed")
		}
	}

	outgoing := ValidateOutgoing(a.sess.Path())
	msgs := make([]session.Message, 0, len(outgoing)+1)
	msgs = append(msgs, session.Message{Role: session.RoleSystem, Content: a.systemPrompt()})
	msgs = append(msgs, outgoing...)

	req := provider.Request{
		Model:         a.model,
		Messages:      msgs,
		Tools:         a.registry.Schemas(),
		MaxTokens:     a.cfg.MaxTokens,
		ThinkingLevel: a.thinkingLevel,
	}

	a.turnSeq++
	seq := a.turnSeq
	ctx, cancel := context.WithCancel(context.Background())
	a.streamCancel = cancel

	go func() {
		ch, err := a.prov.Stream(ctx, req)
		select {
		case a.streamInitC <- streamResult{seq: seq, ch: ch, err: err}:
		case <-a.stopC:
			cancel()
		}
	}()
}

func (a *Agent) handleStreamInit(res streamResult) {
	if res.seq != a.turnSeq || a.status != StatusRunning {
		// Aborted or superseded while the request was in flight.
		return
	}
	if res.err != nil {
		a.handleStreamInitError(res.err)
		return
	}
	a.streamCh = res.ch
	a.status = StatusStreaming
	a.turn = TurnState{}
	a.resetWatchdog()
}

func (a *Agent) handleStreamInitError(err error) {
	switch {
	case provider.IsOverflow(err):
		// Emergency compaction; the retry does not consume the budget.
		logger.Info().Str("session_id", a.sess.ID()).Msg("provider rejected prompt for overflow, compacting")
		if cerr := a.compactNow(a.compactor.EmergencyKeepTokens()); cerr != nil {
			a.publish(bus.NewErrorEvent("context overflow and compaction failed: " + cerr.Error()))
			a.failTurn()
			return
		}
		a.runTurn()

	case provider.IsTransient(err):
		a.transientRetry(err.Error())

	default:
		a.publish(bus.NewErrorEvent(err.Error()))
		a.retryCount = 0
		a.failTurn()
	}
}

func (a *Agent) transientRetry(reason string) {
	a.retryCount++
	if a.retryCount > a.cfg.RetryMaxAttempts {
		a.publish(bus.NewErrorEvent(reason + " (retries exhausted)"))
		a.retryCount = 0
		a.failTurn()
		return
	}
	delay := a.backoff(a.retryCount)
	a.status = StatusRunning
	a.publish(bus.Event{
		Type:       bus.EventStatus,
		StatusText: fmt.Sprintf("transient provider error, retry %d/%d in %s", a.retryCount, a.cfg.RetryMaxAttempts, delay),
	})
	a.stopRetry()
	a.retryTimer = time.NewTimer(delay)
}

// backoff returns an exponentially growing, capped delay. Monotonically
// non-decreasing in the attempt number.
func (a *Agent) backoff(attempt int) time.Duration {
	d := a.cfg.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= a.cfg.RetryMaxDelay {
			return a.cfg.RetryMaxDelay
		}
	}
	if d > a.cfg.RetryMaxDelay {
		return a.cfg.RetryMaxDelay
	}
	return d
}

func (a *Agent) handleStreamEvent(ev provider.StreamEvent) {
	a.resetWatchdog()

	var evs []bus.Event
	a.turn, evs = Reduce(a.turn, ev)
	for _, e := range evs {
		a.publish(e)
	}

	if ev.Type == provider.StreamUsage && ev.Usage != nil {
		a.lastUsage = ev.Usage
		a.lastPromptTokens = ev.Usage.PromptTokens
		a.lastUsageIndex = len(a.sess.Path())
		if a.cfg.ContextWindow > 0 && ev.Usage.PromptTokens > a.cfg.ContextWindow {
			// Silent upstream truncation; compact before the next send.
			a.overflowDetected = true
		}
	}
}

// finishStream runs when the provider closes the event channel.
func (a *Agent) finishStream() {
	a.stopWatchdog()
	if a.streamCancel != nil {
		a.streamCancel()
		a.streamCancel = nil
	}
	a.streamCh = nil

	// The guard: an errored or incomplete stream commits nothing.
	if a.turn.StreamErrored != "" {
		a.turn = TurnState{}
		a.failTurn()
		return
	}
	if !a.turn.Done {
		a.publish(bus.NewErrorEvent("stream ended without completion"))
		a.turn = TurnState{}
		a.failTurn()
		return
	}

	a.retryCount = 0
	usage := a.turn.Usage
	if a.turn.Empty() {
		a.turn = TurnState{}
		a.endCycle(usage)
		return
	}

	stored := a.sess.Append(a.turn.AssistantMessage())
	a.turn = TurnState{}

	if len(stored.ToolCalls) > 0 {
		a.startToolBatch(stored)
		return
	}
	a.endCycle(usage)
}

func (a *Agent) handleStall() {
	if a.status != StatusStreaming {
		return
	}
	if a.streamCancel != nil {
		a.streamCancel()
		a.streamCancel = nil
	}
	a.streamCh = nil

	if a.turn.StreamErrored != "" {
		// The provider sent an error and then went quiet; the watchdog is
		// the terminal for that turn.
		a.turn = TurnState{}
		a.failTurn()
		return
	}
	a.turn = TurnState{}
	a.transientRetry("stream stalled")
}

// endCycle finishes a successful prompt cycle: broadcast agent_end and
// go idle, or continue straight into the next turn when prompts queued
// up meanwhile.
func (a *Agent) endCycle(usage *provider.Usage) {
	a.publish(bus.Event{Type: bus.EventAgentEnd, Usage: usage})
	if len(a.pendingPrompts) > 0 {
		a.publish(bus.Event{Type: bus.EventAgentStart})
		a.runTurn()
		return
	}
	a.toIdle()
}

// failTurn abandons the current turn after an error event has been
// broadcast. The agent stays recoverable: it returns to idle and accepts
// new prompts.
func (a *Agent) failTurn() {
	a.toIdle()
}

func (a *Agent) toIdle() {
	a.status = StatusIdle
	a.autoSave()
}

func (a *Agent) autoSave() {
	if !a.cfg.AutoSave || a.cfg.SavePath == "" {
		return
	}
	if err := a.sess.Save(a.cfg.SavePath); err != nil {
		logger.Warn().Err(err).Str("session_id", a.sess.ID()).Msg("session auto-save failed")
	}
}

func (a *Agent) compactNow(keepTokens int) error {
	a.publish(bus.Event{Type: bus.EventCompactionStart})
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	stats, err := a.compactor.Compact(ctx, a.sess, compaction.Options{KeepRecentTokens: keepTokens})
	if err != nil {
		return err
	}
	a.publish(bus.Event{Type: bus.EventCompactionEnd, Before: stats.Before, After: stats.After})
	a.overflowDetected = false
	// Prior calibration is stale after a rewrite.
	a.lastPromptTokens = 0
	a.lastUsageIndex = 0
	return nil
}

func (a *Agent) resetWatchdog() {
	a.stopWatchdog()
	a.watchdog = time.NewTimer(a.cfg.StreamStallTimeout)
}

func (a *Agent) stopWatchdog() {
	if a.watchdog != nil {
		a.watchdog.Stop()
		a.watchdog = nil
	}
}

func (a *Agent) stopRetry() {
	if a.retryTimer != nil {
		a.retryTimer.Stop()
		a.retryTimer = nil
	}
}

// maybeGenerateTitle fires a background title call on the first prompt.
// Best-effort; failure never touches the main turn.
func (a *Agent) maybeGenerateTitle(text string) {
	if !a.cfg.GenerateTitle || a.prov == nil {
		return
	}
	if _, ok := a.sess.GetMetadata("title"); ok {
		return
	}
	sess, prov, model := a.sess, a.prov, a.model
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		resp, err := prov.Chat(ctx, provider.Request{
			Model: model,
			Messages: []session.Message{{
				Role:    session.RoleUser,
				Content: "Write a short title (at most eight words, no quotes) for a conversation that starts with:\n\n" + text,
			}},
			MaxTokens: 32,
		})
		if err != nil || resp == nil {
			logger.Debug().Err(err).Str("session_id", sess.ID()).Msg("title generation failed")
			return
		}
		title := strings.TrimSpace(resp.Content)
		if title != "" {
			sess.SetMetadata("title", title)
		}
	}()
}
