// Package supervise owns the session lifecycle: it creates and indexes
// sessions, wires each agent to the shared bus, provider and tool
// registry, and restarts a crashed agent over its surviving
// conversation store.
package supervise

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"loom/internal/agent"
	"loom/internal/bus"
	"loom/internal/config"
	"loom/internal/provider"
	"loom/internal/session"
	"loom/internal/skills"
	"loom/internal/storage"
	"loom/internal/tools"
	"loom/pkg/logger"
)

// Manager errors.
var (
	ErrSessionNotFound   = errors.New("supervise: session not found")
	ErrMaxSessions       = errors.New("supervise: max sessions reached")
	ErrInvalidWorkingDir = errors.New("supervise: invalid working directory")
	ErrSessionExists     = errors.New("supervise: session already running")
)

// Options configures the manager.
type Options struct {
	Agent       config.AgentConfig
	Compact     config.CompactConfig
	Features    config.FeaturesConfig
	SessionsDir string

	// Index is the optional cross-restart session index.
	Index *storage.DB

	// Skills supplies the prompt section for new sessions.
	Skills *skills.Manager
}

// SessionOptions configures one session at start.
type SessionOptions struct {
	SessionID    string
	Model        string
	SystemPrompt string
	WorkingDir   string

	// Persist enables the append-to-disk session log.
	Persist bool
}

type handle struct {
	agent *agent.Agent
	sess  *session.Session
	cfg   agent.Config
}

// Manager supervises all live sessions.
type Manager struct {
	opts     Options
	prov     provider.Provider
	registry *tools.Registry
	broker   *bus.Bus

	mu       sync.RWMutex
	sessions map[string]*handle
	closed   bool

	indexSub *bus.Subscription
	indexWG  sync.WaitGroup
}

// NewManager creates the manager. Call Start before use.
func NewManager(opts Options, prov provider.Provider, registry *tools.Registry, broker *bus.Bus) *Manager {
	if registry == nil {
		registry = tools.NewRegistry()
	}
	return &Manager{
		opts:     opts,
		prov:     prov,
		registry: registry,
		broker:   broker,
		sessions: make(map[string]*handle),
	}
}

// Start begins background upkeep: the session index follows agent
// activity on the bus.
func (m *Manager) Start() {
	if m.opts.Index == nil {
		return
	}
	m.indexSub = m.broker.Subscribe(bus.TopicAll)
	m.indexWG.Add(1)
	go func() {
		defer m.indexWG.Done()
		for ev := range m.indexSub.C {
			switch ev.Type {
			case bus.EventAgentEnd, bus.EventAgentAbort:
				m.refreshIndex(ev.SessionID)
			}
		}
	}()
}

// Close stops every session and the background upkeep.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	handles := make([]*handle, 0, len(m.sessions))
	for _, h := range m.sessions {
		handles = append(handles, h)
	}
	m.sessions = make(map[string]*handle)
	m.mu.Unlock()

	for _, h := range handles {
		h.agent.Stop()
		h.sess.Close()
	}
	if m.indexSub != nil {
		m.indexSub.Unsubscribe()
		m.indexWG.Wait()
	}
}

// StartSession creates (or reopens) a session and starts its agent.
func (m *Manager) StartSession(opts SessionOptions) (agent.StateSnapshot, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return agent.StateSnapshot{}, agent.ErrStopped
	}
	if m.opts.Agent.MaxSessions > 0 && len(m.sessions) >= m.opts.Agent.MaxSessions {
		m.mu.Unlock()
		return agent.StateSnapshot{}, ErrMaxSessions
	}
	if opts.SessionID != "" {
		if _, live := m.sessions[opts.SessionID]; live {
			m.mu.Unlock()
			return agent.StateSnapshot{}, fmt.Errorf("%w: %s", ErrSessionExists, opts.SessionID)
		}
	}
	m.mu.Unlock()

	if opts.Model == "" {
		opts.Model = m.opts.Agent.Model
	}
	if models := m.prov.Models(); len(models) > 0 && opts.Model != "" {
		found := false
		for _, mm := range models {
			if mm == opts.Model {
				found = true
				break
			}
		}
		if !found {
			return agent.StateSnapshot{}, fmt.Errorf("%w: %s", agent.ErrUnknownModel, opts.Model)
		}
	}
	if opts.WorkingDir == "" {
		opts.WorkingDir = m.opts.Agent.WorkingDir
	}
	if opts.WorkingDir != "" {
		info, err := os.Stat(opts.WorkingDir)
		if err != nil || !info.IsDir() {
			return agent.StateSnapshot{}, fmt.Errorf("%w: %s", ErrInvalidWorkingDir, opts.WorkingDir)
		}
	}

	sess, logPath, err := m.openSession(opts)
	if err != nil {
		return agent.StateSnapshot{}, err
	}

	cfg := m.agentConfig(opts, sess, logPath)
	a := m.spawn(cfg, sess)

	h := &handle{agent: a, sess: sess, cfg: cfg}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		a.Stop()
		sess.Close()
		return agent.StateSnapshot{}, agent.ErrStopped
	}
	m.sessions[sess.ID()] = h
	m.mu.Unlock()

	m.announceContext(sess.ID(), cfg)
	if m.opts.Index != nil {
		if err := m.opts.Index.UpsertSession(storage.SessionSummary{
			ID:           sess.ID(),
			Model:        cfg.Model,
			WorkingDir:   cfg.WorkingDir,
			LogPath:      logPath,
			MessageCount: len(sess.Path()),
		}); err != nil {
			logger.Warn().Err(err).Str("session_id", sess.ID()).Msg("session index write failed")
		}
	}

	logger.Info().Str("session_id", sess.ID()).Str("model", cfg.Model).Msg("session started")
	return a.State(), nil
}

// openSession loads an existing log when the session ID names one,
// otherwise creates a fresh store.
func (m *Manager) openSession(opts SessionOptions) (*session.Session, string, error) {
	var sess *session.Session
	var logPath string

	if opts.SessionID != "" && m.opts.SessionsDir != "" {
		logPath = filepath.Join(m.opts.SessionsDir, opts.SessionID+".jsonl")
		if _, err := os.Stat(logPath); err == nil {
			loaded, err := session.Load(logPath)
			if err != nil {
				return nil, "", fmt.Errorf("reload session %s: %w", opts.SessionID, err)
			}
			sess = loaded
		}
	}
	if sess == nil {
		sess = session.New(opts.SessionID)
	}
	if m.opts.SessionsDir != "" {
		logPath = filepath.Join(m.opts.SessionsDir, sess.ID()+".jsonl")
	}

	if opts.Persist && logPath != "" {
		if err := sess.EnablePersist(logPath); err != nil {
			return nil, "", err
		}
	}
	return sess, logPath, nil
}

func (m *Manager) agentConfig(opts SessionOptions, sess *session.Session, logPath string) agent.Config {
	ac := m.opts.Agent
	cfg := agent.Config{
		Model:              opts.Model,
		SystemPrompt:       opts.SystemPrompt,
		WorkingDir:         opts.WorkingDir,
		ContextWindow:      ac.ContextWindow,
		MaxTokens:          ac.MaxTokens,
		AutoSave:           ac.AutoSave && opts.Persist,
		SavePath:           logPath,
		GenerateTitle:      true,
		StreamStallTimeout: ac.StreamStallTimeout,
		RetryMaxAttempts:   ac.Retry.MaxAttempts,
		RetryBaseDelay:     ac.Retry.BaseDelay,
		RetryMaxDelay:      ac.Retry.MaxDelay,

		CompactAutoThreshold:    m.opts.Compact.AutoThreshold,
		CompactKeepRecentTokens: m.opts.Compact.KeepRecentTokens,
		SplitTurnThreshold:      m.opts.Compact.SplitTurnThreshold,
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = ac.SystemPrompt
	}

	var sections []string
	if _, prompt := agent.DiscoverContext(cfg.WorkingDir); prompt != "" {
		sections = append(sections, prompt)
	}
	if m.opts.Features.Skills && m.opts.Skills != nil {
		if s := m.opts.Skills.PromptSection(); s != "" {
			sections = append(sections, s)
		}
	}
	cfg.ContextPrompt = strings.Join(sections, "\n\n")
	return cfg
}

// sessionRegistry narrows the shared registry by the feature toggles.
func (m *Manager) sessionRegistry() *tools.Registry {
	var excluded []tools.Tag
	if !m.opts.Features.SubAgents {
		excluded = append(excluded, tools.TagSubAgent)
	}
	if !m.opts.Features.Skills {
		excluded = append(excluded, tools.TagSkill)
	}
	if !m.opts.Features.MCP {
		excluded = append(excluded, tools.TagMCP)
	}
	if !m.opts.Features.Debug {
		excluded = append(excluded, tools.TagDebug)
	}
	if len(excluded) == 0 {
		return m.registry
	}
	return m.registry.FilterByTags(excluded...)
}

// spawn starts an agent wired for crash restart over the same store.
func (m *Manager) spawn(cfg agent.Config, sess *session.Session) *agent.Agent {
	cfg.OnCrash = func(reason any) {
		m.restart(sess.ID(), reason)
	}
	a := agent.New(cfg, sess, m.prov, m.sessionRegistry(), m.broker)
	a.Start()
	return a
}

// restart replaces a crashed agent. The session store survived, so the
// new agent picks up the full conversation; subscribers learn of the
// recovery via agent_recovered.
func (m *Manager) restart(sessionID string, reason any) {
	m.mu.Lock()
	h, ok := m.sessions[sessionID]
	if !ok || m.closed {
		m.mu.Unlock()
		return
	}
	a := m.spawn(h.cfg, h.sess)
	m.sessions[sessionID] = &handle{agent: a, sess: h.sess, cfg: h.cfg}
	m.mu.Unlock()

	logger.Warn().
		Str("session_id", sessionID).
		Interface("panic", reason).
		Int("messages", len(h.sess.Path())).
		Msg("agent restarted after crash")
	m.broker.Publish(sessionID, bus.Event{
		Type:   bus.EventAgentRecovered,
		Reason: fmt.Sprint(reason),
	})
}

func (m *Manager) lookup(sessionID string) (*handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return h, nil
}

// announceContext publishes the discovered workspace context files.
func (m *Manager) announceContext(sessionID string, cfg agent.Config) {
	files, _ := agent.DiscoverContext(cfg.WorkingDir)
	if len(files) == 0 {
		return
	}
	m.broker.Publish(sessionID, bus.Event{
		Type:  bus.EventContextDiscovered,
		Files: files,
	})
}

// refreshIndex syncs one index row with the live session.
func (m *Manager) refreshIndex(sessionID string) {
	h, err := m.lookup(sessionID)
	if err != nil {
		return
	}
	title := ""
	if v, ok := h.sess.GetMetadata("title"); ok {
		title, _ = v.(string)
	}
	st := h.agent.State()
	if err := m.opts.Index.TouchSession(sessionID, title, st.Model, st.MessageCount); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Warn().Err(err).Str("session_id", sessionID).Msg("session index refresh failed")
	}
}

// Prompt submits user input to a session.
func (m *Manager) Prompt(sessionID, text string) (queued bool, err error) {
	h, err := m.lookup(sessionID)
	if err != nil {
		return false, err
	}
	return h.agent.Prompt(text)
}

// Abort cancels the session's in-flight work.
func (m *Manager) Abort(sessionID string) error {
	h, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	return h.agent.Abort()
}

// SetModel switches a session's model.
func (m *Manager) SetModel(sessionID, model string) error {
	h, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	return h.agent.SetModel(model)
}

// SetThinkingLevel adjusts a session's reasoning effort.
func (m *Manager) SetThinkingLevel(sessionID string, level provider.ThinkingLevel) error {
	h, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	return h.agent.SetThinkingLevel(level)
}

// GetState returns a session snapshot.
func (m *Manager) GetState(sessionID string) (agent.StateSnapshot, error) {
	h, err := m.lookup(sessionID)
	if err != nil {
		return agent.StateSnapshot{}, err
	}
	return h.agent.State(), nil
}

// GetContext returns the session's active conversation path.
func (m *Manager) GetContext(sessionID string) ([]session.Message, error) {
	h, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return h.sess.Path(), nil
}

// Compact summarises a session's history. keepTokens of zero uses the
// default recent window.
func (m *Manager) Compact(sessionID string, keepTokens int) error {
	h, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	return h.agent.Compact(keepTokens)
}

// Branch moves the session's leaf to an earlier message; the next
// prompt forks the tree there.
func (m *Manager) Branch(sessionID, messageID string) error {
	h, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	return h.sess.Branch(messageID)
}

// ListSessions returns summaries for every known session: index rows
// across restarts, plus any live session the index has not seen.
func (m *Manager) ListSessions() []storage.SessionSummary {
	var out []storage.SessionSummary
	seen := make(map[string]bool)

	if m.opts.Index != nil {
		if rows, err := m.opts.Index.ListSessions(0); err == nil {
			out = rows
			for _, r := range rows {
				seen[r.ID] = true
			}
		} else {
			logger.Warn().Err(err).Msg("session index list failed")
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, h := range m.sessions {
		if seen[id] {
			continue
		}
		title := ""
		if v, ok := h.sess.GetMetadata("title"); ok {
			title, _ = v.(string)
		}
		out = append(out, storage.SessionSummary{
			ID:           id,
			Title:        title,
			Model:        h.cfg.Model,
			WorkingDir:   h.cfg.WorkingDir,
			MessageCount: len(h.sess.Path()),
		})
	}
	return out
}

// StopSession stops a session's agent and closes its log. The index
// row survives so the session can be reopened later.
func (m *Manager) StopSession(sessionID string) error {
	m.mu.Lock()
	h, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	h.agent.Stop()
	if err := h.sess.Close(); err != nil {
		logger.Warn().Err(err).Str("session_id", sessionID).Msg("session log close failed")
	}
	logger.Info().Str("session_id", sessionID).Msg("session stopped")
	return nil
}
