package compaction

import (
	"context"
	"fmt"
	"strings"

	"loom/internal/provider"
	"loom/internal/session"
	"loom/pkg/logger"
)

// Config holds compaction parameters for one agent.
type Config struct {
	// ContextWindow is the model's input token limit.
	ContextWindow int

	// AutoThreshold is the fraction of the window that triggers
	// auto-compaction. Default 0.80.
	AutoThreshold float64

	// KeepRecentTokens is the recent window preserved by an auto
	// compaction. Zero means ContextWindow / 4.
	KeepRecentTokens int

	// SplitTurnThreshold is the minimum in-progress turn prefix length
	// that earns its own summary when a cut lands inside the turn.
	SplitTurnThreshold int

	// SummaryMaxTokens bounds the summarisation response.
	SummaryMaxTokens int

	// Model used for summarisation calls.
	Model string
}

// normalize fills zero values with defaults.
func (c Config) normalize() Config {
	if c.AutoThreshold <= 0 {
		c.AutoThreshold = 0.80
	}
	if c.SplitTurnThreshold <= 0 {
		c.SplitTurnThreshold = 5
	}
	if c.SummaryMaxTokens <= 0 {
		c.SummaryMaxTokens = 1024
	}
	return c
}

// Options parameterise one Compact call.
type Options struct {
	// KeepRecentTokens overrides the configured recent window.
	KeepRecentTokens int

	// Force compacts even when the conversation is under the threshold.
	Force bool
}

// Stats reports the outcome of one compaction.
type Stats struct {
	// Before and After are estimated token counts of the active path.
	Before int
	After  int

	// Removed is the number of messages replaced by summaries.
	Removed int
}

// Compactor compresses conversation history. The provider is optional;
// without one every compaction falls back to truncation summaries.
type Compactor struct {
	cfg  Config
	prov provider.Provider
}

// New creates a Compactor.
func New(cfg Config, prov provider.Provider) *Compactor {
	return &Compactor{cfg: cfg.normalize(), prov: prov}
}

// AutoKeepTokens returns the recent window for an auto compaction.
func (c *Compactor) AutoKeepTokens() int {
	if c.cfg.KeepRecentTokens > 0 {
		return c.cfg.KeepRecentTokens
	}
	return c.cfg.ContextWindow / 4
}

// EmergencyKeepTokens returns the tighter recent window used when the
// provider already rejected the prompt for overflow.
func (c *Compactor) EmergencyKeepTokens() int {
	return c.cfg.ContextWindow / 5
}

// NeedsCompaction reports whether the estimated context has reached the
// auto-compact threshold. The comparison is inclusive.
func (c *Compactor) NeedsCompaction(msgs []session.Message, lastPromptTokens, lastUsageIndex int) bool {
	if c.cfg.ContextWindow <= 0 {
		return false
	}
	est := EstimateContext(msgs, lastPromptTokens, lastUsageIndex)
	return est >= int(float64(c.cfg.ContextWindow)*c.cfg.AutoThreshold)
}

// Compact replaces the oldest part of the active path with one or two
// summary messages, keeping roughly opts.KeepRecentTokens of recent
// conversation. Returns ErrMessagesTooShort when there is nothing worth
// replacing.
func (c *Compactor) Compact(ctx context.Context, sess *session.Session, opts Options) (*Stats, error) {
	path := sess.Path()
	if len(path) < 2 {
		return nil, ErrMessagesTooShort
	}

	keep := opts.KeepRecentTokens
	if keep <= 0 {
		keep = c.AutoKeepTokens()
	}

	before := EstimateMessages(path)

	cut, turnStart, split := c.findCut(path, keep)
	if cut <= 0 {
		return nil, ErrMessagesTooShort
	}

	var replacements []session.Message
	if split {
		history := path[:turnStart]
		prefix := path[turnStart:cut]

		ops := priorFileOps(path).merge(collectFileOps(path[:cut]))
		historySummary := c.summarize(ctx, history, mergeNeeded(path))
		turnSummary := c.summarizeTurnPrefix(ctx, prefix)

		replacements = append(replacements,
			summaryMessage(historySummary, ops),
			session.Message{
				Role:    session.RoleUser,
				Content: summaryContentPrefix + " (in-progress turn)\n" + turnSummary,
				Metadata: map[string]any{
					session.MetaType: session.MetaCompactionSummary,
				},
			},
		)
	} else {
		toCompact := path[:cut]
		ops := priorFileOps(path).merge(collectFileOps(toCompact))
		summary := c.summarize(ctx, toCompact, mergeNeeded(path))
		replacements = append(replacements, summaryMessage(summary, ops))
	}

	if err := sess.ReplaceSegment(path[0].ID, path[cut-1].ID, replacements); err != nil {
		return nil, fmt.Errorf("replace compacted segment: %w", err)
	}

	after := EstimateMessages(sess.Path())
	logger.Info().
		Str("session_id", sess.ID()).
		Int("removed", cut).
		Int("tokens_before", before).
		Int("tokens_after", after).
		Bool("split_turn", split).
		Msg("compacted conversation")

	return &Stats{Before: before, After: after, Removed: cut}, nil
}

// findCut walks the path newest-first until the token budget is spent,
// then aligns the cut on a user-message boundary. When the in-progress
// final turn is itself over budget and long enough, the cut lands inside
// it and split is true; turnStart then marks the turn's opening user
// message.
func (c *Compactor) findCut(path []session.Message, keep int) (cut, turnStart int, split bool) {
	// p is the first index that fits the recent budget.
	p := len(path)
	acc := 0
	for i := len(path) - 1; i >= 0; i-- {
		acc += EstimateMessage(path[i])
		if acc > keep {
			break
		}
		p = i
	}
	if p == 0 {
		// Everything fits; nothing to compact.
		return 0, 0, false
	}
	if p == len(path) {
		// Even the newest message exceeds the budget. Keep it anyway;
		// a zero-message tail cannot seed the next turn.
		p = len(path) - 1
	}

	// Align on the nearest user message at or after p.
	for j := p; j < len(path); j++ {
		if path[j].Role == session.RoleUser {
			return j, 0, false
		}
	}

	// No user boundary after p: the cut lands inside the final turn.
	ts := 0
	for i := p - 1; i >= 0; i-- {
		if path[i].Role == session.RoleUser {
			ts = i
			break
		}
	}
	prefixLen := p - ts
	if prefixLen >= c.cfg.SplitTurnThreshold && ts > 0 {
		return p, ts, true
	}
	// Short prefix: clean cut at the turn's opening user message.
	return ts, 0, false
}

// mergeNeeded reports whether the first message being compacted is a
// summary from a previous cycle, which calls for the merging prompt.
func mergeNeeded(path []session.Message) bool {
	if len(path) == 0 {
		return false
	}
	first := path[0]
	return first.IsCompactionSummary() || strings.HasPrefix(first.Content, summaryContentPrefix)
}

// priorFileOps recovers file tracking from a leading prior summary.
func priorFileOps(path []session.Message) FileOps {
	if len(path) > 0 && path[0].IsCompactionSummary() {
		return fileOpsFromMetadata(path[0])
	}
	return FileOps{}
}

// summarize produces the replacement text for a compacted region, using
// the provider when available and truncation otherwise.
func (c *Compactor) summarize(ctx context.Context, msgs []session.Message, merge bool) string {
	prompt := summarizePrompt
	if merge {
		prompt = mergeSummaryPrompt
	}
	text, err := c.chatSummary(ctx, prompt, msgs)
	if err != nil {
		logger.Warn().Err(err).Msg("summarisation failed, falling back to truncation")
		return truncationSummary(msgs)
	}
	return text
}

func (c *Compactor) summarizeTurnPrefix(ctx context.Context, msgs []session.Message) string {
	text, err := c.chatSummary(ctx, turnPrefixPrompt, msgs)
	if err != nil {
		logger.Warn().Err(err).Msg("turn prefix summarisation failed, falling back to truncation")
		return truncationSummary(msgs)
	}
	return text
}

func (c *Compactor) chatSummary(ctx context.Context, prompt string, msgs []session.Message) (string, error) {
	if c.prov == nil {
		return "", ErrNoProvider
	}
	req := provider.Request{
		Model: c.cfg.Model,
		Messages: []session.Message{
			{Role: session.RoleUser, Content: fmt.Sprintf(prompt, formatTranscript(msgs))},
		},
		MaxTokens: c.cfg.SummaryMaxTokens,
	}
	resp, err := c.prov.Chat(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSummaryFailed, err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", ErrSummaryFailed
	}
	return resp.Content, nil
}

// summaryMessage builds the user-role replacement message carrying the
// compaction metadata.
func summaryMessage(text string, ops FileOps) session.Message {
	meta := map[string]any{
		session.MetaType: session.MetaCompactionSummary,
	}
	if len(ops.Read) > 0 {
		meta[session.MetaReadFiles] = ops.Read
	}
	if len(ops.Modified) > 0 {
		meta[session.MetaModifiedFiles] = ops.Modified
	}
	return session.Message{
		Role:     session.RoleUser,
		Content:  summaryContentPrefix + "\n" + text,
		Metadata: meta,
	}
}

// formatTranscript renders messages as data for the summarisation prompt.
func formatTranscript(msgs []session.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case session.RoleAssistant:
			if m.Content != "" {
				fmt.Fprintf(&sb, "[assistant]: %s\n", m.Content)
			}
			for _, tc := range m.ToolCalls {
				fmt.Fprintf(&sb, "[assistant] called %s(%v)\n", tc.Name, tc.Arguments)
			}
		case session.RoleToolResult:
			content := m.Content
			if len(content) > 500 {
				content = content[:500] + "..."
			}
			fmt.Fprintf(&sb, "[tool_result]: %s\n", content)
		default:
			fmt.Fprintf(&sb, "[%s]: %s\n", m.Role, m.Content)
		}
	}
	return sb.String()
}

// truncationSummary is the provider-free fallback: role counts plus the
// tracked file operations.
func truncationSummary(msgs []session.Message) string {
	counts := map[session.Role]int{}
	for _, m := range msgs {
		counts[m.Role]++
	}
	var parts []string
	for _, r := range []session.Role{session.RoleUser, session.RoleAssistant, session.RoleToolResult, session.RoleSystem} {
		if counts[r] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[r], r))
		}
	}
	out := fmt.Sprintf("[Compacted %d messages: %s]", len(msgs), strings.Join(parts, ", "))

	ops := collectFileOps(msgs)
	if len(ops.Read) > 0 {
		out += "\n<read-files>\n" + strings.Join(ops.Read, "\n") + "\n</read-files>"
	}
	if len(ops.Modified) > 0 {
		out += "\n<modified-files>\n" + strings.Join(ops.Modified, "\n") + "\n</modified-files>"
	}
	return out
}
