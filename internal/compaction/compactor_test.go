package compaction

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/provider"
	"loom/internal/session"
)

// mockChatProvider records the last summarisation request and returns a
// fixed response.
type mockChatProvider struct {
	lastReq provider.Request
	content string
	err     error
}

func (m *mockChatProvider) Name() string     { return "mock" }
func (m *mockChatProvider) Models() []string { return []string{"mock-model"} }

func (m *mockChatProvider) Stream(ctx context.Context, req provider.Request) (<-chan provider.StreamEvent, error) {
	return nil, errors.New("not implemented")
}

func (m *mockChatProvider) Chat(ctx context.Context, req provider.Request) (*provider.Response, error) {
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	return &provider.Response{Content: m.content}, nil
}

// fill appends alternating user/assistant messages of ~contentLen chars.
func fill(sess *session.Session, roles []session.Role, contentLen int) []session.Message {
	var out []session.Message
	for i, r := range roles {
		m := session.Message{
			Role:    r,
			Content: strings.Repeat("x", contentLen) + string(rune('a'+i)),
		}
		out = append(out, sess.Append(m))
	}
	return out
}

func newCompactor(prov provider.Provider) *Compactor {
	return New(Config{
		ContextWindow:      1000,
		SplitTurnThreshold: 5,
		Model:              "mock-model",
	}, prov)
}

func TestNeedsCompaction(t *testing.T) {
	c := newCompactor(nil)

	t.Run("below threshold", func(t *testing.T) {
		msgs := []session.Message{{Role: session.RoleUser, Content: strings.Repeat("x", 400)}}
		assert.False(t, c.NeedsCompaction(msgs, 0, 0))
	})

	t.Run("exactly at threshold triggers", func(t *testing.T) {
		// Threshold is 800 tokens; a calibrated base of exactly 800 must
		// trigger.
		assert.True(t, c.NeedsCompaction(nil, 800, 0))
	})

	t.Run("calibrated below threshold", func(t *testing.T) {
		assert.False(t, c.NeedsCompaction(nil, 799, 0))
	})
}

func TestCompactCleanCut(t *testing.T) {
	prov := &mockChatProvider{content: "the summary"}
	c := newCompactor(prov)

	sess := session.New("")
	fill(sess, []session.Role{
		session.RoleUser, session.RoleAssistant,
		session.RoleUser, session.RoleAssistant,
		session.RoleUser, session.RoleAssistant,
	}, 400)

	stats, err := c.Compact(context.Background(), sess, Options{KeepRecentTokens: 250})
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Removed)
	assert.Greater(t, stats.Before, stats.After)

	path := sess.Path()
	require.Len(t, path, 3)
	assert.Equal(t, session.RoleUser, path[0].Role)
	assert.True(t, path[0].IsCompactionSummary())
	assert.Contains(t, path[0].Content, "the summary")
	// Kept region starts at a user message.
	assert.Equal(t, session.RoleUser, path[1].Role)
	assert.Equal(t, session.RoleAssistant, path[2].Role)

	require.NoError(t, sess.Validate())
}

func TestCompactTruncationFallback(t *testing.T) {
	c := newCompactor(nil)

	sess := session.New("")
	fill(sess, []session.Role{
		session.RoleUser, session.RoleAssistant,
		session.RoleUser, session.RoleAssistant,
		session.RoleUser, session.RoleAssistant,
	}, 400)

	_, err := c.Compact(context.Background(), sess, Options{KeepRecentTokens: 250})
	require.NoError(t, err)

	path := sess.Path()
	assert.Contains(t, path[0].Content, "[Compacted 4 messages:")
	assert.Contains(t, path[0].Content, "2 user")
	assert.Contains(t, path[0].Content, "2 assistant")
}

func TestCompactProviderFailureFallsBack(t *testing.T) {
	prov := &mockChatProvider{err: errors.New("boom")}
	c := newCompactor(prov)

	sess := session.New("")
	fill(sess, []session.Role{
		session.RoleUser, session.RoleAssistant,
		session.RoleUser, session.RoleAssistant,
		session.RoleUser, session.RoleAssistant,
	}, 400)

	_, err := c.Compact(context.Background(), sess, Options{KeepRecentTokens: 250})
	require.NoError(t, err)
	assert.Contains(t, sess.Path()[0].Content, "[Compacted")
}

func TestCompactMergesPriorSummary(t *testing.T) {
	prov := &mockChatProvider{content: "merged summary"}
	c := newCompactor(prov)

	sess := session.New("")
	sess.Append(session.Message{
		Role:    session.RoleUser,
		Content: summaryContentPrefix + "\nold summary " + strings.Repeat("x", 400),
		Metadata: map[string]any{
			session.MetaType:      session.MetaCompactionSummary,
			session.MetaReadFiles: []string{"a.go"},
		},
	})
	fill(sess, []session.Role{
		session.RoleAssistant,
		session.RoleUser, session.RoleAssistant,
		session.RoleUser, session.RoleAssistant,
	}, 400)

	_, err := c.Compact(context.Background(), sess, Options{KeepRecentTokens: 250})
	require.NoError(t, err)

	// The merge prompt was used, and the prompt wrapped the transcript in
	// the sentinel tag.
	prompt := prov.lastReq.Messages[0].Content
	assert.Contains(t, prompt, "MERGES")
	assert.Contains(t, prompt, "<conversation-to-summarize>")

	// Prior file tracking carried forward.
	path := sess.Path()
	assert.Equal(t, []string{"a.go"}, stringList(path[0].Metadata[session.MetaReadFiles]))
}

func TestCompactSplitTurn(t *testing.T) {
	prov := &mockChatProvider{content: "summary"}
	c := newCompactor(prov)

	sess := session.New("")
	// Two finished turns, then a long in-progress turn.
	fill(sess, []session.Role{
		session.RoleUser, session.RoleAssistant,
		session.RoleUser, session.RoleAssistant,
	}, 400)
	fill(sess, []session.Role{session.RoleUser}, 400)
	fill(sess, []session.Role{
		session.RoleAssistant, session.RoleToolResult,
		session.RoleAssistant, session.RoleToolResult,
		session.RoleAssistant, session.RoleToolResult,
		session.RoleAssistant,
	}, 400)

	_, err := c.Compact(context.Background(), sess, Options{KeepRecentTokens: 250})
	require.NoError(t, err)

	path := sess.Path()
	// Dual summaries followed by the kept tail.
	require.GreaterOrEqual(t, len(path), 3)
	assert.True(t, path[0].IsCompactionSummary())
	assert.True(t, path[1].IsCompactionSummary())
	assert.Contains(t, path[1].Content, "in-progress turn")

	require.NoError(t, sess.Validate())
}

func TestCompactTooShort(t *testing.T) {
	c := newCompactor(nil)

	sess := session.New("")
	fill(sess, []session.Role{session.RoleUser, session.RoleAssistant}, 10)

	_, err := c.Compact(context.Background(), sess, Options{KeepRecentTokens: 500})
	assert.ErrorIs(t, err, ErrMessagesTooShort)
}

func TestFileOpsMerge(t *testing.T) {
	prior := FileOps{Read: []string{"a.go", "b.go"}}
	recent := FileOps{Read: []string{"c.go"}, Modified: []string{"b.go"}}

	merged := prior.merge(recent)
	// b.go was read then modified: promoted to modified-only.
	assert.Equal(t, []string{"b.go"}, merged.Modified)
	assert.ElementsMatch(t, []string{"a.go", "c.go"}, merged.Read)
}

func TestCollectFileOps(t *testing.T) {
	msgs := []session.Message{
		{Role: session.RoleAssistant, ToolCalls: []session.ToolCall{
			{CallID: "1", Name: "read_file", Arguments: map[string]any{"path": "x.go"}},
			{CallID: "2", Name: "edit_file", Arguments: map[string]any{"path": "y.go"}},
		}},
		{Role: session.RoleToolResult, CallID: "1"},
		{Role: session.RoleAssistant, ToolCalls: []session.ToolCall{
			{CallID: "3", Name: "shell", Arguments: map[string]any{"command": "ls"}},
		}},
	}
	ops := collectFileOps(msgs)
	assert.Equal(t, []string{"x.go"}, ops.Read)
	assert.Equal(t, []string{"y.go"}, ops.Modified)
}
