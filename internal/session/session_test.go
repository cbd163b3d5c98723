package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendN(s *Session, roles ...Role) []Message {
	out := make([]Message, 0, len(roles))
	for i, r := range roles {
		out = append(out, s.Append(Message{Role: r, Content: string(r) + "-" + string(rune('a'+i))}))
	}
	return out
}

func pathIDs(s *Session) []string {
	path := s.Path()
	ids := make([]string, len(path))
	for i, m := range path {
		ids[i] = m.ID
	}
	return ids
}

func TestAppendBuildsLinearPath(t *testing.T) {
	s := New("")
	require.NotEmpty(t, s.ID())

	msgs := appendN(s, RoleUser, RoleAssistant, RoleUser)
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, msgs[2].ID, s.CurrentID())

	path := s.Path()
	require.Len(t, path, 3)
	assert.Empty(t, path[0].ParentID)
	assert.Equal(t, path[0].ID, path[1].ParentID)
	assert.Equal(t, path[1].ID, path[2].ParentID)
	assert.False(t, path[0].CreatedAt.IsZero())
}

func TestBranchForksTree(t *testing.T) {
	s := New("s")
	msgs := appendN(s, RoleUser, RoleAssistant, RoleUser, RoleAssistant)

	require.NoError(t, s.Branch(msgs[1].ID))
	assert.Equal(t, msgs[1].ID, s.CurrentID())

	forked := s.Append(Message{Role: RoleUser, Content: "take two"})
	assert.Equal(t, msgs[1].ID, forked.ParentID)

	// The old branch survives in the tree but is off the active path.
	assert.Equal(t, 5, s.Len())
	assert.Equal(t, []string{msgs[0].ID, msgs[1].ID, forked.ID}, pathIDs(s))

	assert.ErrorIs(t, s.Branch("ghost"), ErrNotFound)
}

func TestReplaceSegmentSplicesSummary(t *testing.T) {
	s := New("s")
	msgs := appendN(s, RoleUser, RoleAssistant, RoleUser, RoleAssistant, RoleUser)

	summary := Message{
		Role:     RoleUser,
		Content:  "summary of the first two exchanges",
		Metadata: map[string]any{MetaType: MetaCompactionSummary},
	}
	require.NoError(t, s.ReplaceSegment(msgs[0].ID, msgs[3].ID, []Message{summary}))

	path := s.Path()
	require.Len(t, path, 2)
	assert.True(t, path[0].IsCompactionSummary())
	assert.Empty(t, path[0].ParentID)
	assert.Equal(t, msgs[4].ID, path[1].ID)
	assert.Equal(t, path[0].ID, path[1].ParentID)
	require.NoError(t, s.Validate())
}

func TestReplaceSegmentNoReplacements(t *testing.T) {
	s := New("s")
	msgs := appendN(s, RoleUser, RoleAssistant, RoleUser)

	require.NoError(t, s.ReplaceSegment(msgs[1].ID, msgs[2].ID, nil))
	assert.Equal(t, []string{msgs[0].ID}, pathIDs(s))
	assert.Equal(t, msgs[0].ID, s.CurrentID())
}

func TestReplaceSegmentErrors(t *testing.T) {
	s := New("s")
	msgs := appendN(s, RoleUser, RoleAssistant, RoleUser, RoleAssistant)

	assert.ErrorIs(t, s.ReplaceSegment("ghost", msgs[1].ID, nil), ErrNotFound)
	assert.ErrorIs(t, s.ReplaceSegment(msgs[0].ID, "ghost", nil), ErrNotFound)

	// Reversed bounds never form a contiguous run.
	assert.ErrorIs(t, s.ReplaceSegment(msgs[2].ID, msgs[0].ID, nil), ErrNotOnPath)

	// A message on a dead branch is not on the active path.
	require.NoError(t, s.Branch(msgs[1].ID))
	dead := msgs[2]
	s.Append(Message{Role: RoleUser, Content: "fork"})
	assert.ErrorIs(t, s.ReplaceSegment(dead.ID, dead.ID, nil), ErrNotOnPath)
}

func TestMetadataRoundTrip(t *testing.T) {
	s := New("s")
	s.SetMetadata("title", "fix the flaky test")

	v, ok := s.GetMetadata("title")
	require.True(t, ok)
	assert.Equal(t, "fix the flaky test", v)

	snap := s.MetadataSnapshot()
	snap["title"] = "mutated"
	v, _ = s.GetMetadata("title")
	assert.Equal(t, "fix the flaky test", v)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := New("round-trip")
	s.SetMetadata("title", "hello")
	msgs := appendN(s, RoleUser, RoleAssistant)
	s.Append(Message{
		Role:      RoleAssistant,
		Content:   "with calls",
		ToolCalls: []ToolCall{{CallID: "c1", Name: "read_file", Arguments: map[string]any{"path": "a.go"}}},
	})

	path := filepath.Join(t.TempDir(), "round-trip.jsonl")
	require.NoError(t, s.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "round-trip", loaded.ID())
	assert.Equal(t, 3, loaded.Len())
	assert.Equal(t, s.CurrentID(), loaded.CurrentID())

	title, ok := loaded.GetMetadata("title")
	require.True(t, ok)
	assert.Equal(t, "hello", title)

	got, ok := loaded.Get(msgs[0].ID)
	require.True(t, ok)
	assert.Equal(t, msgs[0].Content, got.Content)

	last := loaded.Path()[2]
	require.Len(t, last.ToolCalls, 1)
	assert.Equal(t, "read_file", last.ToolCalls[0].Name)
}

func TestSaveLoadRestoresForkedLeaf(t *testing.T) {
	s := New("branched")
	msgs := appendN(s, RoleUser, RoleAssistant)

	// Fork below the first message, then grow the fork deeper than the
	// original branch.
	require.NoError(t, s.Branch(msgs[0].ID))
	appendN(s, RoleAssistant, RoleUser, RoleAssistant)
	deepLeaf := s.CurrentID()

	path := filepath.Join(t.TempDir(), "branched.jsonl")
	require.NoError(t, s.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, deepLeaf, loaded.CurrentID())
	assert.Len(t, loaded.Path(), 4)
}

func TestLoadDanglingLeafRecordFallsBack(t *testing.T) {
	// A leaf record pointing at a message that no longer exists must not
	// poison the reload; the longest path wins instead.
	lines := strings.Join([]string{
		`{"session_id":"stale"}`,
		`{"id":"m1","role":"user","content":"hi"}`,
		`{"id":"m2","parent_id":"m1","role":"assistant","content":"hello"}`,
		`{"current_id":"gone"}`,
	}, "\n") + "\n"

	path := filepath.Join(t.TempDir(), "stale.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0600))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "m2", loaded.CurrentID())
}

func TestSaveLoadPreservesBranchPoint(t *testing.T) {
	s := New("pinned")
	msgs := appendN(s, RoleUser, RoleAssistant, RoleUser, RoleAssistant)

	// Branch to a leaf shorter than the abandoned one; the reload must
	// land on it, not on the deepest path.
	require.NoError(t, s.Branch(msgs[1].ID))

	path := filepath.Join(t.TempDir(), "pinned.jsonl")
	require.NoError(t, s.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, msgs[1].ID, loaded.CurrentID())
	assert.Len(t, loaded.Path(), 2)
	assert.Equal(t, 4, loaded.Len())
}

func TestPersistRecordsBranchInLiveLog(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "branch.jsonl")

	s := New("live-branch")
	require.NoError(t, s.EnablePersist(logPath))
	msgs := appendN(s, RoleUser, RoleAssistant, RoleUser, RoleAssistant)

	require.NoError(t, s.Branch(msgs[1].ID))
	forked := s.Append(Message{Role: RoleUser, Content: "take two"})
	require.NoError(t, s.Close())

	loaded, err := Load(logPath)
	require.NoError(t, err)
	assert.Equal(t, forked.ID, loaded.CurrentID())

	got := loaded.Path()
	require.Len(t, got, 3)
	assert.Equal(t, msgs[1].ID, got[1].ID)
	assert.Equal(t, "take two", got[2].Content)
}

func TestPersistAppendsLive(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "live.jsonl")

	s := New("live")
	require.NoError(t, s.EnablePersist(logPath))
	appendN(s, RoleUser, RoleAssistant)
	require.NoError(t, s.Close())

	loaded, err := Load(logPath)
	require.NoError(t, err)
	assert.Equal(t, "live", loaded.ID())
	assert.Equal(t, 2, loaded.Len())

	// Reopening appends instead of truncating.
	require.NoError(t, loaded.EnablePersist(logPath))
	loaded.Append(Message{Role: RoleUser, Content: "more"})
	require.NoError(t, loaded.Close())

	again, err := Load(logPath)
	require.NoError(t, err)
	assert.Equal(t, 3, again.Len())
}

func TestPersistSurvivesSegmentRewrite(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "rewrite.jsonl")

	s := New("rw")
	require.NoError(t, s.EnablePersist(logPath))
	msgs := appendN(s, RoleUser, RoleAssistant, RoleUser, RoleAssistant)

	require.NoError(t, s.ReplaceSegment(msgs[0].ID, msgs[1].ID, []Message{
		{Role: RoleUser, Content: "summary"},
	}))
	// The log stays appendable after the atomic rewrite.
	s.Append(Message{Role: RoleUser, Content: "after"})
	require.NoError(t, s.Close())

	loaded, err := Load(logPath)
	require.NoError(t, err)
	path := loaded.Path()
	require.Len(t, path, 4)
	assert.Equal(t, "summary", path[0].Content)
	assert.Equal(t, "after", path[3].Content)
}

func TestLoadRejectsCorruptLogs(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.jsonl")
	require.NoError(t, os.WriteFile(empty, nil, 0600))
	_, err := Load(empty)
	assert.Error(t, err)

	garbage := filepath.Join(dir, "garbage.jsonl")
	require.NoError(t, os.WriteFile(garbage, []byte("{\"session_id\":\"x\"}\nnot json\n"), 0600))
	_, err = Load(garbage)
	assert.Error(t, err)

	noID := filepath.Join(dir, "noid.jsonl")
	require.NoError(t, os.WriteFile(noID, []byte("{\"session_id\":\"x\"}\n{\"role\":\"user\",\"content\":\"hi\"}\n"), 0600))
	_, err = Load(noID)
	assert.Error(t, err)
}

func TestValidateDetectsDanglingParent(t *testing.T) {
	s := New("v")
	appendN(s, RoleUser, RoleAssistant)
	require.NoError(t, s.Validate())

	s.mu.Lock()
	s.messages["orphan"] = &Message{ID: "orphan", ParentID: "missing", Role: RoleUser}
	s.mu.Unlock()
	assert.ErrorIs(t, s.Validate(), ErrNotFound)
}

func TestToolCallValid(t *testing.T) {
	assert.True(t, ToolCall{CallID: "c", Name: "n"}.Valid())
	assert.False(t, ToolCall{CallID: "c"}.Valid())
	assert.False(t, ToolCall{Name: "n"}.Valid())
}
