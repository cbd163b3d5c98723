package skills

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/bus"
)

const sampleSkill = `---
name: git-commit
description: Writes conventional commit messages
version: 1.2.0
---

# Git commits

Use the imperative mood.
`

func TestParse(t *testing.T) {
	skill, err := Parse(sampleSkill, "/skills/git-commit/SKILL.md")
	require.NoError(t, err)

	assert.Equal(t, "git-commit", skill.Name)
	assert.Equal(t, "Writes conventional commit messages", skill.Description)
	require.NotNil(t, skill.Version)
	assert.Equal(t, "1.2.0", skill.Version.String())
	assert.Contains(t, skill.Body, "imperative mood")
	assert.NotContains(t, skill.Body, "---")
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{
			name:    "no frontmatter",
			content: "# Just markdown\n",
			wantErr: ErrInvalidManifest,
		},
		{
			name:    "missing name",
			content: "---\ndescription: no name here\n---\nbody\n",
			wantErr: ErrInvalidManifest,
		},
		{
			name:    "bad version",
			content: "---\nname: s\nversion: not-a-version\n---\nbody\n",
			wantErr: ErrInvalidVersion,
		},
		{
			name:    "malformed yaml",
			content: "---\nname: [unclosed\n---\nbody\n",
			wantErr: ErrInvalidManifest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.content, "SKILL.md")
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParseVersionOptional(t *testing.T) {
	skill, err := Parse("---\nname: bare\n---\nbody\n", "SKILL.md")
	require.NoError(t, err)
	assert.Nil(t, skill.Version)
}

func writeSkill(t *testing.T, dir, name, content string) string {
	t.Helper()
	skillDir := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(skillDir, 0755))
	path := filepath.Join(skillDir, manifestName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestManagerLoadAll(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "git-commit", sampleSkill)
	writeSkill(t, dir, "broken", "no frontmatter at all\n")
	writeSkill(t, dir, "review", "---\nname: review\ndescription: Reviews diffs\n---\nbody\n")

	broker := bus.New()
	sub := broker.Subscribe(bus.TopicAll)
	defer sub.Unsubscribe()

	m := NewManager(dir, broker)
	require.NoError(t, m.LoadAll())

	list := m.List()
	require.Len(t, list, 2, "the broken skill is skipped")
	assert.Equal(t, "git-commit", list[0].Name)
	assert.Equal(t, "review", list[1].Name)

	loaded := 0
	for len(sub.C) > 0 {
		ev := <-sub.C
		if ev.Type == bus.EventSkillLoaded {
			loaded++
		}
	}
	assert.Equal(t, 2, loaded)
}

func TestManagerLoadAllMissingDir(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "nope"), nil)
	assert.NoError(t, m.LoadAll())
	assert.Empty(t, m.List())
}

func TestManagerGet(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "git-commit", sampleSkill)

	m := NewManager(dir, nil)
	require.NoError(t, m.LoadAll())

	s, ok := m.Get("git-commit")
	require.True(t, ok)
	assert.Equal(t, "git-commit", s.Name)

	_, ok = m.Get("missing")
	assert.False(t, ok)
}

func TestManagerWatchPicksUpNewSkill(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil)
	require.NoError(t, m.LoadAll())
	require.NoError(t, m.Watch())
	defer m.Close()

	writeSkill(t, dir, "late", "---\nname: late\n---\nbody\n")

	require.Eventually(t, func() bool {
		_, ok := m.Get("late")
		return ok
	}, 3*time.Second, 20*time.Millisecond)
}

func TestManagerWatchReloadsChangedSkill(t *testing.T) {
	dir := t.TempDir()
	path := writeSkill(t, dir, "git-commit", sampleSkill)

	m := NewManager(dir, nil)
	require.NoError(t, m.LoadAll())
	require.NoError(t, m.Watch())
	defer m.Close()

	updated := "---\nname: git-commit\ndescription: Updated description\n---\nnew body\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0644))

	require.Eventually(t, func() bool {
		s, ok := m.Get("git-commit")
		return ok && s.Description == "Updated description"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestPromptSection(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil)
	assert.Empty(t, m.PromptSection())

	writeSkill(t, dir, "git-commit", sampleSkill)
	require.NoError(t, m.LoadAll())

	section := m.PromptSection()
	assert.Contains(t, section, "<available_skills>")
	assert.Contains(t, section, "<name>git-commit</name>")
	assert.Contains(t, section, "<description>Writes conventional commit messages</description>")
	assert.Contains(t, section, manifestName)
}
