package compaction

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"loom/internal/session"
)

func TestEstimateText(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"single char", "a", 1},
		{"exactly one token", "abcd", 1},
		{"five chars", "abcde", 2},
		{"hundred chars", strings.Repeat("x", 100), 25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EstimateText(tt.text))
		})
	}
}

func TestEstimateMessage(t *testing.T) {
	msg := session.Message{
		Role:    session.RoleAssistant,
		Content: strings.Repeat("x", 40), // 10 tokens
		ToolCalls: []session.ToolCall{
			{CallID: "c1", Name: "read", Arguments: map[string]any{"path": "abcd"}}, // 1+1+1
		},
	}
	// 10 content + 4 overhead + 1 name + 1 key + 1 value
	assert.Equal(t, 18, EstimateMessage(msg))
}

func TestEstimateContext(t *testing.T) {
	msgs := []session.Message{
		{Role: session.RoleUser, Content: strings.Repeat("x", 40)},      // 14
		{Role: session.RoleAssistant, Content: strings.Repeat("y", 40)}, // 14
		{Role: session.RoleUser, Content: strings.Repeat("z", 40)},      // 14
	}

	t.Run("no usage report uses pure heuristic", func(t *testing.T) {
		assert.Equal(t, 42, EstimateContext(msgs, 0, 0))
	})

	t.Run("calibrated base plus tail", func(t *testing.T) {
		// 1000 reported at message index 2, one message appended since.
		assert.Equal(t, 1014, EstimateContext(msgs, 1000, 2))
	})

	t.Run("usage index clamped", func(t *testing.T) {
		assert.Equal(t, 1000, EstimateContext(msgs, 1000, 10))
		assert.Equal(t, 1042, EstimateContext(msgs, 1000, -1))
	})
}
