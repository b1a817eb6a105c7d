package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveActivity(t *testing.T) {
	cases := []struct {
		name     string
		kind     string
		text     string
		toolName string
		toolKind string
		status   string
		want     Activity
	}{
		{"text chunk responds", "text", "hello", "", "", "", ActivityResponding},
		{"thought chunk thinks", "thought", "hmm", "", "", "", ActivityThinking},
		{"thinking-kind tool call thinks", "tool_call", "", "AnyTool", "thinking", "", ActivityThinking},
		{"task tool delegates", "tool_call", "", "Task", "", "", ActivityDelegating},
		{"todo write plans", "tool_call", "", "TodoWrite", "", "", ActivityPlanning},
		{"plan kind plans", "tool_call", "", "Other", "plan", "", ActivityPlanning},
		{"bash runs", "tool_call", "", "Bash", "", "", ActivityRunning},
		{"read reads", "tool_call", "", "Read", "", "", ActivityReading},
		{"grep searches", "tool_call", "", "Grep", "", "", ActivitySearching},
		{"write edits", "tool_call", "", "Write", "", "", ActivityEditing},
		{"unknown tool brews", "tool_call", "", "SomeTool", "", "", ActivityBrewing},
		{"completed tool call update responds", "tool_call_update", "", "", "", "completed", ActivityResponding},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _, _, _ := DeriveActivity(tc.kind, tc.text, tc.toolName, tc.toolKind, tc.status)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDeriveActivityTokenAccounting(t *testing.T) {
	_, _, tokens, thinking := DeriveActivity("text", "abcdefgh", "", "", "")
	assert.Equal(t, 2, tokens)
	assert.False(t, thinking)

	_, _, tokens, thinking = DeriveActivity("thought", "abcde", "", "", "")
	assert.Equal(t, 2, tokens)
	assert.True(t, thinking)
}

func TestApproxTokensRoundsUp(t *testing.T) {
	assert.Equal(t, 0, ApproxTokens(""))
	assert.Equal(t, 1, ApproxTokens("abc"))
	assert.Equal(t, 1, ApproxTokens("abcd"))
	assert.Equal(t, 2, ApproxTokens("abcde"))
}
