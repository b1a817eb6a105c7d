package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayStoreAppendAndClear(t *testing.T) {
	r := NewReplayStore()

	r.Append("s1", "text", "hello")
	r.Append("s1", "set_activity", "ignored") // not bufferable
	r.Append("s1", "tool_call", map[string]string{"name": "Bash"})

	buf := r.Buffer("s1")
	require.Len(t, buf, 2)
	assert.Equal(t, "text", buf[0].Type)
	assert.Equal(t, "tool_call", buf[1].Type)

	r.ClearBuffer("s1")
	assert.Empty(t, r.Buffer("s1"))
}

func TestReplayStoreMetaReplay(t *testing.T) {
	r := NewReplayStore()
	r.SetMeta("s1", "session_info", map[string]string{"title": "fix bug"})
	r.SetMeta("s1", "commands", []string{"/compact"})

	meta := r.Meta("s1")
	assert.Len(t, meta, 2)
	assert.Contains(t, meta, "session_info")
	assert.Contains(t, meta, "commands")
}

func TestReplayStoreMoveOnSessionReplaced(t *testing.T) {
	r := NewReplayStore()
	r.Append("s1", "text", "hi")
	r.SetMeta("s1", "system", "ready")

	r.Move("s1", "s2")

	assert.Empty(t, r.Buffer("s1"))
	assert.Empty(t, r.Meta("s1"))
	assert.Len(t, r.Buffer("s2"), 1)
	assert.Contains(t, r.Meta("s2"), "system")
}

func TestIsBufferable(t *testing.T) {
	assert.True(t, IsBufferable("permission_request"))
	assert.True(t, IsBufferable("error"))
	assert.False(t, IsBufferable("turn_start"))
	assert.False(t, IsBufferable("sessions"))
}
