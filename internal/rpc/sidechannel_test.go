package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsSideChannelLine(t *testing.T) {
	assert.True(t, IsSideChannelLine("KSC:t1:header"))
	assert.False(t, IsSideChannelLine(`{"jsonrpc":"2.0"}`))
	assert.False(t, IsSideChannelLine("KS"))
}

func TestSideChannelStore(t *testing.T) {
	t.Run("confirmed task is removed and reports outcome", func(t *testing.T) {
		store := NewSideChannelStore()
		store.Append("t1", "progress", "KSC:t1:progress line one")
		store.Append("t1", "progress", "KSC:t1:progress line two")

		task := store.Confirm("t1")
		require.NotNil(t, task)
		assert.Equal(t, "confirmed", task.Outcome)
		assert.Len(t, task.Lines, 2)

		assert.Nil(t, store.Confirm("t1"))
	})

	t.Run("unconfirmed tasks flush as ended without confirmation on exit", func(t *testing.T) {
		store := NewSideChannelStore()
		store.Append("t1", "progress", "KSC:t1:only line")

		flushed := store.FlushUnconfirmed()
		require.Len(t, flushed, 1)
		assert.Equal(t, "ended without confirmation", flushed[0].Outcome)

		assert.Empty(t, store.FlushUnconfirmed())
	})
}
