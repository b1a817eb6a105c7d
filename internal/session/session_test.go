package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCreateGetDelete(t *testing.T) {
	r := NewRegistry()

	s, err := r.Create("s1", "primary", "/repo")
	require.NoError(t, err)
	assert.Equal(t, "s1", s.ID)
	assert.True(t, s.Live())

	_, err = r.Create("s1", "primary", "/repo")
	assert.ErrorIs(t, err, ErrAlreadyExists)

	got, err := r.Get("s1")
	require.NoError(t, err)
	assert.Same(t, s, got)

	r.Delete("s1")
	_, err = r.Get("s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryReplaceMovesTurnState(t *testing.T) {
	r := NewRegistry()
	old, err := r.Create("s1", "primary", "/repo")
	require.NoError(t, err)
	turn, err := old.StartTurn()
	require.NoError(t, err)
	turn.ApproxTokens = 42

	replacement := &Session{ID: "s2", ExecutorKind: "primary", ProjectPath: "/repo", live: true}
	r.Replace("s1", replacement)

	_, err = r.Get("s1")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := r.Get("s2")
	require.NoError(t, err)
	require.NotNil(t, got.Turn())
	assert.Equal(t, 42, got.Turn().ApproxTokens)
}

func TestStartTurnRejectsConcurrent(t *testing.T) {
	s := &Session{ID: "s1"}

	_, err := s.StartTurn()
	require.NoError(t, err)

	_, err = s.StartTurn()
	assert.ErrorIs(t, err, ErrTurnAlreadyInProgress)
}

func TestEndTurnAllowsNewTurnAfterward(t *testing.T) {
	s := &Session{ID: "s1"}

	_, err := s.StartTurn()
	require.NoError(t, err)
	s.EndTurn(StatusCompleted, "end_turn", TurnMeta{OutputTokens: 10})

	assert.Equal(t, StatusCompleted, s.Turn().Status)
	assert.NotZero(t, s.Turn().EndedAt)

	_, err = s.StartTurn()
	assert.NoError(t, err)
}

func TestApplyActivityIsMonotoneAndIgnoredWhenIdle(t *testing.T) {
	s := &Session{ID: "s1"}
	s.ApplyActivity(ActivityResponding, "", 5, false) // no active turn, no-op

	require.Nil(t, s.Turn())

	_, err := s.StartTurn()
	require.NoError(t, err)

	s.ApplyActivity(ActivityThinking, "", 3, true)
	s.ApplyActivity(ActivityResponding, "", 7, false)

	assert.Equal(t, 10, s.Turn().ApproxTokens)
	assert.Equal(t, ActivityResponding, s.Turn().Activity)
}
