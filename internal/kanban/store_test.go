package kanban

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentsd/internal/logx"
)

func openTestStore(t *testing.T) *Store {
	log, err := logx.New(logx.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	dbPath := filepath.Join(t.TempDir(), "kanban.db")
	s, err := Open(dbPath, CurrentSchemaVersion, log)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestApplyOpsAndGetSnapshot(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.ApplyOps(ctx, []KanbanOp{
		{Type: OpSetColumn, SessionID: "s1", Column: ColumnInProgress},
		{Type: OpSetSortOrder, Column: ColumnInProgress, Order: []string{"s1", "s2"}},
		{Type: OpSetPendingPrompt, SessionID: "s1", Text: "draft"},
	})
	require.NoError(t, err)

	snap, err := s.GetSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, ColumnInProgress, snap.ColumnOverrides["s1"])
	assert.Equal(t, []string{"s1", "s2"}, snap.SortOrders[ColumnInProgress])
	assert.Equal(t, "draft", snap.PendingPrompts["s1"])
}

func TestApplyOpsIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ops := []KanbanOp{{Type: OpSetColumn, SessionID: "s1", Column: ColumnBacklog}}
	require.NoError(t, s.ApplyOps(ctx, ops))
	require.NoError(t, s.ApplyOps(ctx, ops))

	snap, err := s.GetSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, ColumnBacklog, snap.ColumnOverrides["s1"])
	assert.Len(t, snap.ColumnOverrides, 1)
}

func TestRemoveColumnAndPendingPrompt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ApplyOps(ctx, []KanbanOp{
		{Type: OpSetColumn, SessionID: "s1", Column: ColumnBacklog},
		{Type: OpSetPendingPrompt, SessionID: "s1", Text: "draft"},
	}))
	require.NoError(t, s.ApplyOps(ctx, []KanbanOp{
		{Type: OpRemoveColumn, SessionID: "s1"},
		{Type: OpRemovePendingPrompt, SessionID: "s1"},
	}))

	snap, err := s.GetSnapshot(ctx)
	require.NoError(t, err)
	assert.NotContains(t, snap.ColumnOverrides, "s1")
	assert.NotContains(t, snap.PendingPrompts, "s1")
}

func TestBulkSetColumnsAndRemoveSortEntries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ApplyOps(ctx, []KanbanOp{
		{Type: OpSetSortOrder, Column: ColumnBacklog, Order: []string{"s1", "s2", "s3"}},
		{Type: OpBulkSetColumns, Entries: []ColumnEntry{
			{SessionID: "s1", Column: ColumnBacklog},
			{SessionID: "s2", Column: ColumnBacklog},
		}},
	}))
	require.NoError(t, s.ApplyOps(ctx, []KanbanOp{
		{Type: OpBulkRemoveSortEntries, SessionIDs: []string{"s2"}},
	}))

	snap, err := s.GetSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, ColumnBacklog, snap.ColumnOverrides["s1"])
	assert.Equal(t, []string{"s1", "s3"}, snap.SortOrders[ColumnBacklog])
}

func TestCleanStaleSessionsKeepsManagedAndValid(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ApplyOps(ctx, []KanbanOp{
		{Type: OpSetColumn, SessionID: "s1", Column: ColumnBacklog},
		{Type: OpSetColumn, SessionID: "s2", Column: ColumnBacklog},
		{Type: OpSetColumn, SessionID: "s3", Column: ColumnBacklog},
		{Type: OpSetSortOrder, Column: ColumnBacklog, Order: []string{"s1", "s2", "s3"}},
	}))
	require.NoError(t, s.RegisterManagedSession(ctx, ManagedSessionInfo{SessionID: "s2", ExecutorKind: "primary", ProjectPath: "/tmp/p"}))

	changed, err := s.CleanStaleSessions(ctx, map[string]bool{"s1": true})
	require.NoError(t, err)
	assert.True(t, changed)

	snap, err := s.GetSnapshot(ctx)
	require.NoError(t, err)
	assert.Contains(t, snap.ColumnOverrides, "s1")
	assert.Contains(t, snap.ColumnOverrides, "s2")
	assert.NotContains(t, snap.ColumnOverrides, "s3")
	assert.Equal(t, []string{"s1", "s2"}, snap.SortOrders[ColumnBacklog])
}

func TestSessionExecutorTypeRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetSessionExecutorType(ctx, "s1", "primary"))
	kind, err := s.GetSessionExecutorType(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "primary", kind)

	all, err := s.GetAllSessionExecutorTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"s1": "primary"}, all)

	require.NoError(t, s.DeleteSessionExecutorType(ctx, "s1"))
	kind, err = s.GetSessionExecutorType(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "", kind)
}

func TestManagedSessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.GetManagedSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.RegisterManagedSession(ctx, ManagedSessionInfo{SessionID: "s1", ExecutorKind: "secondary", ProjectPath: "/tmp/a"}))
	info, err := s.GetManagedSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "secondary", info.ExecutorKind)

	all, err := s.GetManagedSessionInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "secondary", all["s1"].ExecutorKind)

	ids, err := s.GetManagedSessionIds(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids)

	require.NoError(t, s.DeleteManagedSession(ctx, "s1"))
	_, err = s.GetManagedSession(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSchemaVersionMismatchWipesOverlay(t *testing.T) {
	log, err := logx.New(logx.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	dbPath := filepath.Join(t.TempDir(), "kanban.db")

	s1, err := Open(dbPath, 1, log)
	require.NoError(t, err)
	require.NoError(t, s1.ApplyOps(context.Background(), []KanbanOp{{Type: OpSetColumn, SessionID: "s1", Column: ColumnBacklog}}))
	require.NoError(t, s1.Close())

	s2, err := Open(dbPath, 2, log)
	require.NoError(t, err)
	defer s2.Close()

	snap, err := s2.GetSnapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.ColumnOverrides)
}
