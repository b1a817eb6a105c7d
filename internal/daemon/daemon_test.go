package daemon

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentsd/internal/broadcast"
	"github.com/kandev/agentsd/internal/kanban"
	"github.com/kandev/agentsd/internal/logx"
	"github.com/kandev/agentsd/internal/rpc"
	"github.com/kandev/agentsd/internal/session"
)

func testLogger(t *testing.T) *logx.Logger {
	log, err := logx.New(logx.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func testKanban(t *testing.T) *kanban.Store {
	dbPath := filepath.Join(t.TempDir(), "kanban.db")
	s, err := kanban.Open(dbPath, kanban.CurrentSchemaVersion, testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// recordingSink collects every broadcast event for assertions, guarded by a
// mutex since runTurn delivers from a detached goroutine.
type recordingSink struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func newRecordingSink() *recordingSink {
	return &recordingSink{}
}

func (r *recordingSink) sink(ev broadcast.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *recordingSink) contains(msgType string) bool {
	for _, t := range r.types() {
		if t == msgType {
			return true
		}
	}
	return false
}

// waitFor polls cond until it returns true or the timeout elapses.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestPromptHappyPath(t *testing.T) {
	manager := newFakeManager("test-agent")
	d := New(testLogger(t), manager, nil, testKanban(t), nil)
	sink := newRecordingSink()
	d.SetEventSink(sink.sink)

	ctx := context.Background()
	sessionID, err := d.CreateSession(ctx, "test-agent", "/tmp/project")
	require.NoError(t, err)

	err = d.Prompt(ctx, sessionID, "hello", nil, nil)
	require.NoError(t, err)

	sess, err := d.sessions.Get(sessionID)
	require.NoError(t, err)

	waitFor(t, func() bool {
		turn := sess.Turn()
		return turn != nil && turn.Status == session.StatusCompleted
	})
	assert.Equal(t, 1, manager.promptCalls)
	assert.True(t, sink.contains("turn_start"))
	assert.True(t, sink.contains("turn_activity"))
	assert.True(t, sink.contains("turn_end"))

	types := sink.types()
	startIdx, activityIdx := -1, -1
	for i, ty := range types {
		if ty == "turn_start" && startIdx == -1 {
			startIdx = i
		}
		if ty == "turn_activity" && activityIdx == -1 {
			activityIdx = i
		}
	}
	assert.Less(t, startIdx, activityIdx, "turn_activity must follow turn_start")
}

func TestPromptQueuesWhileInProgress(t *testing.T) {
	manager := newFakeManager("test-agent")
	d := New(testLogger(t), manager, nil, testKanban(t), nil)
	d.SetEventSink(func(broadcast.Event) {})

	ctx := context.Background()
	sessionID, err := d.CreateSession(ctx, "test-agent", "/tmp/project")
	require.NoError(t, err)

	sess, err := d.sessions.Get(sessionID)
	require.NoError(t, err)
	_, err = sess.StartTurn()
	require.NoError(t, err)

	err = d.Prompt(ctx, sessionID, "queued text", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, d.queue.Len(sessionID))
	assert.Equal(t, 0, manager.promptCalls)
}

func TestInterruptAndPromptReplacesQueue(t *testing.T) {
	manager := newFakeManager("test-agent")
	d := New(testLogger(t), manager, nil, testKanban(t), nil)
	d.SetEventSink(func(broadcast.Event) {})

	ctx := context.Background()
	sessionID, err := d.CreateSession(ctx, "test-agent", "/tmp/project")
	require.NoError(t, err)

	sess, err := d.sessions.Get(sessionID)
	require.NoError(t, err)
	_, err = sess.StartTurn()
	require.NoError(t, err)

	d.EnqueueMessage(sessionID, "first", nil, nil)
	err = d.InterruptAndPrompt(ctx, sessionID, "replacement", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, d.queue.Len(sessionID))
	assert.Equal(t, 1, manager.cancelCalls)
}

func TestSessionGoneCreatesReplacement(t *testing.T) {
	manager := newFakeManager("test-agent")
	d := New(testLogger(t), manager, nil, testKanban(t), nil)
	sink := newRecordingSink()
	d.SetEventSink(sink.sink)

	ctx := context.Background()
	oldID, err := d.CreateSession(ctx, "test-agent", "/tmp/project")
	require.NoError(t, err)

	manager.promptErr = &rpc.Error{Code: rpc.InternalError, Message: "No conversation found"}

	err = d.Prompt(ctx, oldID, "hello", nil, nil)
	require.NoError(t, err)

	waitFor(t, func() bool {
		_, err := d.sessions.Get(oldID)
		return err != nil
	})

	sessions := d.sessions.List()
	require.Len(t, sessions, 1)
	assert.NotEqual(t, oldID, sessions[0].ID)
	assert.True(t, sink.contains("session_replaced"))
}

func TestReconcileOnStartupResumesInProgressSession(t *testing.T) {
	manager := newFakeManager("test-agent")
	store := testKanban(t)
	d := New(testLogger(t), manager, nil, store, nil)
	d.SetEventSink(func(broadcast.Event) {})

	ctx := context.Background()
	require.NoError(t, store.RegisterManagedSession(ctx, kanban.ManagedSessionInfo{
		SessionID: "sess-1", ExecutorKind: "test-agent", ProjectPath: "/tmp/project",
	}))
	require.NoError(t, store.ApplyOps(ctx, []kanban.KanbanOp{
		{Type: kanban.OpSetColumn, SessionID: "sess-1", Column: kanban.ColumnInProgress},
	}))

	require.NoError(t, d.reconcileOnStartup(ctx))

	sess, err := d.sessions.Get("sess-1")
	require.NoError(t, err)
	assert.True(t, sess.Live())
}

func TestReconcileOnStartupFallsBackToInReview(t *testing.T) {
	manager := newFakeManager("test-agent")
	manager.resumeErr = &rpc.Error{Code: rpc.InternalError, Message: "resume failed"}
	store := testKanban(t)
	d := New(testLogger(t), manager, nil, store, nil)
	d.SetEventSink(func(broadcast.Event) {})

	ctx := context.Background()
	require.NoError(t, store.RegisterManagedSession(ctx, kanban.ManagedSessionInfo{
		SessionID: "sess-2", ExecutorKind: "test-agent", ProjectPath: "/tmp/project",
	}))
	require.NoError(t, store.ApplyOps(ctx, []kanban.KanbanOp{
		{Type: kanban.OpSetColumn, SessionID: "sess-2", Column: kanban.ColumnInProgress},
	}))

	require.NoError(t, d.reconcileOnStartup(ctx))

	sess, err := d.sessions.Get("sess-2")
	require.NoError(t, err)
	assert.False(t, sess.Live())
	turn := sess.Turn()
	require.NotNil(t, turn)
	assert.Equal(t, session.StatusError, turn.Status)
	assert.Equal(t, "server_restart", turn.StopReason)

	snap, err := store.GetSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, kanban.ColumnInReview, snap.ColumnOverrides["sess-2"])
}
