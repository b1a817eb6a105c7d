package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/agentsd/internal/kanban"
	"github.com/kandev/agentsd/internal/queue"
	"github.com/kandev/agentsd/internal/rpc"
	"github.com/kandev/agentsd/internal/session"
	"github.com/kandev/agentsd/internal/workerpool"
)

// whitelistedControlPhrases are short affirmations, negations, and control
// words that always continue the current session rather than paying for a
// pool call to classify them.
var whitelistedControlPhrases = set(
	"yes", "yeah", "yep", "yup", "sure", "ok", "okay", "continue",
	"no", "nope", "nah", "stop", "cancel", "wait", "pause",
	"go ahead", "do it", "proceed", "keep going",
)

func set(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// isWhitelistedUtterance reports whether text should bypass the fast-model
// classifier and be treated as a continuation of the current session
// outright: slash commands and short affirmation/negation/control phrases.
func isWhitelistedUtterance(text string) bool {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "/") {
		return true
	}
	_, ok := whitelistedControlPhrases[strings.ToLower(trimmed)]
	return ok
}

// CreateSession starts a brand new session against executor kind and
// registers it as managed.
func (d *Daemon) CreateSession(ctx context.Context, kind, cwd string) (string, error) {
	result, err := d.manager.NewSession(ctx, kind, cwd)
	if err != nil {
		return "", fmt.Errorf("create session on %s: %w", kind, err)
	}

	if _, err := d.sessions.Create(result.SessionID, kind, cwd); err != nil {
		return "", err
	}

	if d.kanban != nil {
		info := kanban.ManagedSessionInfo{SessionID: result.SessionID, ExecutorKind: kind, ProjectPath: cwd}
		if err := d.kanban.RegisterManagedSession(ctx, info); err != nil {
			d.log.Error("failed to register managed session", zap.String("session_id", result.SessionID), zap.Error(err))
		}
		if err := d.kanban.SetSessionExecutorType(ctx, result.SessionID, kind); err != nil {
			d.log.Error("failed to record session executor kind", zap.String("session_id", result.SessionID), zap.Error(err))
		}
	}

	d.broadcast(result.SessionID, "session_info", sessionInfoPayload{SessionID: result.SessionID, ExecutorKind: kind, ProjectPath: cwd})
	return result.SessionID, nil
}

// ResumeSession re-attaches to a session the agent persisted across a
// restart. Used both by the public command surface and by startup
// reconciliation.
func (d *Daemon) ResumeSession(ctx context.Context, kind, sessionID, cwd string) error {
	if err := d.manager.ResumeSession(ctx, kind, sessionID, cwd); err != nil {
		return fmt.Errorf("resume session %s on %s: %w", sessionID, kind, err)
	}

	sess, err := d.sessions.Get(sessionID)
	if err != nil {
		sess, err = d.sessions.Create(sessionID, kind, cwd)
		if err != nil {
			return err
		}
	}
	sess.SetLive(true)
	return nil
}

// Interrupt cancels sessionID's active turn. Idempotent and a no-op if no
// turn is in progress. The
// queue drain itself happens inside runTurn's own completion path once the
// cancelled prompt call actually returns, preserving the open-question
// resolution that drain runs in the finally of the awaited prompt rather
// than being fired independently here.
func (d *Daemon) Interrupt(ctx context.Context, sessionID string) error {
	sess, err := d.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	turn := sess.Turn()
	if turn == nil || turn.Status != session.StatusInProgress {
		return nil
	}
	return d.manager.Cancel(ctx, sess.ExecutorKind, sessionID)
}

// InterruptAndPrompt atomically replaces sessionID's queue with a single new
// message, then cancels the active turn if one is in progress. If no turn
// is in progress the replacement message is drained and started right away.
func (d *Daemon) InterruptAndPrompt(ctx context.Context, sessionID, text string, images, files []string) error {
	sess, err := d.sessions.Get(sessionID)
	if err != nil {
		return err
	}

	d.queue.InterruptAndPrompt(sessionID, text, images, files)
	d.broadcast(sessionID, "queue_cancelled", queueCancelledPayload{SessionID: sessionID})

	if turn := sess.Turn(); turn != nil && turn.Status == session.StatusInProgress {
		return d.manager.Cancel(ctx, sess.ExecutorKind, sessionID)
	}

	d.drainAndStart(sessionID, sess)
	return nil
}

// EnqueueMessage appends text to sessionID's FIFO without attempting to
// start a turn.
func (d *Daemon) EnqueueMessage(sessionID, text string, images, files []string) *queue.Message {
	msg := d.queue.Enqueue(sessionID, text, images, files)
	d.broadcast(sessionID, "message_queued", queuedPayload{QueueID: msg.ID, Text: text})
	return msg
}

// CancelQueuedMessage removes one not-yet-drained message by id. Returns
// false if the queue doesn't contain it.
func (d *Daemon) CancelQueuedMessage(sessionID, queueID string) bool {
	_, ok := d.queue.CancelQueued(sessionID, queueID)
	return ok
}

// RenameSession applies title to sessionID through the agent's sessions/rename
// ext method and broadcasts the update.
func (d *Daemon) RenameSession(ctx context.Context, sessionID, title string) error {
	sess, err := d.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	if err := d.manager.ExtMethod(ctx, sess.ExecutorKind, rpc.ExtSessionsRename, renameParams{SessionID: sessionID, Title: title}, nil); err != nil {
		return fmt.Errorf("rename session %s: %w", sessionID, err)
	}
	d.replay.SetMeta(sessionID, "title", title)
	d.broadcast(sessionID, "session_title_update", sessionTitleUpdatePayload{SessionID: sessionID, Title: title})
	return nil
}

// autoRenameSession asks the worker pool for a short title after a
// session's first completed turn and applies it. Failures are logged and
// swallowed rather than surfaced as a turn error.
func (d *Daemon) autoRenameSession(ctx context.Context, sessionID, cwd, userMessage string) {
	if d.pool == nil {
		return
	}
	title, err := d.pool.GenerateTitle(ctx, cwd, userMessage)
	if err != nil {
		d.log.Warn("auto-rename title generation failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if title == "" {
		return
	}
	if err := d.RenameSession(ctx, sessionID, title); err != nil {
		d.log.Warn("auto-rename failed to apply generated title", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// DeleteSession removes sessionID from every piece of daemon state. An
// agent-side delete failure is logged but doesn't block local cleanup,
// since a dangling agent-side session is recoverable by the agent itself
// on its own schedule while stale daemon state is not.
func (d *Daemon) DeleteSession(ctx context.Context, sessionID string) error {
	sess, err := d.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	if err := d.manager.ExtMethod(ctx, sess.ExecutorKind, rpc.ExtSessionsDelete, sessionIDParams{SessionID: sessionID}, nil); err != nil {
		d.log.Warn("agent-side session delete failed, removing local state anyway",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	d.sessions.Delete(sessionID)
	d.replay.Forget(sessionID)
	d.queue.Forget(sessionID)

	if d.kanban != nil {
		_ = d.kanban.DeleteManagedSession(ctx, sessionID)
		_ = d.kanban.DeleteSessionExecutorType(ctx, sessionID)
		if err := d.kanban.ApplyOps(ctx, []kanban.KanbanOp{
			{Type: kanban.OpRemoveColumn, SessionID: sessionID},
			{Type: kanban.OpRemovePendingPrompt, SessionID: sessionID},
		}); err != nil {
			d.log.Error("failed to remove kanban overlay for deleted session", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return nil
}

// GetHistory returns sessionID's transcript as reported by its agent. The
// daemon never parses or persists it: the agent owns
// the transcript store, this is a pass-through query by session id.
func (d *Daemon) GetHistory(ctx context.Context, sessionID string) (json.RawMessage, error) {
	sess, err := d.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	var out json.RawMessage
	err = d.manager.ExtMethod(ctx, sess.ExecutorKind, rpc.ExtSessionsGetHistory, sessionIDParams{SessionID: sessionID}, &out)
	return out, err
}

// GetSubagentHistory returns one subagent's transcript, pass-through as GetHistory.
func (d *Daemon) GetSubagentHistory(ctx context.Context, sessionID, subagentID string) (json.RawMessage, error) {
	sess, err := d.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	var out json.RawMessage
	err = d.manager.ExtMethod(ctx, sess.ExecutorKind, rpc.ExtSessionsGetSubagentHistory,
		subagentHistoryParams{SessionID: sessionID, SubagentID: subagentID}, &out)
	return out, err
}

// GetSubagents lists sessionID's subagents as reported by its agent.
func (d *Daemon) GetSubagents(ctx context.Context, sessionID string) (json.RawMessage, error) {
	sess, err := d.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	var out json.RawMessage
	err = d.manager.ExtMethod(ctx, sess.ExecutorKind, rpc.ExtSessionsGetSubagents, sessionIDParams{SessionID: sessionID}, &out)
	return out, err
}

// GetAvailableCommands lists sessionID's slash-command style affordances.
// hint, if non-empty, narrows the listing to commands matching it.
func (d *Daemon) GetAvailableCommands(ctx context.Context, sessionID, hint string) (json.RawMessage, error) {
	sess, err := d.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	var out json.RawMessage
	err = d.manager.ExtMethod(ctx, sess.ExecutorKind, rpc.ExtSessionsGetAvailableCommands,
		availableCommandsParams{SessionID: sessionID, Hint: hint}, &out)
	return out, err
}

// GetTasksList lists kind's agent-side task/todo state, if it supports the
// tasks/list ext method.
func (d *Daemon) GetTasksList(ctx context.Context, kind string) (json.RawMessage, error) {
	var out json.RawMessage
	err := d.manager.ExtMethod(ctx, kind, rpc.ExtTasksList, nil, &out)
	return out, err
}

// RouteWithFastModel classifies whether text belongs to the current session
// using the pre-warmed worker pool. Whitelisted utterances bypass the pool
// entirely and are always treated as a continuation.
func (d *Daemon) RouteWithFastModel(ctx context.Context, text, title, summary string) (bool, error) {
	if isWhitelistedUtterance(text) {
		return true, nil
	}
	if d.pool == nil {
		return false, workerpool.ErrNotWarmedUp
	}
	return d.pool.Route(ctx, text, title, summary)
}

// PoolPrompt shares prompt's contract — asynchronous, streaming via
// broadcast under sessionID — but routes through the pre-warmed worker pool
// instead of the full RPC session lifecycle, for latency-critical task
// starts.
func (d *Daemon) PoolPrompt(ctx context.Context, sessionID, text string) error {
	if d.pool == nil {
		return workerpool.ErrNotWarmedUp
	}
	chunks, err := d.pool.Stream(ctx, text)
	if err != nil {
		return err
	}

	go func() {
		for chunk := range chunks {
			d.broadcast(sessionID, chunk.Type, poolChunkPayload{Text: chunk.Text})
		}
		d.broadcast(sessionID, "pool_prompt_end", poolPromptEndPayload{SessionID: sessionID})
	}()
	return nil
}
