package daemon

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/kandev/agentsd/internal/kanban"
	"github.com/kandev/agentsd/internal/rpc"
	"github.com/kandev/agentsd/internal/session"
)

// Prompt starts a turn for sessionID, or queues text if one is already in
// progress.
func (d *Daemon) Prompt(ctx context.Context, sessionID, text string, images, files []string) error {
	sess, err := d.sessions.Get(sessionID)
	if err != nil {
		return err
	}

	if turn := sess.Turn(); turn != nil && turn.Status == session.StatusInProgress {
		d.EnqueueMessage(sessionID, text, images, files)
		return nil
	}

	return d.startTurn(sessionID, sess, contentFromText(text, images, files))
}

func (d *Daemon) startTurn(sessionID string, sess *session.Session, content []rpc.ContentBlock) error {
	if _, err := sess.StartTurn(); err != nil {
		return err
	}
	d.broadcast(sessionID, "turn_start", turnStartPayload{SessionID: sessionID})

	sess.ApplyActivity(session.ActivityBrewing, "", 0, false)
	if turn := sess.Turn(); turn != nil {
		d.broadcast(sessionID, "turn_activity", turnActivityPayload{
			Activity:           string(turn.Activity),
			Detail:             turn.ActivityDetail,
			ApproxTokens:       turn.ApproxTokens,
			ThinkingDurationMs: turn.ThinkingDurationMs,
		})
	}

	go d.runTurn(sessionID, sess, content)
	return nil
}

// runTurn sends content through the agent and, on completion, ends the turn,
// clears the in-turn replay buffer, and drains any queue that built up
// behind it. It runs detached from the goroutine that queued it, since the
// prompt state machine is asynchronous end to end.
func (d *Daemon) runTurn(sessionID string, sess *session.Session, content []rpc.ContentBlock) {
	ctx := context.Background()
	kind := sess.ExecutorKind

	result, err := d.manager.Prompt(ctx, kind, sessionID, content)
	if err != nil && rpc.IsSessionGone(err) {
		d.handleSessionGone(ctx, sessionID, sess, content)
		return
	}

	status := session.StatusCompleted
	detail := ""
	if err != nil {
		status = session.StatusError
		detail = err.Error()
		d.broadcast(sessionID, "error", errorPayload{Message: detail})
	}

	meta := session.TurnMeta{}
	stopReason := ""
	if result != nil {
		stopReason = result.StopReason
		if result.Meta != nil {
			meta = session.TurnMeta{
				OutputTokens: result.Meta.OutputTokens,
				CostUsd:      result.Meta.CostUsd,
				DurationMs:   result.Meta.DurationMs,
			}
		}
	}

	sess.EndTurn(status, stopReason, meta)
	d.replay.ClearBuffer(sessionID)
	d.broadcast(sessionID, "turn_end", turnEndPayload{Status: string(status), StopReason: stopReason, Detail: detail})

	if status == session.StatusCompleted {
		if existing := d.replay.Meta(sessionID); existing["title"] == nil {
			go d.autoRenameSession(context.Background(), sessionID, sess.ProjectPath, firstUserText(content))
		}
	}

	d.drainAndStart(sessionID, sess)
}

// drainAndStart coalesces any messages that queued up during the just-ended
// turn into a single new turn.
func (d *Daemon) drainAndStart(sessionID string, sess *session.Session) {
	drained, ok := d.queue.Drain(sessionID)
	if !ok {
		return
	}
	d.broadcast(sessionID, "queue_drain_start", queueDrainPayload{SessionID: sessionID})
	if err := d.startTurn(sessionID, sess, contentFromText(drained.Text, drained.Images, drained.Files)); err != nil {
		d.log.Error("failed to start drained turn", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// handleSessionGone handles an agent reporting a session as gone mid-turn:
// the old turn ends in error, a replacement session is created under the
// same executor kind, every piece of per-session state moves to the new id,
// session_replaced is broadcast under the new id (so it precedes any other
// event carrying that id), and the prompt is restarted recursively under
// the new id.
func (d *Daemon) handleSessionGone(ctx context.Context, oldID string, oldSess *session.Session, content []rpc.ContentBlock) {
	kind := oldSess.ExecutorKind
	oldSess.EndTurn(session.StatusError, "session_gone", session.TurnMeta{})
	d.broadcast(oldID, "turn_end", turnEndPayload{Status: string(session.StatusError), StopReason: "session_gone"})

	result, err := d.manager.NewSession(ctx, kind, oldSess.ProjectPath)
	if err != nil {
		d.log.Error("failed to create replacement session after session gone",
			zap.String("old_session_id", oldID), zap.Error(err))
		return
	}

	newID := result.SessionID
	newSess, err := d.sessions.Create(newID, kind, oldSess.ProjectPath)
	if err != nil {
		d.log.Error("replacement session id collided", zap.String("new_session_id", newID), zap.Error(err))
		return
	}
	d.sessions.Replace(oldID, newSess)
	d.replay.Move(oldID, newID)
	d.queue.Move(oldID, newID)

	if d.kanban != nil {
		_ = d.kanban.DeleteManagedSession(ctx, oldID)
		_ = d.kanban.RegisterManagedSession(ctx, kanban.ManagedSessionInfo{SessionID: newID, ExecutorKind: kind, ProjectPath: oldSess.ProjectPath})
		_ = d.kanban.DeleteSessionExecutorType(ctx, oldID)
		_ = d.kanban.SetSessionExecutorType(ctx, newID, kind)
	}

	d.broadcast(newID, "session_replaced", sessionReplacedPayload{OldID: oldID, NewID: newID})

	if err := d.startTurn(newID, newSess, content); err != nil {
		d.log.Error("failed to restart prompt under replacement session",
			zap.String("new_session_id", newID), zap.Error(err))
	}
}

func firstUserText(content []rpc.ContentBlock) string {
	for _, block := range content {
		if block.Type == "text" {
			return block.Text
		}
	}
	return ""
}

// HandleNotification routes one sessionUpdate notification from kind into
// turn-state derivation and the broadcast pipeline. It is wired as the
// Manager's onNotify callback once both the Manager and Daemon exist (see
// cmd/agentsd).
func (d *Daemon) HandleNotification(_ string, sessionID string, update rpc.SessionUpdate) {
	sess, err := d.sessions.Get(sessionID)
	if err != nil {
		d.log.Warn("notification for unmanaged session",
			zap.String("session_id", sessionID), zap.String("type", update.Type))
		return
	}

	switch update.Type {
	case "text":
		var chunk rpc.SessionUpdateTextChunk
		_ = json.Unmarshal(update.Data, &chunk)
		d.applyAndBroadcast(sess, sessionID, "text", chunk, "text", chunk.Text, "", "", "")

	case "thought":
		var chunk rpc.SessionUpdateThoughtChunk
		_ = json.Unmarshal(update.Data, &chunk)
		d.applyAndBroadcast(sess, sessionID, "thought", chunk, "thought", chunk.Text, "", "", "")

	case "tool_call":
		var tc rpc.SessionUpdateToolCall
		_ = json.Unmarshal(update.Data, &tc)
		d.applyAndBroadcast(sess, sessionID, "tool_call", tc, "tool_call", "", tc.Name, tc.Kind, "")

	case "tool_call_update":
		var tcu rpc.SessionUpdateToolCallUpdate
		_ = json.Unmarshal(update.Data, &tcu)
		d.applyAndBroadcast(sess, sessionID, "tool_call_update", tcu, "tool_call_update", "", "", "", tcu.Status)

	default:
		// plan, permission_request, permission_resolved, error, and any
		// future type pass straight through: none of them derive activity.
		d.broadcast(sessionID, update.Type, update.Data)
	}
}

func (d *Daemon) applyAndBroadcast(sess *session.Session, sessionID, wireType string, payload interface{}, kind, text, toolName, toolKind, status string) {
	activity, detail, tokenDelta, thinking := session.DeriveActivity(kind, text, toolName, toolKind, status)
	if activity != "" {
		sess.ApplyActivity(activity, detail, tokenDelta, thinking)
	}

	d.broadcast(sessionID, wireType, payload)

	if turn := sess.Turn(); turn != nil && activity != "" {
		d.broadcast(sessionID, "turn_activity", turnActivityPayload{
			Activity:           string(turn.Activity),
			Detail:             turn.ActivityDetail,
			ApproxTokens:       turn.ApproxTokens,
			ThinkingDurationMs: turn.ThinkingDurationMs,
		})
	}
}
