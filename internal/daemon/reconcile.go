package daemon

import (
	"context"

	"go.uber.org/zap"

	"github.com/kandev/agentsd/internal/kanban"
	"github.com/kandev/agentsd/internal/session"
)

// reconcileOnStartup walks every managed session whose board overlay column
// is in_progress and attempts to resume it against its executor. A session
// that fails to resume is moved to in_review with a synthetic error turn
// carrying stopReason server_restart, rather than left to be discovered
// lazily on first use: a user opening the board after a restart should see
// which sessions actually came back, not find out one by one as they click
// into them.
func (d *Daemon) reconcileOnStartup(ctx context.Context) error {
	if d.kanban == nil {
		return nil
	}

	snapshot, err := d.kanban.GetSnapshot(ctx)
	if err != nil {
		return err
	}
	managed, err := d.kanban.GetManagedSessionInfo(ctx)
	if err != nil {
		return err
	}

	for sessionID, info := range managed {
		if snapshot.ColumnOverrides[sessionID] != kanban.ColumnInProgress {
			continue
		}
		d.reconcileOneSession(ctx, sessionID, info)
	}
	return nil
}

func (d *Daemon) reconcileOneSession(ctx context.Context, sessionID string, info kanban.ManagedSessionInfo) {
	sess, err := d.sessions.Create(sessionID, info.ExecutorKind, info.ProjectPath)
	if err != nil {
		d.log.Warn("session already registered during startup reconciliation",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	if err := d.manager.ResumeSession(ctx, info.ExecutorKind, sessionID, info.ProjectPath); err != nil {
		d.log.Warn("failed to resume session on startup, moving to in_review",
			zap.String("session_id", sessionID), zap.String("executor_kind", info.ExecutorKind), zap.Error(err))

		sess.SetLive(false)
		sess.StartTurn() //nolint:errcheck // freshly created session, cannot already be in progress
		sess.EndTurn(session.StatusError, "server_restart", session.TurnMeta{})
		d.broadcast(sessionID, "turn_end", turnEndPayload{Status: string(session.StatusError), StopReason: "server_restart"})

		if err := d.kanban.ApplyOps(ctx, []kanban.KanbanOp{
			{Type: kanban.OpSetColumn, SessionID: sessionID, Column: kanban.ColumnInReview},
		}); err != nil {
			d.log.Error("failed to move unrecoverable session to in_review",
				zap.String("session_id", sessionID), zap.Error(err))
		}
		return
	}

	sess.SetLive(true)
	d.log.Info("resumed session on startup", zap.String("session_id", sessionID), zap.String("executor_kind", info.ExecutorKind))
}
