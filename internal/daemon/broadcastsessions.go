package daemon

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentsd/internal/rpc"
	"github.com/kandev/agentsd/internal/session"
)

// sessionsStalenessCutoff bounds how long a pending BroadcastSessions call
// can be coalesced into: a caller arriving after the cutoff gets its own
// fresh fetch rather than riding a call that may have started long ago.
const sessionsStalenessCutoff = 15 * time.Second

// BroadcastSessions recomputes and broadcasts the merged session list,
// single-flighting concurrent callers into one fetch: a read-through view
// stitching the kanban op log's managed-session set together with each
// connected executor's own session listing.
func (d *Daemon) BroadcastSessions(ctx context.Context) error {
	d.sessionsMu.Lock()
	if d.sessionsPending != nil && time.Since(d.sessionsAt) < sessionsStalenessCutoff {
		wait := d.sessionsPending
		d.sessionsMu.Unlock()
		<-wait
		return nil
	}

	done := make(chan struct{})
	d.sessionsPending = done
	d.sessionsAt = time.Now().UTC()
	d.sessionsMu.Unlock()

	err := d.doBroadcastSessions(ctx)

	d.sessionsMu.Lock()
	d.sessionsPending = nil
	d.sessionsMu.Unlock()
	close(done)

	return err
}

func (d *Daemon) doBroadcastSessions(ctx context.Context) error {
	managed := make(map[string]bool)
	var stubs []sessionSummary
	if d.kanban != nil {
		info, err := d.kanban.GetManagedSessionInfo(ctx)
		if err != nil {
			return err
		}
		for id, m := range info {
			managed[id] = true
			if _, err := d.sessions.Get(id); err != nil {
				stubs = append(stubs, sessionSummary{SessionID: id, ExecutorKind: m.ExecutorKind, ProjectPath: m.ProjectPath})
			}
		}
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	remote := make(map[string]bool)

	for _, kind := range d.manager.Kinds() {
		kind := kind
		wg.Add(1)
		go func() {
			defer wg.Done()
			var raw json.RawMessage
			if err := d.manager.ExtMethod(ctx, kind, rpc.ExtSessionsList, nil, &raw); err != nil {
				d.log.Warn("sessions/list failed", zap.String("executor_kind", kind), zap.Error(err))
				return
			}
			var listed []struct {
				SessionID string `json:"sessionId"`
			}
			if err := json.Unmarshal(raw, &listed); err != nil {
				return
			}
			mu.Lock()
			for _, e := range listed {
				remote[e.SessionID] = true
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	valid := make(map[string]bool, len(managed))
	for id := range managed {
		valid[id] = true
	}
	for id := range remote {
		valid[id] = true
	}

	summaries := make([]sessionSummary, 0, len(valid))
	for _, sess := range d.sessions.List() {
		if !valid[sess.ID] && !managed[sess.ID] {
			continue
		}
		summaries = append(summaries, d.summarize(sess))
	}
	summaries = append(summaries, stubs...)

	d.broadcast("", "sessions", sessionsPayload{Sessions: summaries})

	if d.kanban != nil {
		pruned, err := d.kanban.CleanStaleSessions(ctx, valid)
		if err != nil {
			d.log.Warn("failed to prune stale kanban overlay entries", zap.Error(err))
		} else if pruned {
			d.broadcast("", "kanban_state_changed", kanbanStateChangedPayload{Reason: "stale_sessions_cleaned"})
		}
	}

	return nil
}

func (d *Daemon) summarize(sess *session.Session) sessionSummary {
	title := ""
	if t, ok := d.replay.Meta(sess.ID)["title"].(string); ok {
		title = t
	}

	summary := sessionSummary{
		SessionID:    sess.ID,
		ExecutorKind: sess.ExecutorKind,
		ProjectPath:  sess.ProjectPath,
		Title:        title,
		Live:         sess.Live(),
	}

	if turn := sess.Turn(); turn != nil {
		summary.Turn = &turnSummary{
			Status:             string(turn.Status),
			Activity:           string(turn.Activity),
			ActivityDetail:     turn.ActivityDetail,
			ApproxTokens:       turn.ApproxTokens,
			ThinkingDurationMs: turn.ThinkingDurationMs,
		}
	}
	return summary
}
