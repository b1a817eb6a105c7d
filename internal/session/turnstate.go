package session

import "errors"

// Status is a turn's lifecycle stage.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Activity is the short derived label describing what a session is doing
// right now, used by the UI for animation.
type Activity string

const (
	ActivityBrewing    Activity = "brewing"
	ActivityThinking   Activity = "thinking"
	ActivityResponding Activity = "responding"
	ActivityReading    Activity = "reading"
	ActivityEditing    Activity = "editing"
	ActivityRunning    Activity = "running"
	ActivitySearching  Activity = "searching"
	ActivityDelegating Activity = "delegating"
	ActivityPlanning   Activity = "planning"
	ActivityCompacting Activity = "compacting"
)

// TurnState is the per-session, per-turn bookkeeping derived from the
// outbound broadcast stream.
type TurnState struct {
	Status    Status
	StartedAt int64 // epoch ms
	EndedAt   int64 // epoch ms, zero while in progress

	ApproxTokens       int
	ThinkingDurationMs int64
	thinkingLastChunkAt int64 // epoch ms, zero when not currently thinking

	Activity       Activity
	ActivityDetail string

	OutputTokens int
	CostUsd      float64
	DurationMs   int64
	StopReason   string
}

// ErrTurnAlreadyInProgress enforces "at most one in_progress turn per
// session".
var ErrTurnAlreadyInProgress = errors.New("turn already in progress")

// StartTurn begins a new turn for s, rejecting a second concurrent one.
func (s *Session) StartTurn() (*TurnState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.turn != nil && s.turn.Status == StatusInProgress {
		return nil, ErrTurnAlreadyInProgress
	}

	s.turn = &TurnState{
		Status:    StatusInProgress,
		StartedAt: now().UnixMilli(),
		Activity:  ActivityBrewing,
	}
	return s.turn, nil
}

// ApplyActivity updates the current turn's activity and token/thinking
// bookkeeping. tokenDelta and thinking are both monotone-only inputs: the
// caller must never pass a negative tokenDelta, preserving the "approxTokens
// is monotone during a turn" invariant.
func (s *Session) ApplyActivity(activity Activity, detail string, tokenDelta int, thinking bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.turn == nil || s.turn.Status != StatusInProgress {
		return
	}

	s.turn.Activity = activity
	s.turn.ActivityDetail = detail
	s.turn.ApproxTokens += tokenDelta

	nowMs := now().UnixMilli()
	if thinking {
		if s.turn.thinkingLastChunkAt != 0 {
			s.turn.ThinkingDurationMs += nowMs - s.turn.thinkingLastChunkAt
		}
		s.turn.thinkingLastChunkAt = nowMs
	} else {
		s.turn.thinkingLastChunkAt = 0
	}
}

// EndTurn closes out the current turn with the agent-reported stop reason
// and metadata, clearing EndedAt's zero-value sentinel for "in progress".
func (s *Session) EndTurn(status Status, stopReason string, meta TurnMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.turn == nil {
		return
	}

	s.turn.Status = status
	s.turn.EndedAt = now().UnixMilli()
	s.turn.StopReason = stopReason
	s.turn.OutputTokens = meta.OutputTokens
	s.turn.CostUsd = meta.CostUsd
	s.turn.DurationMs = meta.DurationMs
	s.turn.thinkingLastChunkAt = 0
}

// TurnMeta is the agent-reported accounting filled in at turn completion.
type TurnMeta struct {
	OutputTokens int
	CostUsd      float64
	DurationMs   int64
}
