// Package kanban persists the board overlay a daemon layers on top of live
// sessions: column placement, sort order, pending-prompt drafts, executor
// kind per session, and the managed-session set.
package kanban

// Column is one of the fixed board lanes a session can be placed in.
type Column string

const (
	ColumnBacklog    Column = "backlog"
	ColumnInProgress Column = "in_progress"
	ColumnInReview   Column = "in_review"
	ColumnRecurring  Column = "recurring"
	ColumnCompleted  Column = "completed"
)

// OpType tags which KanbanOp variant a given op is.
type OpType string

const (
	OpSetColumn             OpType = "set_column"
	OpRemoveColumn          OpType = "remove_column"
	OpSetSortOrder          OpType = "set_sort_order"
	OpSetPendingPrompt      OpType = "set_pending_prompt"
	OpRemovePendingPrompt   OpType = "remove_pending_prompt"
	OpBulkSetColumns        OpType = "bulk_set_columns"
	OpBulkRemoveSortEntries OpType = "bulk_remove_sort_entries"
)

// ColumnEntry is one element of a BulkSetColumns op's Entries.
type ColumnEntry struct {
	SessionID string `json:"sessionId"`
	Column    Column `json:"column"`
}

// KanbanOp is the tagged union of mutations the daemon applies to the board
// overlay. Only the fields used by the variant selected by Type are
// populated; applying the same op twice must be a no-op (idempotent
// upsert/delete).
type KanbanOp struct {
	Type OpType `json:"type"`

	// set_column / remove_column / set_pending_prompt / remove_pending_prompt
	SessionID string `json:"sessionId,omitempty"`
	// set_column / set_sort_order
	Column Column `json:"column,omitempty"`

	// set_sort_order
	Order []string `json:"order,omitempty"`

	// set_pending_prompt
	Text string `json:"text,omitempty"`

	// bulk_set_columns
	Entries []ColumnEntry `json:"entries,omitempty"`

	// bulk_remove_sort_entries
	SessionIDs []string `json:"sessionIds,omitempty"`
}

// KanbanSnapshot is the full materialized state of the board overlay.
type KanbanSnapshot struct {
	ColumnOverrides map[string]Column  `json:"columnOverrides"`
	SortOrders      map[Column][]string `json:"sortOrders"`
	PendingPrompts  map[string]string  `json:"pendingPrompts"`
}

func newSnapshot() *KanbanSnapshot {
	return &KanbanSnapshot{
		ColumnOverrides: make(map[string]Column),
		SortOrders:      make(map[Column][]string),
		PendingPrompts:  make(map[string]string),
	}
}

// ManagedSessionInfo records bookkeeping the daemon keeps per session it
// owns, independent of the live in-memory registry — it is what startup
// reconciliation reads before any executor has been reached.
type ManagedSessionInfo struct {
	SessionID    string `json:"sessionId"`
	ExecutorKind string `json:"executorKind"`
	ProjectPath  string `json:"projectPath"`
}
