package kanban

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/agentsd/internal/logx"
)

// CurrentSchemaVersion is bumped whenever the op-log table shapes change
// incompatibly. A stored version that doesn't match wipes the overlay and
// replays from empty rather than attempting a migration.
const CurrentSchemaVersion = 1

// Store is the sqlite-backed op log behind the board overlay. All writes go
// through the single connection opened by openSQLite, so callers never see
// SQLITE_BUSY from concurrent writers.
type Store struct {
	db  *sql.DB
	log *logx.Logger
}

// Open opens (creating if necessary) the kanban store at dbPath and ensures
// its schema matches schemaVersion, wiping and replaying from empty on a
// mismatch.
func Open(dbPath string, schemaVersion int, log *logx.Logger) (*Store, error) {
	db, err := openSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, log: log.With(zap.String("component", "kanban_store"))}
	if err := s.ensureSchema(schemaVersion); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureSchema(schemaVersion int) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("create kanban schema: %w", err)
	}

	var stored int
	err = tx.QueryRowContext(ctx, `SELECT version FROM schema_version WHERE id = 1`).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (id, version) VALUES (1, ?)`, schemaVersion); err != nil {
			return fmt.Errorf("seed schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case stored != schemaVersion:
		s.log.Warn("kanban schema version mismatch, wiping overlay",
			zap.Int("stored", stored), zap.Int("expected", schemaVersion))
		for _, table := range []string{"column_overrides", "sort_orders", "pending_prompts", "session_executor_kind", "managed_sessions"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("wipe %s: %w", table, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE schema_version SET version = ? WHERE id = 1`, schemaVersion); err != nil {
			return fmt.Errorf("update schema version: %w", err)
		}
	}

	return tx.Commit()
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_version (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	version INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS column_overrides (
	session_id TEXT PRIMARY KEY,
	column TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sort_orders (
	column TEXT PRIMARY KEY,
	order_json TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS pending_prompts (
	session_id TEXT PRIMARY KEY,
	text TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS session_executor_kind (
	session_id TEXT PRIMARY KEY,
	executor_kind TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS managed_sessions (
	session_id TEXT PRIMARY KEY,
	executor_kind TEXT NOT NULL,
	project_path TEXT NOT NULL
);
`

// ApplyOps applies a batch of KanbanOps transactionally. Each variant is
// an idempotent upsert or delete, so replaying the same batch twice leaves
// the overlay unchanged.
func (s *Store) ApplyOps(ctx context.Context, ops []KanbanOp) error {
	if len(ops) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin apply ops tx: %w", err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		if err := applyOne(ctx, tx, op); err != nil {
			return fmt.Errorf("apply op %s: %w", op.Type, err)
		}
	}

	return tx.Commit()
}

func applyOne(ctx context.Context, tx *sql.Tx, op KanbanOp) error {
	switch op.Type {
	case OpSetColumn:
		_, err := tx.ExecContext(ctx,
			`INSERT INTO column_overrides (session_id, column) VALUES (?, ?)
			 ON CONFLICT(session_id) DO UPDATE SET column = excluded.column`,
			op.SessionID, string(op.Column))
		return err

	case OpRemoveColumn:
		_, err := tx.ExecContext(ctx, `DELETE FROM column_overrides WHERE session_id = ?`, op.SessionID)
		return err

	case OpSetSortOrder:
		orderJSON, err := json.Marshal(op.Order)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sort_orders (column, order_json) VALUES (?, ?)
			 ON CONFLICT(column) DO UPDATE SET order_json = excluded.order_json`,
			string(op.Column), string(orderJSON))
		return err

	case OpSetPendingPrompt:
		_, err := tx.ExecContext(ctx,
			`INSERT INTO pending_prompts (session_id, text) VALUES (?, ?)
			 ON CONFLICT(session_id) DO UPDATE SET text = excluded.text`,
			op.SessionID, op.Text)
		return err

	case OpRemovePendingPrompt:
		_, err := tx.ExecContext(ctx, `DELETE FROM pending_prompts WHERE session_id = ?`, op.SessionID)
		return err

	case OpBulkSetColumns:
		for _, entry := range op.Entries {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO column_overrides (session_id, column) VALUES (?, ?)
				 ON CONFLICT(session_id) DO UPDATE SET column = excluded.column`,
				entry.SessionID, string(entry.Column)); err != nil {
				return err
			}
		}
		return nil

	case OpBulkRemoveSortEntries:
		for _, column := range allColumns() {
			order, err := readSortOrder(ctx, tx, column)
			if err != nil {
				return err
			}
			if order == nil {
				continue
			}
			filtered := removeAll(order, op.SessionIDs)
			orderJSON, err := json.Marshal(filtered)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE sort_orders SET order_json = ? WHERE column = ?`, string(orderJSON), string(column)); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown kanban op type %q", op.Type)
	}
}

func readSortOrder(ctx context.Context, tx *sql.Tx, column Column) ([]string, error) {
	var orderJSON string
	err := tx.QueryRowContext(ctx, `SELECT order_json FROM sort_orders WHERE column = ?`, string(column)).Scan(&orderJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var order []string
	if err := json.Unmarshal([]byte(orderJSON), &order); err != nil {
		return nil, err
	}
	return order, nil
}

func removeAll(order []string, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, id := range remove {
		drop[id] = true
	}
	filtered := make([]string, 0, len(order))
	for _, id := range order {
		if !drop[id] {
			filtered = append(filtered, id)
		}
	}
	return filtered
}

func allColumns() []Column {
	return []Column{ColumnBacklog, ColumnInProgress, ColumnInReview, ColumnRecurring, ColumnCompleted}
}

// GetSnapshot materializes the current overlay state in a single read.
func (s *Store) GetSnapshot(ctx context.Context) (*KanbanSnapshot, error) {
	snap := newSnapshot()

	rows, err := s.db.QueryContext(ctx, `SELECT session_id, column FROM column_overrides`)
	if err != nil {
		return nil, fmt.Errorf("query column overrides: %w", err)
	}
	for rows.Next() {
		var sessionID, column string
		if err := rows.Scan(&sessionID, &column); err != nil {
			rows.Close()
			return nil, err
		}
		snap.ColumnOverrides[sessionID] = Column(column)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT column, order_json FROM sort_orders`)
	if err != nil {
		return nil, fmt.Errorf("query sort orders: %w", err)
	}
	for rows.Next() {
		var column, orderJSON string
		if err := rows.Scan(&column, &orderJSON); err != nil {
			rows.Close()
			return nil, err
		}
		var order []string
		if err := json.Unmarshal([]byte(orderJSON), &order); err != nil {
			rows.Close()
			return nil, err
		}
		snap.SortOrders[Column(column)] = order
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT session_id, text FROM pending_prompts`)
	if err != nil {
		return nil, fmt.Errorf("query pending prompts: %w", err)
	}
	for rows.Next() {
		var sessionID, text string
		if err := rows.Scan(&sessionID, &text); err != nil {
			rows.Close()
			return nil, err
		}
		snap.PendingPrompts[sessionID] = text
	}
	rows.Close()

	return snap, nil
}

// CleanStaleSessions removes every column override, sort-order entry, and
// pending prompt for a session id not present in valid, except ids also
// present in the managed-session set (managed sessions may be briefly
// absent from the live registry during executor reconnect). Returns true if
// anything was removed.
func (s *Store) CleanStaleSessions(ctx context.Context, valid map[string]bool) (bool, error) {
	managed, err := s.GetManagedSessionIds(ctx)
	if err != nil {
		return false, err
	}
	keep := make(map[string]bool, len(valid)+len(managed))
	for id := range valid {
		keep[id] = true
	}
	for _, id := range managed {
		keep[id] = true
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin clean stale tx: %w", err)
	}
	defer tx.Rollback()

	changed := false

	rows, err := tx.QueryContext(ctx, `SELECT session_id FROM column_overrides`)
	if err != nil {
		return false, err
	}
	var staleColumns []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return false, err
		}
		if !keep[id] {
			staleColumns = append(staleColumns, id)
		}
	}
	rows.Close()
	for _, id := range staleColumns {
		if _, err := tx.ExecContext(ctx, `DELETE FROM column_overrides WHERE session_id = ?`, id); err != nil {
			return false, err
		}
		changed = true
	}

	rows, err = tx.QueryContext(ctx, `SELECT session_id FROM pending_prompts`)
	if err != nil {
		return false, err
	}
	var stalePrompts []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return false, err
		}
		if !keep[id] {
			stalePrompts = append(stalePrompts, id)
		}
	}
	rows.Close()
	for _, id := range stalePrompts {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_prompts WHERE session_id = ?`, id); err != nil {
			return false, err
		}
		changed = true
	}

	for _, column := range allColumns() {
		order, err := readSortOrder(ctx, tx, column)
		if err != nil {
			return false, err
		}
		if order == nil {
			continue
		}
		filtered := make([]string, 0, len(order))
		for _, id := range order {
			if keep[id] {
				filtered = append(filtered, id)
			}
		}
		if len(filtered) != len(order) {
			orderJSON, err := json.Marshal(filtered)
			if err != nil {
				return false, err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE sort_orders SET order_json = ? WHERE column = ?`, string(orderJSON), string(column)); err != nil {
				return false, err
			}
			changed = true
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit clean stale tx: %w", err)
	}
	return changed, nil
}

// SetSessionExecutorType records which executor kind owns sessionID.
func (s *Store) SetSessionExecutorType(ctx context.Context, sessionID, executorKind string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_executor_kind (session_id, executor_kind) VALUES (?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET executor_kind = excluded.executor_kind`,
		sessionID, executorKind)
	return err
}

// GetSessionExecutorType returns the recorded executor kind, or "" if unset.
func (s *Store) GetSessionExecutorType(ctx context.Context, sessionID string) (string, error) {
	var kind string
	err := s.db.QueryRowContext(ctx, `SELECT executor_kind FROM session_executor_kind WHERE session_id = ?`, sessionID).Scan(&kind)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return kind, err
}

// GetAllSessionExecutorTypes returns the full session-id -> executor-kind map.
func (s *Store) GetAllSessionExecutorTypes(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, executor_kind FROM session_executor_kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, kind string
		if err := rows.Scan(&id, &kind); err != nil {
			return nil, err
		}
		out[id] = kind
	}
	return out, rows.Err()
}

// DeleteSessionExecutorType removes the recorded executor kind for sessionID.
func (s *Store) DeleteSessionExecutorType(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_executor_kind WHERE session_id = ?`, sessionID)
	return err
}

// RegisterManagedSession records sessionID as owned by this daemon,
// surviving restarts independent of the live in-memory registry.
func (s *Store) RegisterManagedSession(ctx context.Context, info ManagedSessionInfo) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO managed_sessions (session_id, executor_kind, project_path) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET executor_kind = excluded.executor_kind, project_path = excluded.project_path`,
		info.SessionID, info.ExecutorKind, info.ProjectPath)
	return err
}

// GetManagedSession looks up one managed session's bookkeeping, returning
// ErrNotFound if sessionID was never registered.
func (s *Store) GetManagedSession(ctx context.Context, sessionID string) (*ManagedSessionInfo, error) {
	info := &ManagedSessionInfo{SessionID: sessionID}
	err := s.db.QueryRowContext(ctx,
		`SELECT executor_kind, project_path FROM managed_sessions WHERE session_id = ?`, sessionID,
	).Scan(&info.ExecutorKind, &info.ProjectPath)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return info, nil
}

// GetManagedSessionInfo returns the full session-id -> bookkeeping map (spec
// "getManagedSessionInfo() → Map<sessionId, {projectPath}>").
func (s *Store) GetManagedSessionInfo(ctx context.Context) (map[string]ManagedSessionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, executor_kind, project_path FROM managed_sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]ManagedSessionInfo)
	for rows.Next() {
		var info ManagedSessionInfo
		if err := rows.Scan(&info.SessionID, &info.ExecutorKind, &info.ProjectPath); err != nil {
			return nil, err
		}
		out[info.SessionID] = info
	}
	return out, rows.Err()
}

// GetManagedSessionIds returns every session id this daemon has registered
// as managed, used by CleanStaleSessions.
func (s *Store) GetManagedSessionIds(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM managed_sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteManagedSession removes sessionID from the managed-session set.
func (s *Store) DeleteManagedSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM managed_sessions WHERE session_id = ?`, sessionID)
	return err
}
