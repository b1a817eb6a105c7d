package kanban

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const defaultBusyTimeout = 5 * time.Second

// openSQLite opens the op-log database with a single writer connection:
// WAL mode for read concurrency, one connection to serialize writes and
// avoid SQLITE_BUSY.
func openSQLite(dbPath string) (*sql.DB, error) {
	normalized := normalizePath(dbPath)
	if err := os.MkdirAll(filepath.Dir(normalized), 0o755); err != nil {
		return nil, fmt.Errorf("prepare kanban db directory: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		normalized, int(defaultBusyTimeout/time.Millisecond),
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open kanban db: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

func normalizePath(dbPath string) string {
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
