package store

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS releases (
    id                TEXT PRIMARY KEY,
    release_number    TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL DEFAULT '',
    supplier_id       TEXT NOT NULL DEFAULT '',
    customer_id       TEXT NOT NULL DEFAULT '',
    created_by        TEXT NOT NULL DEFAULT '',
    created_at        TEXT NOT NULL DEFAULT '',
    status_changed_at TEXT NOT NULL DEFAULT '',
    version           INTEGER NOT NULL,
    doc               TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_releases_status ON releases(status, status_changed_at)`,
	`CREATE INDEX IF NOT EXISTS idx_releases_number ON releases(release_number)`,
	`CREATE INDEX IF NOT EXISTS idx_releases_parties ON releases(supplier_id, customer_id)`,
	`CREATE TABLE IF NOT EXISTS allocations (
    id         TEXT PRIMARY KEY,
    release_id TEXT NOT NULL,
    lot_id     TEXT NOT NULL DEFAULT '',
    quantity   INTEGER NOT NULL DEFAULT 0,
    created_at TEXT
)`,
	`CREATE TABLE IF NOT EXISTS inventory_lots (
    id            TEXT PRIMARY KEY,
    item_id       TEXT NOT NULL DEFAULT '',
    lot_number    TEXT NOT NULL DEFAULT '',
    on_hand_qty   INTEGER NOT NULL DEFAULT 0,
    committed_qty INTEGER NOT NULL DEFAULT 0,
    updated_at    TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS staff (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    email       TEXT NOT NULL DEFAULT '',
    phone       TEXT NOT NULL DEFAULT '',
    is_verifier INTEGER NOT NULL DEFAULT 0,
    is_office   INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
    id         TEXT PRIMARY KEY,
    action     TEXT NOT NULL,
    release_id TEXT NOT NULL,
    user_id    TEXT NOT NULL,
    details    TEXT NOT NULL,
    created_at TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_release ON audit_log(release_id, created_at)`,
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
//
// The pool is limited to one connection: SQLite serializes writers anyway, and
// ":memory:" databases exist per connection.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s, err := newSQLStore(db, dialect{
		name:      DriverSQLite,
		schema:    sqliteSchema,
		rebind:    func(q string) string { return q },
		retryable: sqliteBusy,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// sqliteBusy reports whether err is SQLite's lock contention error, raised
// when another process holds the write lock past busy_timeout.
func sqliteBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
