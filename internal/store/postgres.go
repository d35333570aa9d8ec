package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS releases (
    id                TEXT PRIMARY KEY,
    release_number    TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL DEFAULT '',
    supplier_id       TEXT NOT NULL DEFAULT '',
    customer_id       TEXT NOT NULL DEFAULT '',
    created_by        TEXT NOT NULL DEFAULT '',
    created_at        TEXT NOT NULL DEFAULT '',
    status_changed_at TEXT NOT NULL DEFAULT '',
    version           BIGINT NOT NULL,
    doc               TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_releases_status ON releases(status, status_changed_at)`,
	`CREATE INDEX IF NOT EXISTS idx_releases_number ON releases(release_number)`,
	`CREATE INDEX IF NOT EXISTS idx_releases_parties ON releases(supplier_id, customer_id)`,
	`CREATE TABLE IF NOT EXISTS allocations (
    id         TEXT PRIMARY KEY,
    release_id TEXT NOT NULL,
    lot_id     TEXT NOT NULL DEFAULT '',
    quantity   BIGINT NOT NULL DEFAULT 0,
    created_at TEXT
)`,
	`CREATE TABLE IF NOT EXISTS inventory_lots (
    id            TEXT PRIMARY KEY,
    item_id       TEXT NOT NULL DEFAULT '',
    lot_number    TEXT NOT NULL DEFAULT '',
    on_hand_qty   BIGINT NOT NULL DEFAULT 0,
    committed_qty BIGINT NOT NULL DEFAULT 0,
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

// pgNumberLock serializes creates that claim the same release number. A
// unique index would reject the duplicates already in legacy data, which the
// consistency monitor renames instead.
const pgNumberLock = `SELECT pg_advisory_xact_lock(hashtext('release_number'), hashtext(?))`

// NewPostgresStore connects to PostgreSQL through the pgx database/sql driver
// and runs migrations. Write transactions take row locks on the releases and
// lots they read.
func NewPostgresStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s, err := newSQLStore(db, dialect{
		name:      DriverPostgres,
		schema:    postgresSchema,
		rebind:    rebindDollar,
		forUpdate:  "FOR UPDATE",
		numberLock: pgNumberLock,
		retryable:  pgSerializationFailure,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// rebindDollar rewrites ? placeholders as $1, $2, ...
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// pgSerializationFailure reports serialization failures and deadlocks, both
// of which succeed on retry.
func pgSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}
