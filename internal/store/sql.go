package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/seantiz/releaseflow/internal/model"
)

const defaultRetryMaxElapsed = 5 * time.Second

// dialect captures the differences between the SQL backends.
type dialect struct {
	name      string
	schema    []string
	rebind    func(query string) string
	forUpdate string
	// numberLock takes a transaction-scoped lock keyed by release number.
	// Empty when the backend already serializes writers.
	numberLock string
	retryable  func(err error) bool
}

// Compile-time interface satisfaction check.
var _ Store = (*SQLStore)(nil)

// SQLStore implements Store over database/sql. Releases are stored as JSON
// documents with a version column for optimistic concurrency; the fields used
// for lookups are mirrored into indexed columns on every write.
type SQLStore struct {
	db              *sql.DB
	d               dialect
	logger          *slog.Logger
	retryMaxElapsed time.Duration
}

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	for _, stmt := range d.schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply %s schema: %w", d.name, err)
		}
	}
	return &SQLStore{
		db:              db,
		d:               d,
		logger:          slog.New(slog.DiscardHandler),
		retryMaxElapsed: defaultRetryMaxElapsed,
	}, nil
}

// SetLogger sets the logger used to report skipped documents.
func (s *SQLStore) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Update runs fn in a read-write transaction, retrying with exponential
// backoff when the transaction loses a write race or the backend reports a
// transient conflict.
func (s *SQLStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = s.retryMaxElapsed

	return backoff.Retry(func() error {
		err := s.run(ctx, true, fn)
		if err != nil && s.retryable(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

// View runs fn in a read-only transaction.
func (s *SQLStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, false, fn)
}

func (s *SQLStore) retryable(err error) bool {
	return errors.Is(err, ErrConflict) || (s.d.retryable != nil && s.d.retryable(err))
}

func (s *SQLStore) run(ctx context.Context, writable bool, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: !writable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	t := &txn{
		ctx:      ctx,
		tx:       sqlTx,
		d:        &s.d,
		logger:   s.logger,
		writable: writable,
		docs:     make(map[string]map[string]any),
	}
	if err := fn(t); err != nil {
		return err
	}
	if !writable {
		return nil
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// txn implements Tx on a single database transaction.
type txn struct {
	ctx      context.Context
	tx       *sql.Tx
	d        *dialect
	logger   *slog.Logger
	writable bool
	// docs caches the fields of releases read in this transaction so typed
	// writes can preserve keys the schema does not own.
	docs map[string]map[string]any
}

func (t *txn) q(query string) string {
	return t.d.rebind(query)
}

// lockRow appends the dialect's row lock clause in write transactions.
func (t *txn) lockRow(query string) string {
	if t.writable && t.d.forUpdate != "" {
		query += " " + t.d.forUpdate
	}
	return t.q(query)
}

func (t *txn) checkWritable() error {
	if !t.writable {
		return ErrReadOnly
	}
	return nil
}

func (t *txn) getDoc(id string) (*ReleaseDoc, error) {
	var (
		version int64
		raw     string
	)
	err := t.tx.QueryRowContext(t.ctx,
		t.lockRow("SELECT version, doc FROM releases WHERE id = ?"), id,
	).Scan(&version, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("release %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get release: %w", err)
	}

	fields := make(map[string]any)
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("release %s: %w: %v", id, ErrMalformed, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("release %s: %w: not a JSON object", id, ErrMalformed)
	}
	t.docs[id] = fields
	return &ReleaseDoc{ID: id, Version: version, Fields: fields}, nil
}

// GetRelease loads a release in its canonical form.
func (t *txn) GetRelease(id string) (*model.Release, error) {
	d, err := t.getDoc(id)
	if err != nil {
		return nil, err
	}
	return decodeRelease(d.ID, d.Version, d.Fields)
}

// CreateRelease inserts r at version 1.
func (t *txn) CreateRelease(r *model.Release) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if r.ID == "" {
		return errors.New("create release: empty id")
	}

	var exists int
	err := t.tx.QueryRowContext(t.ctx, t.q("SELECT 1 FROM releases WHERE id = ?"), r.ID).Scan(&exists)
	if err == nil {
		return fmt.Errorf("release %s: %w", r.ID, ErrAlreadyExists)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check release: %w", err)
	}

	fields, err := encodeRelease(r, nil)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode release: %w", err)
	}

	c := columnsOf(fields)
	_, err = t.tx.ExecContext(t.ctx, t.q(
		`INSERT INTO releases (
			id, release_number, status, supplier_id, customer_id, created_by,
			created_at, status_changed_at, version, doc
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`),
		r.ID, c.releaseNumber, c.status, c.supplierID, c.customerID, c.createdBy,
		c.createdAt, c.statusChangedAt, string(raw),
	)
	if err != nil {
		return fmt.Errorf("insert release: %w", err)
	}
	r.Version = 1
	t.docs[r.ID] = fields
	return nil
}

// UpdateRelease writes r if its version still matches the stored one.
func (t *txn) UpdateRelease(r *model.Release) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	base, ok := t.docs[r.ID]
	if !ok {
		d, err := t.getDoc(r.ID)
		if err != nil {
			return err
		}
		base = d.Fields
	}

	fields, err := encodeRelease(r, base)
	if err != nil {
		return err
	}
	if err := t.writeDoc(r.ID, r.Version, fields); err != nil {
		return err
	}
	r.Version++
	return nil
}

// ReplaceReleaseDoc overwrites the stored document with d.Fields.
func (t *txn) ReplaceReleaseDoc(d *ReleaseDoc) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if d.Malformed {
		return fmt.Errorf("replace release %s: %w", d.ID, ErrMalformed)
	}
	if err := t.writeDoc(d.ID, d.Version, d.Fields); err != nil {
		return err
	}
	d.Version++
	return nil
}

func (t *txn) writeDoc(id string, version int64, fields map[string]any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode release: %w", err)
	}

	c := columnsOf(fields)
	res, err := t.tx.ExecContext(t.ctx, t.q(
		`UPDATE releases SET
			release_number = ?, status = ?, supplier_id = ?, customer_id = ?,
			created_by = ?, created_at = ?, status_changed_at = ?,
			version = version + 1, doc = ?
		WHERE id = ? AND version = ?`),
		c.releaseNumber, c.status, c.supplierID, c.customerID,
		c.createdBy, c.createdAt, c.statusChangedAt,
		string(raw), id, version,
	)
	if err != nil {
		return fmt.Errorf("update release: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		err := t.tx.QueryRowContext(t.ctx, t.q("SELECT 1 FROM releases WHERE id = ?"), id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("release %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("release %s version %d: %w", id, version, ErrConflict)
	}
	t.docs[id] = fields
	return nil
}

// LockReleaseNumber takes the dialect's number lock, if it has one.
func (t *txn) LockReleaseNumber(number string) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if t.d.numberLock == "" || number == "" {
		return nil
	}
	if _, err := t.tx.ExecContext(t.ctx, t.q(t.d.numberLock), number); err != nil {
		return fmt.Errorf("lock release number %s: %w", number, err)
	}
	return nil
}

// FindReleases returns releases matching f. Documents that no longer decode
// into the canonical schema are skipped and logged; the consistency monitor
// escalates them.
func (t *txn) FindReleases(f ReleaseFilter) ([]*model.Release, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		where = append(where, cond)
		args = append(args, arg)
	}
	if f.Status != "" {
		add("status = ?", f.Status)
	}
	if f.ReleaseNumber != "" {
		add("release_number = ?", f.ReleaseNumber)
	}
	if f.SupplierID != "" {
		add("supplier_id = ?", f.SupplierID)
	}
	if f.CustomerID != "" {
		add("customer_id = ?", f.CustomerID)
	}
	if f.CreatedBy != "" {
		add("created_by = ?", f.CreatedBy)
	}
	if !f.CreatedSince.IsZero() {
		add("created_at >= ?", formatTime(f.CreatedSince))
	}
	if f.ExcludeCancelled {
		add("status <> ?", model.StatusCancelled)
	}

	query := "SELECT id, version, doc FROM releases"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	switch f.OrderBy {
	case OrderStatusChangedAsc:
		query += " ORDER BY status_changed_at ASC, id ASC"
	case OrderCreatedDesc:
		query += " ORDER BY created_at DESC, id DESC"
	default:
		query += " ORDER BY created_at ASC, id ASC"
	}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	docs, err := t.queryDocs(query, args...)
	if err != nil {
		return nil, err
	}
	releases := make([]*model.Release, 0, len(docs))
	for _, d := range docs {
		r, err := d.Decode()
		if err != nil {
			t.logger.Warn("skipping malformed release", "release_id", d.ID, "error", err)
			continue
		}
		releases = append(releases, r)
	}
	return releases, nil
}

// ReleaseDocs returns every stored release document ordered by id.
func (t *txn) ReleaseDocs() ([]*ReleaseDoc, error) {
	return t.queryDocs("SELECT id, version, doc FROM releases ORDER BY id ASC")
}

func (t *txn) queryDocs(query string, args ...any) ([]*ReleaseDoc, error) {
	rows, err := t.tx.QueryContext(t.ctx, t.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query releases: %w", err)
	}
	defer rows.Close()

	var docs []*ReleaseDoc
	for rows.Next() {
		d := &ReleaseDoc{Fields: make(map[string]any)}
		var raw string
		if err := rows.Scan(&d.ID, &d.Version, &raw); err != nil {
			return nil, fmt.Errorf("scan release: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &d.Fields); err != nil || d.Fields == nil {
			d.Fields = make(map[string]any)
			d.Malformed = true
			d.Raw = raw
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate releases: %w", err)
	}
	for _, d := range docs {
		if !d.Malformed {
			t.docs[d.ID] = d.Fields
		}
	}
	return docs, nil
}

// GetLot loads an inventory lot.
func (t *txn) GetLot(id string) (*model.InventoryLot, error) {
	l := &model.InventoryLot{}
	var updated string
	err := t.tx.QueryRowContext(t.ctx, t.lockRow(
		`SELECT id, item_id, lot_number, on_hand_qty, committed_qty, updated_at
		FROM inventory_lots WHERE id = ?`), id,
	).Scan(&l.ID, &l.ItemID, &l.LotNumber, &l.OnHandQty, &l.CommittedQty, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lot %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get lot: %w", err)
	}
	if ts, err := parseColumnTime(updated); err == nil {
		l.UpdatedAt = ts
	}
	return l, nil
}

// PutLot inserts or replaces an inventory lot.
func (t *txn) PutLot(l *model.InventoryLot) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(t.ctx, t.q(
		`INSERT INTO inventory_lots (id, item_id, lot_number, on_hand_qty, committed_qty, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			item_id = excluded.item_id,
			lot_number = excluded.lot_number,
			on_hand_qty = excluded.on_hand_qty,
			committed_qty = excluded.committed_qty,
			updated_at = excluded.updated_at`),
		l.ID, l.ItemID, l.LotNumber, l.OnHandQty, l.CommittedQty, formatTime(l.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put lot: %w", err)
	}
	return nil
}

// Allocations returns every allocation ordered by id.
func (t *txn) Allocations() ([]*model.Allocation, error) {
	rows, err := t.tx.QueryContext(t.ctx, t.q(
		"SELECT id, release_id, lot_id, quantity, created_at FROM allocations ORDER BY id ASC"))
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	defer rows.Close()

	var out []*model.Allocation
	for rows.Next() {
		a := &model.Allocation{}
		var created sql.NullString
		if err := rows.Scan(&a.ID, &a.ReleaseID, &a.LotID, &a.Quantity, &created); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		if created.Valid {
			if ts, err := parseColumnTime(created.String); err == nil {
				a.CreatedAt = &ts
			}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate allocations: %w", err)
	}
	return out, nil
}

// PutAllocation inserts or replaces an allocation.
func (t *txn) PutAllocation(a *model.Allocation) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	var created sql.NullString
	if a.CreatedAt != nil {
		created = sql.NullString{String: formatTime(*a.CreatedAt), Valid: true}
	}
	_, err := t.tx.ExecContext(t.ctx, t.q(
		`INSERT INTO allocations (id, release_id, lot_id, quantity, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			release_id = excluded.release_id,
			lot_id = excluded.lot_id,
			quantity = excluded.quantity,
			created_at = excluded.created_at`),
		a.ID, a.ReleaseID, a.LotID, a.Quantity, created,
	)
	if err != nil {
		return fmt.Errorf("put allocation: %w", err)
	}
	return nil
}

// DeleteAllocation removes an allocation.
func (t *txn) DeleteAllocation(id string) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	res, err := t.tx.ExecContext(t.ctx, t.q("DELETE FROM allocations WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("delete allocation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("allocation %s: %w", id, ErrNotFound)
	}
	return nil
}

// Staff returns notification recipients matching f, ordered by name.
func (t *txn) Staff(f StaffFilter) ([]*model.Staff, error) {
	query := "SELECT id, name, email, phone, is_verifier, is_office FROM staff"
	var where []string
	if f.VerifiersOnly {
		where = append(where, "is_verifier = 1")
	}
	if f.OfficeOnly {
		where = append(where, "is_office = 1")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name ASC, id ASC"

	rows, err := t.tx.QueryContext(t.ctx, t.q(query))
	if err != nil {
		return nil, fmt.Errorf("list staff: %w", err)
	}
	defer rows.Close()

	var out []*model.Staff
	for rows.Next() {
		s := &model.Staff{}
		var verifier, office int
		if err := rows.Scan(&s.ID, &s.Name, &s.Email, &s.Phone, &verifier, &office); err != nil {
			return nil, fmt.Errorf("scan staff: %w", err)
		}
		s.IsVerifier = verifier == 1
		s.IsOffice = office == 1
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate staff: %w", err)
	}
	return out, nil
}

// PutStaff inserts or replaces a staff member.
func (t *txn) PutStaff(s *model.Staff) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(t.ctx, t.q(
		`INSERT INTO staff (id, name, email, phone, is_verifier, is_office)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			phone = excluded.phone,
			is_verifier = excluded.is_verifier,
			is_office = excluded.is_office`),
		s.ID, s.Name, s.Email, s.Phone, boolInt(s.IsVerifier), boolInt(s.IsOffice),
	)
	if err != nil {
		return fmt.Errorf("put staff: %w", err)
	}
	return nil
}

// AppendAudit appends an audit entry, assigning an id when e has none.
func (t *txn) AppendAudit(e *model.AuditEntry) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = model.NewID()
	}
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	_, err = t.tx.ExecContext(t.ctx, t.q(
		`INSERT INTO audit_log (id, action, release_id, user_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		e.ID, e.Action, e.ReleaseID, e.UserID, string(details), formatTime(e.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// AuditTrail returns the audit entries for a release, oldest first.
func (t *txn) AuditTrail(releaseID string) ([]*model.AuditEntry, error) {
	rows, err := t.tx.QueryContext(t.ctx, t.q(
		`SELECT id, action, release_id, user_id, details, created_at
		FROM audit_log WHERE release_id = ? ORDER BY created_at ASC, id ASC`), releaseID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []*model.AuditEntry
	for rows.Next() {
		e := &model.AuditEntry{}
		var details, created string
		if err := rows.Scan(&e.ID, &e.Action, &e.ReleaseID, &e.UserID, &details, &created); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, fmt.Errorf("decode audit details: %w", err)
		}
		if ts, err := parseColumnTime(created); err == nil {
			e.Timestamp = ts
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
