package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/releaseflow/internal/model"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a versioned write loses to a concurrent
	// writer. Update retries the whole transaction on ErrConflict.
	ErrConflict = errors.New("concurrent modification")
	// ErrAlreadyExists is returned when creating a record whose id is taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrMalformed is returned when a stored release document cannot be
	// decoded into the canonical schema.
	ErrMalformed = errors.New("malformed release document")
	// ErrReadOnly is returned by write methods inside View.
	ErrReadOnly = errors.New("write in read-only transaction")
)

// Store is a transactional document store for releases and the records
// around them. All reads and writes go through a Tx so a read-modify-write
// is one atomic unit.
type Store interface {
	// Update runs fn in a read-write transaction. fn may be invoked more than
	// once when the transaction loses a race, so it must not keep state
	// between attempts.
	Update(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx is the set of operations available inside a transaction.
type Tx interface {
	GetRelease(id string) (*model.Release, error)
	CreateRelease(r *model.Release) error
	UpdateRelease(r *model.Release) error
	FindReleases(f ReleaseFilter) ([]*model.Release, error)

	// ReleaseDocs returns every release in its raw stored form, including
	// documents that do not decode into the canonical schema.
	ReleaseDocs() ([]*ReleaseDoc, error)
	// ReplaceReleaseDoc rejects documents read as Malformed.
	ReplaceReleaseDoc(d *ReleaseDoc) error

	// LockReleaseNumber serializes writers that claim the same release
	// number until the transaction ends.
	LockReleaseNumber(number string) error

	GetLot(id string) (*model.InventoryLot, error)
	PutLot(l *model.InventoryLot) error

	Allocations() ([]*model.Allocation, error)
	PutAllocation(a *model.Allocation) error
	DeleteAllocation(id string) error

	Staff(f StaffFilter) ([]*model.Staff, error)
	PutStaff(s *model.Staff) error

	AppendAudit(e *model.AuditEntry) error
	AuditTrail(releaseID string) ([]*model.AuditEntry, error)
}

// Release orderings for FindReleases.
const (
	OrderStatusChangedAsc = "status_changed_asc"
	OrderCreatedDesc      = "created_desc"
	OrderCreatedAsc       = "created_asc"
)

// ReleaseFilter selects releases by their indexed fields. Zero values match
// everything.
type ReleaseFilter struct {
	Status           string
	ReleaseNumber    string
	SupplierID       string
	CustomerID       string
	CreatedBy        string
	CreatedSince     time.Time
	ExcludeCancelled bool
	OrderBy          string
	Limit            int
}

// StaffFilter selects notification recipients.
type StaffFilter struct {
	VerifiersOnly bool
	OfficeOnly    bool
}

// ReleaseDoc is the raw stored form of a release document. Fields holds the
// decoded JSON object exactly as persisted, legacy keys included.
//
// Malformed is set when the stored text is not a JSON object. Fields is then
// empty and Raw keeps the original text.
type ReleaseDoc struct {
	ID        string
	Version   int64
	Fields    map[string]any
	Malformed bool
	Raw       string
}

// Decode converts the document into a typed release.
func (d *ReleaseDoc) Decode() (*model.Release, error) {
	if d.Malformed {
		return nil, fmt.Errorf("release %s: %w: not a JSON object", d.ID, ErrMalformed)
	}
	return decodeRelease(d.ID, d.Version, d.Fields)
}

// Open opens the store for the given driver. dsn is a file path for sqlite
// and a connection string for postgres.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverSQLite, "":
		return NewSQLiteStore(dsn)
	case DriverPostgres:
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
