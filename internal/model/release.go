package model

import "time"

// Release status constants.
const (
	StatusEntered   = "Entered"
	StatusStaged    = "Staged"
	StatusVerified  = "Verified"
	StatusLoaded    = "Loaded"
	StatusShipped   = "Shipped"
	StatusCancelled = "Cancelled"
)

// Statuses lists every valid release status in lifecycle order.
var Statuses = []string{
	StatusEntered,
	StatusStaged,
	StatusVerified,
	StatusLoaded,
	StatusShipped,
	StatusCancelled,
}

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusEntered: {
		StatusStaged:    true,
		StatusCancelled: true,
	},
	StatusStaged: {
		StatusVerified:  true,
		StatusEntered:   true,
		StatusLoaded:    true, // legacy: loading without verification
		StatusCancelled: true,
	},
	StatusVerified: {
		StatusLoaded:    true,
		StatusCancelled: true,
	},
	StatusLoaded: {
		StatusShipped:   true,
		StatusCancelled: true,
	},
	StatusShipped: {
		StatusCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// ValidStatus reports whether s is one of the six release statuses.
func ValidStatus(s string) bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// Release is the central aggregate: an order to pick, stage, verify and load freight.
// It is persisted as a JSON document keyed by ID.
type Release struct {
	ID              string     `json:"id"`
	ReleaseNumber   string     `json:"releaseNumber"`
	Status          string     `json:"status"`
	SupplierID      string     `json:"supplierId,omitempty"`
	CustomerID      string     `json:"customerId,omitempty"`
	CustomerName    string     `json:"customerName,omitempty"`
	LineItems       []LineItem `json:"lineItems"`
	CreatedBy       string     `json:"createdBy,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	StatusChangedAt time.Time  `json:"statusChangedAt"`

	Staging
	Verification
	Loading
	Shipping
	Cancellation
	Lock

	// Version is the store's optimistic concurrency counter. It is not part
	// of the persisted document.
	Version int64 `json:"-"`
}

// Staging is the facet written by the staging transition.
type Staging struct {
	StagedBy        string     `json:"stagedBy,omitempty"`
	StagedAt        *time.Time `json:"stagedAt,omitempty"`
	StagingLocation string     `json:"stagingLocation,omitempty"`
}

// Verification is the facet written by approve and reject. The last* fields
// keep the staging and rejection that preceded a rework cycle.
type Verification struct {
	VerifiedBy          string     `json:"verifiedBy,omitempty"`
	VerifiedAt          *time.Time `json:"verifiedAt,omitempty"`
	RejectedBy          string     `json:"rejectedBy,omitempty"`
	RejectedAt          *time.Time `json:"rejectedAt,omitempty"`
	RejectReason        string     `json:"rejectReason,omitempty"`
	LastStagedBy        string     `json:"lastStagedBy,omitempty"`
	LastStagedAt        *time.Time `json:"lastStagedAt,omitempty"`
	LastStagingLocation string     `json:"lastStagingLocation,omitempty"`
	LastRejectedBy      string     `json:"lastRejectedBy,omitempty"`
	LastRejectedAt      *time.Time `json:"lastRejectedAt,omitempty"`
	LastRejectReason    string     `json:"lastRejectReason,omitempty"`
}

// Loading is the facet written by the loading transition.
type Loading struct {
	LoadedBy    string     `json:"loadedBy,omitempty"`
	LoadedAt    *time.Time `json:"loadedAt,omitempty"`
	TruckNumber string     `json:"truckNumber,omitempty"`
}

// Shipping is the facet written when a loaded release leaves the yard.
type Shipping struct {
	ShippedBy string     `json:"shippedBy,omitempty"`
	ShippedAt *time.Time `json:"shippedAt,omitempty"`
}

// Cancellation is the facet written when a release is cancelled.
type Cancellation struct {
	CancelledBy  string     `json:"cancelledBy,omitempty"`
	CancelledAt  *time.Time `json:"cancelledAt,omitempty"`
	CancelReason string     `json:"cancelReason,omitempty"`
}

// Lock is the advisory edit lock. It warns other operators in the UI and is
// never consulted by transitions.
type Lock struct {
	LockedBy     string     `json:"lockedBy,omitempty"`
	LockedByName string     `json:"lockedByName,omitempty"`
	LockedAt     *time.Time `json:"lockedAt,omitempty"`
}

// LineItem is one ordered line of a release.
type LineItem struct {
	ItemID       string   `json:"itemId"`
	ItemCode     string   `json:"itemCode,omitempty"`
	SizeID       string   `json:"sizeId,omitempty"`
	LotID        string   `json:"lotId,omitempty"`
	LotNumber    string   `json:"lotNumber,omitempty"`
	RequestedQty Quantity `json:"requestedQty"`
	StagedQty    Quantity `json:"stagedQty"`
	LoadedQty    Quantity `json:"loadedQty"`
	ShippedQty   Quantity `json:"shippedQty"`
}

// Allocation is an inventory reservation against a release. Allocations are
// owned by the inventory subsystem.
type Allocation struct {
	ID        string     `json:"id"`
	ReleaseID string     `json:"releaseId"`
	LotID     string     `json:"lotId,omitempty"`
	Quantity  int        `json:"quantity"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}

// InventoryLot is the on-hand and committed stock for one lot.
type InventoryLot struct {
	ID           string    `json:"id"`
	ItemID       string    `json:"itemId"`
	LotNumber    string    `json:"lotNumber,omitempty"`
	OnHandQty    int       `json:"onHandQty"`
	CommittedQty int       `json:"committedQty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Staff is a notification recipient.
type Staff struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	IsVerifier bool   `json:"isVerifier"`
	IsOffice   bool   `json:"isOffice"`
}

// AuditEntry is one append-only record of a transition.
type AuditEntry struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	ReleaseID string         `json:"releaseId"`
	UserID    string         `json:"userId"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Operator identifies the person invoking a transition. Identity is resolved
// and trusted upstream.
type Operator struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}
