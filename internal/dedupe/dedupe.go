// Package dedupe catches releases entered twice and common data-entry
// mistakes before a release is saved. All checks are advisory.
package dedupe

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/seantiz/releaseflow/internal/model"
	"github.com/seantiz/releaseflow/internal/store"
)

const (
	// LargeQuantity is the line quantity above which entry is flagged.
	LargeQuantity = 10000
	// RapidCreationWindow and RapidCreationThreshold flag a user creating
	// many releases in a short time.
	RapidCreationWindow    = 5 * time.Minute
	RapidCreationThreshold = 5
	similarLimit           = 5
)

// Integrity finding severities.
const (
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// DuplicateResult reports whether a candidate repeats an existing release.
type DuplicateResult struct {
	IsDuplicate     bool   `json:"isDuplicate"`
	DuplicateID     string `json:"duplicateId,omitempty"`
	DuplicateNumber string `json:"duplicateNumber,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// SimilarRelease is a release for the same supplier and customer under a
// different number.
type SimilarRelease struct {
	ID            string    `json:"id"`
	ReleaseNumber string    `json:"releaseNumber"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
	ItemCount     int       `json:"itemCount"`
}

// Finding is one data-entry problem.
type Finding struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// IntegrityReport lists findings. Valid is false only when an error-level
// finding exists.
type IntegrityReport struct {
	Valid    bool      `json:"valid"`
	Warnings []Finding `json:"warnings"`
	Errors   []Finding `json:"errors"`
}

// RapidCreation flags an unusually fast burst of releases by one user.
type RapidCreation struct {
	Warning bool   `json:"warning"`
	Count   int    `json:"count"`
	Message string `json:"message,omitempty"`
}

// Guard runs duplicate checks against the release store.
type Guard struct {
	store  store.Store
	logger *slog.Logger
	clock  func() time.Time
}

// NewGuard creates a Guard. A nil clock uses time.Now.
func NewGuard(s store.Store, logger *slog.Logger, clock func() time.Time) *Guard {
	if clock == nil {
		clock = time.Now
	}
	return &Guard{store: s, logger: logger, clock: clock}
}

// CheckForDuplicate looks for an existing release with the same supplier,
// customer, release number and exactly the same line items. The candidate's
// own id is never a duplicate of itself.
func (g *Guard) CheckForDuplicate(ctx context.Context, c *model.Release) (*DuplicateResult, error) {
	if c.SupplierID == "" || c.CustomerID == "" || c.ReleaseNumber == "" {
		return &DuplicateResult{Reason: "missing required fields"}, nil
	}

	var existing []*model.Release
	err := g.store.View(ctx, func(tx store.Tx) error {
		var err error
		existing, err = tx.FindReleases(store.ReleaseFilter{
			SupplierID:    c.SupplierID,
			CustomerID:    c.CustomerID,
			ReleaseNumber: c.ReleaseNumber,
			OrderBy:       store.OrderCreatedAsc,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("check for duplicate: %w", err)
	}

	want := normalize(c.LineItems)
	for _, r := range existing {
		if c.ID != "" && r.ID == c.ID {
			continue
		}
		if slices.Equal(want, normalize(r.LineItems)) {
			g.logger.Info("duplicate release detected",
				"release_number", c.ReleaseNumber, "duplicate_id", r.ID)
			return &DuplicateResult{
				IsDuplicate:     true,
				DuplicateID:     r.ID,
				DuplicateNumber: r.ReleaseNumber,
				Reason:          fmt.Sprintf("release %s already exists with the same items", c.ReleaseNumber),
			}, nil
		}
	}
	return &DuplicateResult{}, nil
}

// FindSimilarReleases returns the newest releases for the same supplier and
// customer under a different release number.
func (g *Guard) FindSimilarReleases(ctx context.Context, c *model.Release) ([]SimilarRelease, error) {
	out := []SimilarRelease{}
	if c.SupplierID == "" || c.CustomerID == "" {
		return out, nil
	}

	var found []*model.Release
	err := g.store.View(ctx, func(tx store.Tx) error {
		var err error
		found, err = tx.FindReleases(store.ReleaseFilter{
			SupplierID: c.SupplierID,
			CustomerID: c.CustomerID,
			OrderBy:    store.OrderCreatedDesc,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("find similar releases: %w", err)
	}

	for _, r := range found {
		if r.ReleaseNumber == c.ReleaseNumber || (c.ID != "" && r.ID == c.ID) {
			continue
		}
		out = append(out, SimilarRelease{
			ID:            r.ID,
			ReleaseNumber: r.ReleaseNumber,
			Status:        r.Status,
			CreatedAt:     r.CreatedAt,
			ItemCount:     len(r.LineItems),
		})
		if len(out) == similarLimit {
			break
		}
	}
	return out, nil
}

// CheckRapidCreation warns when userID created several releases within the
// last few minutes.
func (g *Guard) CheckRapidCreation(ctx context.Context, userID string) (*RapidCreation, error) {
	if userID == "" {
		return &RapidCreation{}, nil
	}
	var recent []*model.Release
	err := g.store.View(ctx, func(tx store.Tx) error {
		var err error
		recent, err = tx.FindReleases(store.ReleaseFilter{
			CreatedBy:    userID,
			CreatedSince: g.clock().Add(-RapidCreationWindow),
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("check rapid creation: %w", err)
	}

	rc := &RapidCreation{Count: len(recent)}
	if rc.Count >= RapidCreationThreshold {
		rc.Warning = true
		rc.Message = fmt.Sprintf("You've created %d releases in the last 5 minutes. Please verify this is intentional.", rc.Count)
	}
	return rc, nil
}

// ValidateDataIntegrity flags suspicious line items and release number
// formatting.
func ValidateDataIntegrity(c *model.Release) IntegrityReport {
	rep := IntegrityReport{Warnings: []Finding{}, Errors: []Finding{}}

	seen := make(map[string]int)
	for i, line := range c.LineItems {
		key := itemKey(line)
		if first, ok := seen[key]; ok {
			rep.Warnings = append(rep.Warnings, Finding{
				Type:     "duplicate_item",
				Message:  fmt.Sprintf("Line %d appears to be a duplicate of line %d", i+1, first+1),
				Severity: SeverityWarning,
			})
		} else {
			seen[key] = i
		}
	}

	for i, line := range c.LineItems {
		qty := line.RequestedQty.Int()
		switch {
		case qty <= 0:
			rep.Errors = append(rep.Errors, Finding{
				Type:     "invalid_quantity",
				Message:  fmt.Sprintf("Line %d has invalid quantity: %d", i+1, qty),
				Severity: SeverityError,
			})
		case qty > LargeQuantity:
			rep.Warnings = append(rep.Warnings, Finding{
				Type:     "large_quantity",
				Message:  fmt.Sprintf("Line %d has unusually large quantity: %d", i+1, qty),
				Severity: SeverityWarning,
			})
		}
	}

	if n := c.ReleaseNumber; n != "" {
		if strings.Contains(n, "  ") {
			rep.Warnings = append(rep.Warnings, Finding{
				Type:     "format_issue",
				Message:  "Release number contains double spaces",
				Severity: SeverityWarning,
			})
		}
		if n != strings.TrimSpace(n) {
			rep.Warnings = append(rep.Warnings, Finding{
				Type:     "format_issue",
				Message:  "Release number has leading or trailing spaces",
				Severity: SeverityWarning,
			})
		}
	}

	rep.Valid = len(rep.Errors) == 0
	return rep
}

// ReleaseHash is a stable fingerprint of a release's identifying fields and
// line items, independent of line order.
func ReleaseHash(c *model.Release) string {
	items := make([]string, len(c.LineItems))
	for i, line := range c.LineItems {
		items[i] = fmt.Sprintf("%s-%d", itemKey(line), line.RequestedQty.Int())
	}
	slices.Sort(items)

	sum := sha256.Sum256([]byte(strings.Join([]string{
		c.SupplierID, c.CustomerID, c.ReleaseNumber, strings.Join(items, "|"),
	}, "-")))
	return hex.EncodeToString(sum[:])
}

type normalizedLine struct {
	itemID    string
	sizeID    string
	lotNumber string
	quantity  int
}

func normalize(lines []model.LineItem) []normalizedLine {
	out := make([]normalizedLine, len(lines))
	for i, l := range lines {
		out[i] = normalizedLine{
			itemID:    l.ItemID,
			sizeID:    l.SizeID,
			lotNumber: l.LotNumber,
			quantity:  l.RequestedQty.Int(),
		}
	}
	slices.SortFunc(out, func(a, b normalizedLine) int {
		return cmp.Or(
			cmp.Compare(a.itemID, b.itemID),
			cmp.Compare(a.sizeID, b.sizeID),
			cmp.Compare(a.lotNumber, b.lotNumber),
			cmp.Compare(a.quantity, b.quantity),
		)
	})
	return out
}

func itemKey(l model.LineItem) string {
	lot := l.LotNumber
	if lot == "" {
		lot = "none"
	}
	return l.ItemID + "-" + l.SizeID + "-" + lot
}
