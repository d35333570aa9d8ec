package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/seantiz/releaseflow/internal/audit"
	"github.com/seantiz/releaseflow/internal/model"
	"github.com/seantiz/releaseflow/internal/store"
)

// NewRelease is the intake form for a release.
type NewRelease struct {
	ReleaseNumber string           `json:"releaseNumber"`
	SupplierID    string           `json:"supplierId"`
	CustomerID    string           `json:"customerId"`
	CustomerName  string           `json:"customerName,omitempty"`
	LineItems     []model.LineItem `json:"lineItems"`
}

// Create records a new release in status Entered. The release number must
// not be used by any release that is not Cancelled.
func (e *Engine) Create(ctx context.Context, op model.Operator, in NewRelease) (*model.Release, error) {
	var errs []error
	if err := requireOperator(op); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(in.ReleaseNumber) == "" {
		errs = append(errs, ErrMissingReleaseNumber)
	}
	if len(in.LineItems) == 0 {
		errs = append(errs, ErrNoLineItems)
	}
	if err := violations(errs); err != nil {
		return nil, e.finish("create", "", err)
	}

	now := e.now()
	r := &model.Release{
		ID:              model.NewID(),
		ReleaseNumber:   in.ReleaseNumber,
		Status:          model.StatusEntered,
		SupplierID:      in.SupplierID,
		CustomerID:      in.CustomerID,
		CustomerName:    in.CustomerName,
		CreatedBy:       op.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
		StatusChangedAt: now,
	}
	for _, line := range in.LineItems {
		line.StagedQty, line.LoadedQty, line.ShippedQty = 0, 0, 0
		r.LineItems = append(r.LineItems, line)
	}

	var entry *model.AuditEntry
	err := e.store.Update(ctx, func(tx store.Tx) error {
		if err := tx.LockReleaseNumber(r.ReleaseNumber); err != nil {
			return err
		}
		existing, err := tx.FindReleases(store.ReleaseFilter{
			ReleaseNumber:    r.ReleaseNumber,
			ExcludeCancelled: true,
			Limit:            1,
		})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return fmt.Errorf("%w: %s is used by release %s", ErrDuplicateReleaseNumber, r.ReleaseNumber, existing[0].ID)
		}

		if err := tx.CreateRelease(r); err != nil {
			return err
		}
		entry = audit.NewEntry(audit.ActionCreated, r.ID, op.ID, map[string]any{
			"releaseNumber": r.ReleaseNumber,
			"lineCount":     len(r.LineItems),
			"newStatus":     model.StatusEntered,
		}, now)
		return tx.AppendAudit(entry)
	})
	if err := e.finish("create", r.ID, err); err != nil {
		return nil, err
	}

	e.dispatch(entry)
	return r, nil
}

// MarkShipped records that a loaded release has left the yard.
func (e *Engine) MarkShipped(ctx context.Context, releaseID string, op model.Operator) error {
	if err := requireOperator(op); err != nil {
		return e.finish("ship", releaseID, err)
	}

	var entry *model.AuditEntry
	err := e.store.Update(ctx, func(tx store.Tx) error {
		r, err := tx.GetRelease(releaseID)
		if err != nil {
			return err
		}
		if r.Status != model.StatusLoaded {
			return &WrongStatusError{Current: r.Status, Allowed: []string{model.StatusLoaded}}
		}

		now := e.now()
		r.Shipping = model.Shipping{ShippedBy: op.ID, ShippedAt: timePtr(now)}
		setStatus(r, model.StatusShipped, now)
		if err := tx.UpdateRelease(r); err != nil {
			return err
		}
		entry = audit.NewEntry(audit.ActionShipped, r.ID, op.ID, map[string]any{
			"previousStatus": model.StatusLoaded,
			"newStatus":      model.StatusShipped,
			"truckNumber":    r.TruckNumber,
		}, now)
		return tx.AppendAudit(entry)
	})
	if err := e.finish("ship", releaseID, err); err != nil {
		return err
	}

	e.dispatch(entry)
	return nil
}

// Cancel moves a release to the terminal Cancelled status. Releases are
// never deleted.
func (e *Engine) Cancel(ctx context.Context, releaseID string, op model.Operator, reason string) error {
	reason = strings.TrimSpace(reason)
	if err := requireOperator(op); err != nil {
		return e.finish("cancel", releaseID, err)
	}

	var entry *model.AuditEntry
	err := e.store.Update(ctx, func(tx store.Tx) error {
		r, err := tx.GetRelease(releaseID)
		if err != nil {
			return err
		}

		var errs []error
		if !model.ValidTransition(r.Status, model.StatusCancelled) {
			errs = append(errs, &WrongStatusError{Current: r.Status, Allowed: cancellable()})
		}
		if reason == "" {
			errs = append(errs, ErrMissingReason)
		}
		if err := violations(errs); err != nil {
			return err
		}

		now := e.now()
		previous := r.Status
		r.Cancellation = model.Cancellation{
			CancelledBy:  op.ID,
			CancelledAt:  timePtr(now),
			CancelReason: reason,
		}
		setStatus(r, model.StatusCancelled, now)
		if err := tx.UpdateRelease(r); err != nil {
			return err
		}
		entry = audit.NewEntry(audit.ActionCancelled, r.ID, op.ID, map[string]any{
			"reason":         reason,
			"previousStatus": previous,
			"newStatus":      model.StatusCancelled,
		}, now)
		return tx.AppendAudit(entry)
	})
	if err := e.finish("cancel", releaseID, err); err != nil {
		return err
	}

	e.dispatch(entry)
	return nil
}

func cancellable() []string {
	var out []string
	for _, s := range model.Statuses {
		if model.ValidTransition(s, model.StatusCancelled) {
			out = append(out, s)
		}
	}
	return out
}
