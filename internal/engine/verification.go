package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/seantiz/releaseflow/internal/audit"
	"github.com/seantiz/releaseflow/internal/model"
	"github.com/seantiz/releaseflow/internal/notify"
	"github.com/seantiz/releaseflow/internal/store"
)

// Approve verifies a Staged release. The verifier must not be the operator
// who staged it, whatever their role.
func (e *Engine) Approve(ctx context.Context, releaseID string, op model.Operator) error {
	if err := requireOperator(op); err != nil {
		return e.finish("approve", releaseID, err)
	}

	var entry *model.AuditEntry
	err := e.store.Update(ctx, func(tx store.Tx) error {
		r, err := tx.GetRelease(releaseID)
		if err != nil {
			return err
		}

		var errs []error
		if r.Status != model.StatusStaged {
			errs = append(errs, &WrongStatusError{Current: r.Status, Allowed: []string{model.StatusStaged}})
		}
		if r.StagedBy == op.ID {
			errs = append(errs, ErrSelfVerification)
		}
		if err := violations(errs); err != nil {
			return err
		}

		now := e.now()
		previous := r.Status
		r.VerifiedBy = op.ID
		r.VerifiedAt = timePtr(now)
		setStatus(r, model.StatusVerified, now)

		if err := tx.UpdateRelease(r); err != nil {
			return err
		}
		entry = audit.NewEntry(audit.ActionVerified, r.ID, op.ID, map[string]any{
			"previousStatus":  previous,
			"newStatus":       model.StatusVerified,
			"stagedBy":        r.StagedBy,
			"stagingLocation": r.StagingLocation,
		}, now)
		return tx.AppendAudit(entry)
	})
	if err := e.finish("approve", releaseID, err); err != nil {
		return err
	}

	e.dispatch(entry)
	return nil
}

// Reject sends a Staged release back to Entered for rework. The staging facet
// is kept under the last* fields and cleared.
func (e *Engine) Reject(ctx context.Context, releaseID string, op model.Operator, reason string) error {
	reason = strings.TrimSpace(reason)
	if err := requireOperator(op); err != nil {
		return e.finish("reject", releaseID, err)
	}

	var (
		rejected *model.Release
		entry    *model.AuditEntry
	)
	err := e.store.Update(ctx, func(tx store.Tx) error {
		r, err := tx.GetRelease(releaseID)
		if err != nil {
			return err
		}

		var errs []error
		if r.Status != model.StatusStaged {
			errs = append(errs, &WrongStatusError{Current: r.Status, Allowed: []string{model.StatusStaged}})
		}
		if reason == "" {
			errs = append(errs, ErrMissingReason)
		}
		if err := violations(errs); err != nil {
			return err
		}

		now := e.now()
		previous := r.Status
		stagedBy, location := r.StagedBy, r.StagingLocation

		r.LastStagedBy = r.StagedBy
		r.LastStagedAt = r.StagedAt
		r.LastStagingLocation = r.StagingLocation
		r.Staging = model.Staging{}
		for i := range r.LineItems {
			r.LineItems[i].StagedQty = 0
		}
		r.RejectedBy = op.ID
		r.RejectedAt = timePtr(now)
		r.RejectReason = reason
		setStatus(r, model.StatusEntered, now)

		if err := tx.UpdateRelease(r); err != nil {
			return err
		}
		entry = audit.NewEntry(audit.ActionRejected, r.ID, op.ID, map[string]any{
			"reason":          reason,
			"previousStatus":  previous,
			"newStatus":       model.StatusEntered,
			"stagedBy":        stagedBy,
			"stagingLocation": location,
		}, now)
		if err := tx.AppendAudit(entry); err != nil {
			return err
		}
		rejected = r
		return nil
	})
	if err := e.finish("reject", releaseID, err); err != nil {
		return err
	}

	e.dispatch(entry, notify.Event{
		Type:          notify.EventRejected,
		Audience:      notify.AudienceOffice,
		ReleaseID:     rejected.ID,
		ReleaseNumber: rejected.ReleaseNumber,
		Message:       fmt.Sprintf("Release %s failed verification: %s", rejected.ReleaseNumber, reason),
		Data: map[string]any{
			"reason":     reason,
			"rejectedBy": op.ID,
			"stagedBy":   rejected.LastStagedBy,
		},
		OccurredAt: entry.Timestamp,
	})
	return nil
}
