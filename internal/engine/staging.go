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

// Stage moves an Entered release to Staged. stagedQuantities maps line index
// to the quantity placed at location; every line must match its requested
// quantity exactly. All failing preconditions are reported together.
func (e *Engine) Stage(ctx context.Context, releaseID string, op model.Operator, location string, stagedQuantities map[int]int) error {
	location = strings.TrimSpace(location)
	if err := requireOperator(op); err != nil {
		return e.finish("stage", releaseID, err)
	}

	var (
		staged *model.Release
		entry  *model.AuditEntry
	)
	err := e.store.Update(ctx, func(tx store.Tx) error {
		r, err := tx.GetRelease(releaseID)
		if err != nil {
			return err
		}

		var errs []error
		if r.Status != model.StatusEntered {
			errs = append(errs, &WrongStatusError{Current: r.Status, Allowed: []string{model.StatusEntered}})
		}
		if location == "" {
			errs = append(errs, ErrMissingLocation)
		}
		if short := shortfalls(r.LineItems, stagedQuantities); len(short) > 0 {
			errs = append(errs, &PartialStagingError{Lines: short})
		}
		if err := violations(errs); err != nil {
			return err
		}

		now := e.now()
		previous := r.Status
		for i := range r.LineItems {
			r.LineItems[i].StagedQty = model.Quantity(stagedQuantities[i])
		}
		r.Staging = model.Staging{
			StagedBy:        op.ID,
			StagedAt:        timePtr(now),
			StagingLocation: location,
		}
		if r.RejectedBy != "" || r.RejectReason != "" {
			r.LastRejectedBy = r.RejectedBy
			r.LastRejectedAt = r.RejectedAt
			r.LastRejectReason = r.RejectReason
			r.RejectedBy, r.RejectedAt, r.RejectReason = "", nil, ""
		}
		setStatus(r, model.StatusStaged, now)

		if err := tx.UpdateRelease(r); err != nil {
			return err
		}
		entry = audit.NewEntry(audit.ActionStaged, r.ID, op.ID, map[string]any{
			"location":         location,
			"stagedQuantities": stagedByLine(stagedQuantities, len(r.LineItems)),
			"previousStatus":   previous,
			"newStatus":        model.StatusStaged,
		}, now)
		if err := tx.AppendAudit(entry); err != nil {
			return err
		}
		staged = r
		return nil
	})
	if err := e.finish("stage", releaseID, err); err != nil {
		return err
	}

	e.dispatch(entry, notify.Event{
		Type:          notify.EventStaged,
		Audience:      notify.AudienceVerifiers,
		ReleaseID:     staged.ID,
		ReleaseNumber: staged.ReleaseNumber,
		Message:       fmt.Sprintf("Release %s is staged at %s and ready for verification", staged.ReleaseNumber, location),
		Data: map[string]any{
			"stagedBy":        op.ID,
			"stagingLocation": location,
		},
		OccurredAt: entry.Timestamp,
	})
	return nil
}

// shortfalls lists every line whose staged quantity differs from the
// requested quantity. Lines missing from staged count as zero.
func shortfalls(lines []model.LineItem, staged map[int]int) []LineShortfall {
	var out []LineShortfall
	for i, line := range lines {
		got := staged[i]
		if got != line.RequestedQty.Int() {
			out = append(out, LineShortfall{Line: i, Staged: got, Requested: line.RequestedQty.Int()})
		}
	}
	return out
}

// stagedByLine renders the staged quantities with string keys for the audit
// document.
func stagedByLine(staged map[int]int, lines int) map[string]int {
	out := make(map[string]int, lines)
	for i := 0; i < lines; i++ {
		out[fmt.Sprint(i)] = staged[i]
	}
	return out
}
