package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/seantiz/releaseflow/internal/audit"
	"github.com/seantiz/releaseflow/internal/model"
	"github.com/seantiz/releaseflow/internal/notify"
	"github.com/seantiz/releaseflow/internal/store"
)

// InventoryDelta records one decrement applied to an inventory lot.
type InventoryDelta struct {
	LotID           string `json:"lotId"`
	Line            int    `json:"line"`
	Quantity        int    `json:"quantity"`
	OnHandBefore    int    `json:"onHandBefore"`
	OnHandAfter     int    `json:"onHandAfter"`
	CommittedBefore int    `json:"committedBefore"`
	CommittedAfter  int    `json:"committedAfter"`
	// LotMissing is set when the referenced lot does not exist; no stock
	// was adjusted for the line.
	LotMissing bool `json:"lotMissing,omitempty"`
}

// LoadedLine is the quantity loaded for one line.
type LoadedLine struct {
	Line     int    `json:"line"`
	ItemID   string `json:"itemId"`
	LotID    string `json:"lotId,omitempty"`
	Quantity int    `json:"quantity"`
}

// LoadSummary describes a completed load.
type LoadSummary struct {
	ReleaseID           string           `json:"releaseId"`
	ReleaseNumber       string           `json:"releaseNumber"`
	TruckNumber         string           `json:"truckNumber"`
	PreviousStatus      string           `json:"previousStatus"`
	SkippedVerification bool             `json:"skippedVerification"`
	TotalLoaded         int              `json:"totalLoaded"`
	Lines               []LoadedLine     `json:"lines"`
	InventoryDeltas     []InventoryDelta `json:"inventoryDeltas"`
	LoadedAt            time.Time        `json:"loadedAt"`
}

// LoadingStats summarizes a release's quantities for the UI. It is advisory:
// MarkLoaded re-validates on its own.
type LoadingStats struct {
	ReleaseID      string `json:"releaseId"`
	Status         string `json:"status"`
	LineCount      int    `json:"lineCount"`
	TotalRequested int    `json:"totalRequested"`
	TotalStaged    int    `json:"totalStaged"`
	TotalLoaded    int    `json:"totalLoaded"`
	IsFullyStaged  bool   `json:"isFullyStaged"`
	IsFullyLoaded  bool   `json:"isFullyLoaded"`
}

// MarkLoaded commits the shipment onto a truck: every line's quantity is
// loaded and the referenced inventory lots are decremented, clamped at zero.
func (e *Engine) MarkLoaded(ctx context.Context, releaseID string, op model.Operator, truckNumber string) (*LoadSummary, error) {
	truckNumber = strings.TrimSpace(truckNumber)
	if err := requireOperator(op); err != nil {
		return nil, e.finish("load", releaseID, err)
	}

	allowed := []string{model.StatusVerified}
	if e.opts.AllowLoadFromStaged {
		allowed = append(allowed, model.StatusStaged)
	}

	var (
		summary  *LoadSummary
		customer notify.Recipient
		entry    *model.AuditEntry
	)
	err := e.store.Update(ctx, func(tx store.Tx) error {
		r, err := tx.GetRelease(releaseID)
		if err != nil {
			return err
		}

		var errs []error
		if !statusIn(r.Status, allowed...) {
			errs = append(errs, &WrongStatusError{Current: r.Status, Allowed: allowed})
		}
		if truckNumber == "" {
			errs = append(errs, ErrMissingTruck)
		}
		if err := violations(errs); err != nil {
			return err
		}

		now := e.now()
		s := &LoadSummary{
			ReleaseID:           r.ID,
			ReleaseNumber:       r.ReleaseNumber,
			TruckNumber:         truckNumber,
			PreviousStatus:      r.Status,
			SkippedVerification: r.Status == model.StatusStaged,
			Lines:               []LoadedLine{},
			InventoryDeltas:     []InventoryDelta{},
			LoadedAt:            now,
		}

		lots := make(map[string]*model.InventoryLot)
		for i := range r.LineItems {
			line := &r.LineItems[i]
			qty := line.StagedQty.Int()
			if qty <= 0 {
				qty = line.RequestedQty.Int()
			}

			if line.LotID != "" && qty > 0 {
				delta, err := decrementLot(tx, lots, line.LotID, qty)
				if err != nil {
					return err
				}
				delta.Line = i
				s.InventoryDeltas = append(s.InventoryDeltas, delta)
			}

			line.LoadedQty = model.Quantity(qty)
			line.ShippedQty = model.Quantity(qty)
			s.Lines = append(s.Lines, LoadedLine{Line: i, ItemID: line.ItemID, LotID: line.LotID, Quantity: qty})
			s.TotalLoaded += qty
		}

		lotIDs := make([]string, 0, len(lots))
		for id := range lots {
			lotIDs = append(lotIDs, id)
		}
		sort.Strings(lotIDs)
		for _, id := range lotIDs {
			lots[id].UpdatedAt = now
			if err := tx.PutLot(lots[id]); err != nil {
				return err
			}
		}

		r.Loading = model.Loading{
			LoadedBy:    op.ID,
			LoadedAt:    timePtr(now),
			TruckNumber: truckNumber,
		}
		setStatus(r, model.StatusLoaded, now)
		if err := tx.UpdateRelease(r); err != nil {
			return err
		}

		details := map[string]any{
			"truckNumber":      truckNumber,
			"previousStatus":   s.PreviousStatus,
			"newStatus":        model.StatusLoaded,
			"totalLoaded":      s.TotalLoaded,
			"inventoryUpdates": s.InventoryDeltas,
		}
		if s.SkippedVerification {
			details["skippedVerification"] = true
		}
		entry = audit.NewEntry(audit.ActionLoaded, r.ID, op.ID, details, now)
		if err := tx.AppendAudit(entry); err != nil {
			return err
		}

		summary = s
		customer = notify.Recipient{ID: r.CustomerID, Name: r.CustomerName}
		return nil
	})
	if err := e.finish("load", releaseID, err); err != nil {
		return nil, err
	}

	if summary.SkippedVerification {
		e.logger.Warn("release loaded without verification",
			"release_id", summary.ReleaseID, "operator", op.ID, "truck_number", truckNumber)
	}
	for _, d := range summary.InventoryDeltas {
		if d.LotMissing {
			e.logger.Warn("loaded line references unknown lot",
				"release_id", summary.ReleaseID, "line", d.Line, "lot_id", d.LotID)
		}
	}

	var recipients []notify.Recipient
	if customer.ID != "" {
		recipients = append(recipients, customer)
	}
	e.dispatch(entry, notify.Event{
		Type:          notify.EventLoaded,
		Audience:      notify.AudienceCustomer,
		ReleaseID:     summary.ReleaseID,
		ReleaseNumber: summary.ReleaseNumber,
		Message:       fmt.Sprintf("Release %s has been loaded on truck %s", summary.ReleaseNumber, truckNumber),
		Recipients:    recipients,
		Data: map[string]any{
			"truckNumber": truckNumber,
			"totalLoaded": summary.TotalLoaded,
		},
		OccurredAt: summary.LoadedAt,
	})
	return summary, nil
}

// decrementLot subtracts qty from a lot's on-hand and committed stock,
// clamped at zero. Lots are cached in lots so several lines drawing on one
// lot accumulate.
func decrementLot(tx store.Tx, lots map[string]*model.InventoryLot, lotID string, qty int) (InventoryDelta, error) {
	lot, ok := lots[lotID]
	if !ok {
		var err error
		lot, err = tx.GetLot(lotID)
		if errors.Is(err, store.ErrNotFound) {
			return InventoryDelta{LotID: lotID, Quantity: qty, LotMissing: true}, nil
		}
		if err != nil {
			return InventoryDelta{}, err
		}
		lots[lotID] = lot
	}

	d := InventoryDelta{
		LotID:           lotID,
		Quantity:        qty,
		OnHandBefore:    lot.OnHandQty,
		CommittedBefore: lot.CommittedQty,
	}
	lot.OnHandQty = max(0, lot.OnHandQty-qty)
	lot.CommittedQty = max(0, lot.CommittedQty-qty)
	d.OnHandAfter = lot.OnHandQty
	d.CommittedAfter = lot.CommittedQty
	return d, nil
}

// LoadingStats sums a release's line quantities.
func (e *Engine) LoadingStats(ctx context.Context, releaseID string) (*LoadingStats, error) {
	r, err := e.Get(ctx, releaseID)
	if err != nil {
		return nil, err
	}

	st := &LoadingStats{ReleaseID: r.ID, Status: r.Status, LineCount: len(r.LineItems)}
	for _, line := range r.LineItems {
		st.TotalRequested += line.RequestedQty.Int()
		st.TotalStaged += line.StagedQty.Int()
		st.TotalLoaded += line.LoadedQty.Int()
	}
	st.IsFullyStaged = st.TotalStaged == st.TotalRequested
	st.IsFullyLoaded = st.TotalLoaded == st.TotalRequested
	return st, nil
}
