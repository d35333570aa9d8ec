package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/releaseflow/internal/engine"
	"github.com/seantiz/releaseflow/internal/model"
	"github.com/seantiz/releaseflow/internal/notify"
	"github.com/seantiz/releaseflow/internal/store"
)

var (
	stager   = model.Operator{ID: "u-stager", Name: "Sam Stager"}
	verifier = model.Operator{ID: "u-verifier", Name: "Vic Verifier"}
	loader   = model.Operator{ID: "u-loader", Name: "Lou Loader"}
)

// recordingSink captures delivered events.
type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingSink) Notify(_ context.Context, e notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) byType(typ string) []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// recordingArchiver captures exported audit entries.
type recordingArchiver struct {
	mu      sync.Mutex
	entries []*model.AuditEntry
}

func (r *recordingArchiver) Archive(_ context.Context, e *model.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	eng      *engine.Engine
	store    *store.SQLStore
	sink     *recordingSink
	archiver *recordingArchiver
	clock    *fakeClock
}

func newHarness(t *testing.T, mutate ...func(*engine.Options)) *harness {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	h := &harness{
		store:    s,
		sink:     &recordingSink{},
		archiver: &recordingArchiver{},
		clock:    &fakeClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)},
	}
	opts := engine.DefaultOptions()
	opts.Clock = h.clock.Now
	for _, m := range mutate {
		m(&opts)
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	h.eng = engine.NewEngine(s, h.sink, h.archiver, logger, opts)
	t.Cleanup(h.eng.Wait)
	return h
}

func (h *harness) create(t *testing.T, number string, lines ...model.LineItem) *model.Release {
	t.Helper()
	if len(lines) == 0 {
		lines = []model.LineItem{
			{ItemID: "item-a", SizeID: "s1", LotID: "lot-1", RequestedQty: 10},
			{ItemID: "item-b", SizeID: "s2", LotID: "lot-2", RequestedQty: 5},
		}
	}
	r, err := h.eng.Create(context.Background(), stager, engine.NewRelease{
		ReleaseNumber: number,
		SupplierID:    "sup-1",
		CustomerID:    "cus-1",
		CustomerName:  "Acme Foods",
		LineItems:     lines,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return r
}

func (h *harness) get(t *testing.T, id string) *model.Release {
	t.Helper()
	r, err := h.eng.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return r
}

func (h *harness) putLot(t *testing.T, id string, onHand, committed int) {
	t.Helper()
	err := h.store.Update(context.Background(), func(tx store.Tx) error {
		return tx.PutLot(&model.InventoryLot{ID: id, ItemID: "item", OnHandQty: onHand, CommittedQty: committed})
	})
	if err != nil {
		t.Fatalf("PutLot: %v", err)
	}
}

func (h *harness) lot(t *testing.T, id string) *model.InventoryLot {
	t.Helper()
	var l *model.InventoryLot
	err := h.store.View(context.Background(), func(tx store.Tx) error {
		var err error
		l, err = tx.GetLot(id)
		return err
	})
	if err != nil {
		t.Fatalf("GetLot: %v", err)
	}
	return l
}

func fullStage(r *model.Release) map[int]int {
	out := make(map[int]int, len(r.LineItems))
	for i, l := range r.LineItems {
		out[i] = l.RequestedQty.Int()
	}
	return out
}

func TestHappyPathStageApproveLoad(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putLot(t, "lot-1", 100, 10)
	h.putLot(t, "lot-2", 50, 5)

	r := h.create(t, "R-1001")
	if r.Status != model.StatusEntered {
		t.Fatalf("status = %q, want Entered", r.Status)
	}

	if err := h.eng.Stage(ctx, r.ID, stager, "Dock 4", fullStage(r)); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	got := h.get(t, r.ID)
	if got.Status != model.StatusStaged || got.StagedBy != stager.ID || got.StagingLocation != "Dock 4" {
		t.Fatalf("after stage: status=%q stagedBy=%q location=%q", got.Status, got.StagedBy, got.StagingLocation)
	}

	err := h.eng.Approve(ctx, r.ID, stager)
	if !errors.Is(err, engine.ErrSelfVerification) {
		t.Fatalf("self approve err = %v, want ErrSelfVerification", err)
	}
	if h.get(t, r.ID).Status != model.StatusStaged {
		t.Fatal("self approval changed status")
	}

	if err := h.eng.Approve(ctx, r.ID, verifier); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	got = h.get(t, r.ID)
	if got.Status != model.StatusVerified || got.VerifiedBy != verifier.ID || got.VerifiedAt == nil {
		t.Fatalf("after approve: status=%q verifiedBy=%q", got.Status, got.VerifiedBy)
	}

	sum, err := h.eng.MarkLoaded(ctx, r.ID, loader, "TRK-9")
	if err != nil {
		t.Fatalf("MarkLoaded: %v", err)
	}
	if sum.TotalLoaded != 15 || sum.SkippedVerification {
		t.Errorf("summary = %+v", sum)
	}
	got = h.get(t, r.ID)
	if got.Status != model.StatusLoaded || got.TruckNumber != "TRK-9" || got.LoadedBy != loader.ID {
		t.Errorf("after load: status=%q truck=%q loadedBy=%q", got.Status, got.TruckNumber, got.LoadedBy)
	}
	for i, l := range got.LineItems {
		if l.LoadedQty != l.RequestedQty || l.ShippedQty != l.RequestedQty {
			t.Errorf("line %d loaded=%d shipped=%d, want %d", i, l.LoadedQty, l.ShippedQty, l.RequestedQty)
		}
	}

	if l := h.lot(t, "lot-1"); l.OnHandQty != 90 || l.CommittedQty != 0 {
		t.Errorf("lot-1 = %d/%d, want 90/0", l.OnHandQty, l.CommittedQty)
	}
	if l := h.lot(t, "lot-2"); l.OnHandQty != 45 || l.CommittedQty != 0 {
		t.Errorf("lot-2 = %d/%d, want 45/0", l.OnHandQty, l.CommittedQty)
	}

	if err := h.eng.MarkShipped(ctx, r.ID, loader); err != nil {
		t.Fatalf("MarkShipped: %v", err)
	}
	if got := h.get(t, r.ID); got.Status != model.StatusShipped || got.ShippedAt == nil {
		t.Errorf("after ship: status=%q", got.Status)
	}

	trail, err := h.eng.AuditTrail(ctx, r.ID)
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	var actions []string
	for _, e := range trail {
		actions = append(actions, e.Action)
	}
	want := []string{"release.created", "release.staged", "release.verified", "release.loaded", "release.shipped"}
	if !slices.Equal(actions, want) {
		t.Errorf("audit actions = %v, want %v", actions, want)
	}
}

func TestStagePartialQuantitiesRejected(t *testing.T) {
	h := newHarness(t)
	r := h.create(t, "R-1002")

	err := h.eng.Stage(context.Background(), r.ID, stager, "Dock 1", map[int]int{0: 10, 1: 3})
	if !errors.Is(err, engine.ErrPartialStaging) {
		t.Fatalf("err = %v, want ErrPartialStaging", err)
	}
	v := engine.PreconditionViolations(err)
	if len(v) != 1 || v[0] != "line 1: staged 3 but requested 5" {
		t.Errorf("violations = %q", v)
	}

	got := h.get(t, r.ID)
	if got.Status != model.StatusEntered || got.StagedBy != "" {
		t.Errorf("release changed: status=%q stagedBy=%q", got.Status, got.StagedBy)
	}
	for i, l := range got.LineItems {
		if l.StagedQty != 0 {
			t.Errorf("line %d stagedQty = %d, want 0", i, l.StagedQty)
		}
	}
}

func TestStageShortFirstLine(t *testing.T) {
	h := newHarness(t)
	r := h.create(t, "R-1009")

	err := h.eng.Stage(context.Background(), r.ID, stager, "Dock 1", map[int]int{0: 7, 1: 5})
	if !errors.Is(err, engine.ErrPartialStaging) {
		t.Fatalf("err = %v, want ErrPartialStaging", err)
	}
	if v := engine.PreconditionViolations(err); !slices.Equal(v, []string{"line 0: staged 7 but requested 10"}) {
		t.Errorf("violations = %q", v)
	}
	if got := h.get(t, r.ID); got.Status != model.StatusEntered {
		t.Errorf("status = %q, want Entered", got.Status)
	}
}

func TestStageReportsEveryViolation(t *testing.T) {
	h := newHarness(t)
	r := h.create(t, "R-1003")

	err := h.eng.Stage(context.Background(), r.ID, stager, "  ", map[int]int{0: 1})
	if !errors.Is(err, engine.ErrMissingLocation) || !errors.Is(err, engine.ErrPartialStaging) {
		t.Fatalf("err = %v, want missing location and partial staging", err)
	}
	if v := engine.PreconditionViolations(err); len(v) != 3 {
		t.Errorf("violations = %q, want 3 entries", v)
	}
}

func TestRejectReturnsToEntered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, "R-1004")
	if err := h.eng.Stage(ctx, r.ID, stager, "Dock 2", fullStage(r)); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	if err := h.eng.Reject(ctx, r.ID, verifier, "   "); !errors.Is(err, engine.ErrMissingReason) {
		t.Fatalf("blank reason err = %v, want ErrMissingReason", err)
	}

	rejectedAt := h.clock.Now()
	if err := h.eng.Reject(ctx, r.ID, verifier, "wrong pallet on line 2"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	h.clock.Advance(10 * time.Minute)
	got := h.get(t, r.ID)
	if got.Status != model.StatusEntered {
		t.Fatalf("status = %q, want Entered", got.Status)
	}
	if got.StagedBy != "" || got.StagedAt != nil || got.StagingLocation != "" {
		t.Errorf("staging facet not cleared: %+v", got.Staging)
	}
	if got.LastStagedBy != stager.ID || got.LastStagingLocation != "Dock 2" {
		t.Errorf("last staging = %q at %q", got.LastStagedBy, got.LastStagingLocation)
	}
	if got.RejectedBy != verifier.ID || got.RejectReason != "wrong pallet on line 2" {
		t.Errorf("rejection = %q %q", got.RejectedBy, got.RejectReason)
	}
	for i, l := range got.LineItems {
		if l.StagedQty != 0 {
			t.Errorf("line %d stagedQty = %d, want 0", i, l.StagedQty)
		}
	}

	// Restaging moves the rejection to the last* fields.
	if err := h.eng.Stage(ctx, r.ID, stager, "Dock 3", fullStage(r)); err != nil {
		t.Fatalf("re-Stage: %v", err)
	}
	got = h.get(t, r.ID)
	if got.RejectedBy != "" || got.LastRejectReason != "wrong pallet on line 2" {
		t.Errorf("after restage: rejectedBy=%q lastRejectReason=%q", got.RejectedBy, got.LastRejectReason)
	}
	if err := h.eng.Approve(ctx, r.ID, verifier); err != nil {
		t.Fatalf("Approve after rework: %v", err)
	}
	got = h.get(t, r.ID)
	if got.Status != model.StatusVerified {
		t.Fatalf("status = %q, want Verified", got.Status)
	}
	if got.VerifiedAt == nil || !got.VerifiedAt.After(rejectedAt) {
		t.Errorf("verifiedAt = %v, want after rejection at %v", got.VerifiedAt, rejectedAt)
	}
	if got.LastRejectReason != "wrong pallet on line 2" || got.LastRejectedBy != verifier.ID {
		t.Errorf("rejection history lost: %q by %q", got.LastRejectReason, got.LastRejectedBy)
	}
}

func TestWrongStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, "R-1005")

	tests := []struct {
		name string
		call func() error
	}{
		{"approve entered", func() error { return h.eng.Approve(ctx, r.ID, verifier) }},
		{"reject entered", func() error { return h.eng.Reject(ctx, r.ID, verifier, "bad") }},
		{"load entered", func() error { _, err := h.eng.MarkLoaded(ctx, r.ID, loader, "T1"); return err }},
		{"ship entered", func() error { return h.eng.MarkShipped(ctx, r.ID, loader) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if !errors.Is(err, engine.ErrWrongStatus) {
				t.Fatalf("err = %v, want ErrWrongStatus", err)
			}
			var ws *engine.WrongStatusError
			if !errors.As(err, &ws) || ws.Current != model.StatusEntered {
				t.Errorf("WrongStatusError = %+v", ws)
			}
		})
	}
}

func TestNotFound(t *testing.T) {
	h := newHarness(t)
	err := h.eng.Stage(context.Background(), "missing", stager, "Dock", nil)
	if !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := h.eng.Get(context.Background(), "missing"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("Get err = %v, want ErrNotFound", err)
	}
}

func TestMissingOperator(t *testing.T) {
	h := newHarness(t)
	r := h.create(t, "R-1006")
	err := h.eng.Stage(context.Background(), r.ID, model.Operator{}, "Dock", fullStage(r))
	if !errors.Is(err, engine.ErrMissingOperator) {
		t.Fatalf("err = %v, want ErrMissingOperator", err)
	}
}

func TestConcurrentStageOneWins(t *testing.T) {
	h := newHarness(t)
	r := h.create(t, "R-1007")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Go(func() {
			op := model.Operator{ID: "stager-" + string(rune('a'+i))}
			errs[i] = h.eng.Stage(context.Background(), r.ID, op, "Dock", fullStage(r))
		})
	}
	wg.Wait()

	var ok, wrong int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, engine.ErrWrongStatus):
			wrong++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || wrong != 1 {
		t.Errorf("ok=%d wrong=%d, want 1 and 1", ok, wrong)
	}

	trail, err := h.eng.AuditTrail(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	if len(trail) != 2 {
		t.Errorf("audit entries = %d, want created + one staged", len(trail))
	}
}

func TestLoadClampsAndAccumulatesLots(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.putLot(t, "lot-shared", 12, 4)

	r := h.create(t, "R-1008",
		model.LineItem{ItemID: "a", LotID: "lot-shared", RequestedQty: 8},
		model.LineItem{ItemID: "b", LotID: "lot-shared", RequestedQty: 6},
		model.LineItem{ItemID: "c", LotID: "lot-gone", RequestedQty: 1},
	)
	if err := h.eng.Stage(ctx, r.ID, stager, "Dock", fullStage(r)); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if err := h.eng.Approve(ctx, r.ID, verifier); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	sum, err := h.eng.MarkLoaded(ctx, r.ID, loader, "TRK-1")
	if err != nil {
		t.Fatalf("MarkLoaded: %v", err)
	}
	if l := h.lot(t, "lot-shared"); l.OnHandQty != 0 || l.CommittedQty != 0 {
		t.Errorf("lot-shared = %d/%d, want 0/0", l.OnHandQty, l.CommittedQty)
	}
	if len(sum.InventoryDeltas) != 3 {
		t.Fatalf("deltas = %d, want 3", len(sum.InventoryDeltas))
	}
	second := sum.InventoryDeltas[1]
	if second.OnHandBefore != 4 || second.OnHandAfter != 0 {
		t.Errorf("second delta = %+v, want 4 -> 0", second)
	}
	if !sum.InventoryDeltas[2].LotMissing {
		t.Errorf("missing lot not flagged: %+v", sum.InventoryDeltas[2])
	}
}

func TestLoadFromStaged(t *testing.T) {
	t.Run("allowed", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		r := h.create(t, "R-1009")
		if err := h.eng.Stage(ctx, r.ID, stager, "Dock", fullStage(r)); err != nil {
			t.Fatalf("Stage: %v", err)
		}
		sum, err := h.eng.MarkLoaded(ctx, r.ID, loader, "TRK-2")
		if err != nil {
			t.Fatalf("MarkLoaded: %v", err)
		}
		if !sum.SkippedVerification || sum.PreviousStatus != model.StatusStaged {
			t.Errorf("summary = %+v", sum)
		}
		trail, _ := h.eng.AuditTrail(ctx, r.ID)
		last := trail[len(trail)-1]
		if last.Details["skippedVerification"] != true {
			t.Errorf("audit details = %v", last.Details)
		}
	})

	t.Run("disallowed", func(t *testing.T) {
		h := newHarness(t, func(o *engine.Options) { o.AllowLoadFromStaged = false })
		ctx := context.Background()
		r := h.create(t, "R-1010")
		if err := h.eng.Stage(ctx, r.ID, stager, "Dock", fullStage(r)); err != nil {
			t.Fatalf("Stage: %v", err)
		}
		_, err := h.eng.MarkLoaded(ctx, r.ID, loader, "")
		if !errors.Is(err, engine.ErrWrongStatus) || !errors.Is(err, engine.ErrMissingTruck) {
			t.Fatalf("err = %v, want wrong status and missing truck", err)
		}
	})
}

func TestNotifications(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	err := h.store.Update(ctx, func(tx store.Tx) error {
		if err := tx.PutStaff(&model.Staff{ID: "v1", Name: "Vera", IsVerifier: true}); err != nil {
			return err
		}
		return tx.PutStaff(&model.Staff{ID: "o1", Name: "Olga", IsOffice: true})
	})
	if err != nil {
		t.Fatalf("PutStaff: %v", err)
	}

	r := h.create(t, "R-1011")
	if err := h.eng.Stage(ctx, r.ID, stager, "Dock 7", fullStage(r)); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if err := h.eng.Reject(ctx, r.ID, verifier, "damaged"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	h.eng.Wait()

	staged := h.sink.byType(notify.EventStaged)
	if len(staged) != 1 {
		t.Fatalf("staged events = %d, want 1", len(staged))
	}
	if len(staged[0].Recipients) != 1 || staged[0].Recipients[0].ID != "v1" {
		t.Errorf("staged recipients = %+v", staged[0].Recipients)
	}
	rejected := h.sink.byType(notify.EventRejected)
	if len(rejected) != 1 || rejected[0].Audience != notify.AudienceOffice {
		t.Fatalf("rejected events = %+v", rejected)
	}
	if len(rejected[0].Recipients) != 1 || rejected[0].Recipients[0].ID != "o1" {
		t.Errorf("rejected recipients = %+v", rejected[0].Recipients)
	}

	h.archiver.mu.Lock()
	archived := len(h.archiver.entries)
	h.archiver.mu.Unlock()
	if archived != 3 {
		t.Errorf("archived entries = %d, want 3", archived)
	}
}

func TestFailedTransitionHasNoSideEffects(t *testing.T) {
	h := newHarness(t)
	r := h.create(t, "R-1012")
	_ = h.eng.Stage(context.Background(), r.ID, stager, "", fullStage(r))
	h.eng.Wait()

	if n := len(h.sink.byType(notify.EventStaged)); n != 0 {
		t.Errorf("staged events = %d, want 0", n)
	}
	trail, _ := h.eng.AuditTrail(context.Background(), r.ID)
	if len(trail) != 1 {
		t.Errorf("audit entries = %d, want 1", len(trail))
	}
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.create(t, "R-2000")

	_, err := h.eng.Create(ctx, stager, engine.NewRelease{
		ReleaseNumber: "R-2000",
		LineItems:     []model.LineItem{{ItemID: "x", RequestedQty: 1}},
	})
	if !errors.Is(err, engine.ErrDuplicateReleaseNumber) {
		t.Fatalf("duplicate err = %v, want ErrDuplicateReleaseNumber", err)
	}

	_, err = h.eng.Create(ctx, stager, engine.NewRelease{})
	if !errors.Is(err, engine.ErrMissingReleaseNumber) || !errors.Is(err, engine.ErrNoLineItems) {
		t.Fatalf("empty err = %v", err)
	}

	// A cancelled release frees its number.
	if err := h.eng.Cancel(ctx, first.ID, stager, "customer withdrew"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	h.create(t, "R-2000")
}

func TestConcurrentCreateSameNumber(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.eng.Create(ctx, stager, engine.NewRelease{
				ReleaseNumber: "R-2100",
				LineItems:     []model.LineItem{{ItemID: "x", RequestedQty: 1}},
			})
		}()
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		switch {
		case err == nil:
			created++
		case !errors.Is(err, engine.ErrDuplicateReleaseNumber):
			t.Errorf("err = %v, want ErrDuplicateReleaseNumber", err)
		}
	}
	if created != 1 {
		t.Fatalf("created %d releases numbered R-2100, want 1", created)
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, "R-2001")

	if err := h.eng.Cancel(ctx, r.ID, stager, ""); !errors.Is(err, engine.ErrMissingReason) {
		t.Fatalf("err = %v, want ErrMissingReason", err)
	}
	if err := h.eng.Cancel(ctx, r.ID, stager, "duplicate order"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got := h.get(t, r.ID)
	if got.Status != model.StatusCancelled || got.CancelReason != "duplicate order" {
		t.Errorf("status=%q reason=%q", got.Status, got.CancelReason)
	}
	if err := h.eng.Cancel(ctx, r.ID, stager, "again"); !errors.Is(err, engine.ErrWrongStatus) {
		t.Errorf("second cancel err = %v, want ErrWrongStatus", err)
	}
}

func TestAdvisoryLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, "R-2002")

	if err := h.eng.AcquireLock(ctx, r.ID, stager); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	err := h.eng.AcquireLock(ctx, r.ID, verifier)
	var le *engine.LockedError
	if !errors.As(err, &le) || le.HolderID != stager.ID || le.HolderName != stager.Name {
		t.Fatalf("err = %v, want LockedError held by stager", err)
	}
	if err := h.eng.ReleaseLock(ctx, r.ID, verifier); !errors.Is(err, engine.ErrNotLockHolder) {
		t.Fatalf("ReleaseLock by other err = %v", err)
	}

	// Transitions ignore the lock.
	if err := h.eng.Stage(ctx, r.ID, verifier, "Dock", fullStage(r)); err != nil {
		t.Fatalf("Stage while locked: %v", err)
	}

	h.clock.Advance(engine.DefaultLockTTL + time.Minute)
	if err := h.eng.AcquireLock(ctx, r.ID, verifier); err != nil {
		t.Fatalf("takeover of expired lock: %v", err)
	}
	if err := h.eng.ReleaseLock(ctx, r.ID, verifier); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	if got := h.get(t, r.ID); got.LockedBy != "" || got.LockedAt != nil {
		t.Errorf("lock not cleared: %+v", got.Lock)
	}
}

func TestListByStatusOrdering(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var ids []string
	for _, n := range []string{"R-3001", "R-3002", "R-3003"} {
		r := h.create(t, n)
		ids = append(ids, r.ID)
		h.clock.Advance(time.Minute)
	}
	// Staging the first release last makes it the newest in Staged.
	for _, id := range []string{ids[1], ids[2], ids[0]} {
		r := h.get(t, id)
		if err := h.eng.Stage(ctx, id, stager, "Dock", fullStage(r)); err != nil {
			t.Fatalf("Stage: %v", err)
		}
		h.clock.Advance(time.Minute)
	}

	got, err := h.eng.ListByStatus(ctx, model.StatusStaged)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	var gotIDs []string
	for _, r := range got {
		gotIDs = append(gotIDs, r.ID)
	}
	want := []string{ids[1], ids[2], ids[0]}
	if !slices.Equal(gotIDs, want) {
		t.Errorf("order = %v, want %v", gotIDs, want)
	}

	if _, err := h.eng.ListByStatus(ctx, "Picked"); !errors.Is(err, engine.ErrInvalidStatus) {
		t.Errorf("unknown status err = %v, want ErrInvalidStatus", err)
	}
}

func TestBatchContinuesPastFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var ids []string
	for i, n := range []string{"R-4001", "R-4002", "R-4003"} {
		r := h.create(t, n)
		ids = append(ids, r.ID)
		if i < 2 {
			if err := h.eng.Stage(ctx, r.ID, stager, "Dock", fullStage(r)); err != nil {
				t.Fatalf("Stage: %v", err)
			}
		}
	}

	sum, err := h.eng.Batch(ctx, engine.BatchRequest{Action: engine.ActionApprove, ReleaseIDs: ids, Operator: verifier})
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if sum.Total != 3 || sum.Succeeded != 2 || sum.Failed != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.Results[2].OK || len(sum.Results[2].Violations) == 0 {
		t.Errorf("third result = %+v, want precondition failure", sum.Results[2])
	}
	for _, id := range ids[:2] {
		if got := h.get(t, id); got.Status != model.StatusVerified {
			t.Errorf("%s status = %q, want Verified", id, got.Status)
		}
	}

	if _, err := h.eng.Batch(ctx, engine.BatchRequest{Action: engine.ActionStage}); !errors.Is(err, engine.ErrUnsupportedBatchAction) {
		t.Errorf("stage batch err = %v", err)
	}
}

func TestAvailableActions(t *testing.T) {
	tests := []struct {
		name string
		r    model.Release
		op   model.Operator
		want []string
	}{
		{"entered", model.Release{Status: model.StatusEntered}, stager, []string{"stage", "cancel"}},
		{"staged by other", model.Release{Status: model.StatusStaged, Staging: model.Staging{StagedBy: stager.ID}}, verifier, []string{"approve", "reject", "cancel"}},
		{"staged by self", model.Release{Status: model.StatusStaged, Staging: model.Staging{StagedBy: stager.ID}}, stager, []string{"cancel"}},
		{"verified", model.Release{Status: model.StatusVerified}, loader, []string{"load", "cancel"}},
		{"loaded", model.Release{Status: model.StatusLoaded}, loader, []string{"ship", "cancel"}},
		{"cancelled", model.Release{Status: model.StatusCancelled}, loader, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := engine.AvailableActions(&tt.r, tt.op)
			if !slices.Equal(got, tt.want) {
				t.Errorf("AvailableActions = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoadingStats(t *testing.T) {
	h := newHarness(t)
	r := h.create(t, "R-5001")
	if err := h.eng.Stage(context.Background(), r.ID, stager, "Dock", fullStage(r)); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	st, err := h.eng.LoadingStats(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("LoadingStats: %v", err)
	}
	if st.TotalRequested != 15 || st.TotalStaged != 15 || !st.IsFullyStaged || st.IsFullyLoaded {
		t.Errorf("stats = %+v", st)
	}
}
