package monitor

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/seantiz/releaseflow/internal/model"
	"github.com/seantiz/releaseflow/internal/store"
)

// Issue types.
const (
	IssueStuckLock          = "STUCK_LOCK"
	IssueFieldInconsistency = "FIELD_INCONSISTENCY"
	IssueOrphanedDraft      = "ORPHANED_DRAFT"
	IssueOrphanedAllocation = "ORPHANED_ALLOCATION"
	IssueInvalidStatus      = "INVALID_STATUS"
	IssueMissingFields      = "MISSING_FIELDS"
	IssueDuplicateRelease   = "DUPLICATE_RELEASE"
	IssueMalformedDocument  = "MALFORMED_DOCUMENT"
)

// Fix types.
const (
	FixLockReleased     = "LOCK_RELEASED"
	FixFieldsNormalized = "FIELDS_NORMALIZED"
	FixDraftDeleted     = "DRAFT_DELETED"
	FixStatusCorrected  = "STATUS_CORRECTED"
	FixFieldsAdded      = "FIELDS_ADDED"
	FixDuplicateRenamed = "DUPLICATE_RENAMED"
)

// Issue is one detected inconsistency. Issues that were not repaired are
// escalated to operations.
type Issue struct {
	Type        string         `json:"type"`
	DocumentID  string         `json:"documentId,omitempty"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data,omitempty"`
	Repaired    bool           `json:"repaired"`
}

// Fix is one applied repair.
type Fix struct {
	Type        string `json:"type"`
	DocumentID  string `json:"documentId"`
	Description string `json:"description"`
}

type findings struct {
	issues []Issue
	fixes  []Fix
}

func (f *findings) issue(i Issue) { f.issues = append(f.issues, i) }

func (f *findings) fix(typ, id, desc string) {
	f.fixes = append(f.fixes, Fix{Type: typ, DocumentID: id, Description: desc})
}

// check inspects and repairs one class of inconsistency inside a single
// transaction.
type check struct {
	name string
	run  func(tx store.Tx, now time.Time, f *findings) error
}

func (m *Monitor) checks() []check {
	return []check{
		{"stuck_locks", m.checkStuckLocks},
		{"field_drift", m.checkFieldDrift},
		{"orphaned_allocations", m.checkOrphanedAllocations},
		{"invalid_status", m.checkInvalidStatus},
		{"missing_fields", m.checkMissingFields},
		{"duplicate_numbers", m.checkDuplicateNumbers},
		{"unreadable_documents", m.checkUnreadableDocuments},
	}
}

// readableDocs returns the release documents that parsed as JSON objects.
// Only these are safe to repair.
func readableDocs(tx store.Tx) ([]*store.ReleaseDoc, error) {
	docs, err := tx.ReleaseDocs()
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(docs, func(d *store.ReleaseDoc) bool { return d.Malformed }), nil
}

// legacyFields maps capitalized keys written by older clients to their
// canonical spelling.
var legacyFields = []struct{ legacy, canonical string }{
	{"Status", "status"},
	{"ReleaseNumber", "releaseNumber"},
	{"SupplierId", "supplierId"},
	{"CustomerId", "customerId"},
	{"CustomerName", "customerName"},
	{"LineItems", "lineItems"},
}

func present(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	default:
		return true
	}
}

// field returns the canonical value of key, falling back to its legacy
// spelling.
func field(fields map[string]any, canonical, legacy string) string {
	if s, ok := fields[canonical].(string); ok && s != "" {
		return s
	}
	s, _ := fields[legacy].(string)
	return s
}

func releaseNumber(d *store.ReleaseDoc) string {
	if n := field(d.Fields, "releaseNumber", "ReleaseNumber"); n != "" {
		return n
	}
	return d.ID
}

func (m *Monitor) checkStuckLocks(tx store.Tx, now time.Time, f *findings) error {
	docs, err := readableDocs(tx)
	if err != nil {
		return err
	}
	for _, d := range docs {
		if !present(d.Fields["lockedBy"]) {
			continue
		}
		number := releaseNumber(d)
		holder := fmt.Sprint(d.Fields["lockedBy"])
		if name, ok := d.Fields["lockedByName"].(string); ok && name != "" {
			holder = name
		}

		var desc string
		lockedAt, ok := store.ParseTime(d.Fields["lockedAt"])
		switch {
		case !ok:
			desc = fmt.Sprintf("Release %s locked by %s with no lock time", number, holder)
		case now.Sub(lockedAt) > m.opts.LockTTL:
			desc = fmt.Sprintf("Release %s locked for %d minutes", number, int(now.Sub(lockedAt).Minutes()))
		default:
			continue
		}

		f.issue(Issue{
			Type:        IssueStuckLock,
			DocumentID:  d.ID,
			Description: desc,
			Data:        map[string]any{"lockedBy": holder},
			Repaired:    true,
		})
		delete(d.Fields, "lockedBy")
		delete(d.Fields, "lockedByName")
		delete(d.Fields, "lockedAt")
		if err := tx.ReplaceReleaseDoc(d); err != nil {
			return err
		}
		f.fix(FixLockReleased, d.ID, fmt.Sprintf("Released stuck lock on %s", number))
	}
	return nil
}

func (m *Monitor) checkFieldDrift(tx store.Tx, _ time.Time, f *findings) error {
	docs, err := readableDocs(tx)
	if err != nil {
		return err
	}
	for _, d := range docs {
		var moved []string
		for _, lf := range legacyFields {
			v, ok := d.Fields[lf.legacy]
			if !ok || !present(v) || present(d.Fields[lf.canonical]) {
				continue
			}
			d.Fields[lf.canonical] = v
			delete(d.Fields, lf.legacy)
			moved = append(moved, lf.canonical)
		}
		if len(moved) == 0 {
			continue
		}

		f.issue(Issue{
			Type:        IssueFieldInconsistency,
			DocumentID:  d.ID,
			Description: "Release has inconsistent field names",
			Data:        map[string]any{"fields": moved},
			Repaired:    true,
		})
		if err := tx.ReplaceReleaseDoc(d); err != nil {
			return err
		}
		f.fix(FixFieldsNormalized, d.ID, fmt.Sprintf("Normalized %d fields", len(moved)))
	}
	return nil
}

func (m *Monitor) checkOrphanedAllocations(tx store.Tx, now time.Time, f *findings) error {
	allocs, err := tx.Allocations()
	if err != nil {
		return err
	}
	if len(allocs) == 0 {
		return nil
	}
	docs, err := tx.ReleaseDocs()
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(docs))
	for _, d := range docs {
		known[d.ID] = true
	}

	for _, a := range allocs {
		if a.ReleaseID == "" || known[a.ReleaseID] {
			continue
		}
		if !model.IsDraftID(a.ReleaseID) {
			f.issue(Issue{
				Type:        IssueOrphanedAllocation,
				DocumentID:  a.ID,
				Description: fmt.Sprintf("Allocation points to non-existent release %s", a.ReleaseID),
				Data:        map[string]any{"releaseId": a.ReleaseID},
			})
			continue
		}

		// A draft without a creation time is treated as abandoned.
		age := time.Duration(-1)
		if a.CreatedAt != nil {
			age = now.Sub(*a.CreatedAt)
			if age <= m.opts.DraftTTL {
				continue
			}
		}
		desc := "Orphaned draft allocation (age unknown)"
		if age >= 0 {
			desc = fmt.Sprintf("Orphaned draft allocation (%d minutes old)", int(age.Minutes()))
		}
		f.issue(Issue{
			Type:        IssueOrphanedDraft,
			DocumentID:  a.ID,
			Description: desc,
			Data:        map[string]any{"releaseId": a.ReleaseID},
			Repaired:    true,
		})
		if err := tx.DeleteAllocation(a.ID); err != nil {
			return err
		}
		f.fix(FixDraftDeleted, a.ID, "Deleted orphaned draft allocation")
	}
	return nil
}

func (m *Monitor) checkInvalidStatus(tx store.Tx, _ time.Time, f *findings) error {
	docs, err := readableDocs(tx)
	if err != nil {
		return err
	}
	for _, d := range docs {
		status := field(d.Fields, "status", "Status")
		if status == "" || model.ValidStatus(status) {
			continue
		}

		f.issue(Issue{
			Type:        IssueInvalidStatus,
			DocumentID:  d.ID,
			Description: fmt.Sprintf("Invalid status: %s", status),
			Data:        map[string]any{"status": status},
			Repaired:    true,
		})
		d.Fields["status"] = model.StatusEntered
		delete(d.Fields, "Status")
		if err := tx.ReplaceReleaseDoc(d); err != nil {
			return err
		}
		f.fix(FixStatusCorrected, d.ID, "Reset invalid status to 'Entered'")
	}
	return nil
}

func (m *Monitor) checkMissingFields(tx store.Tx, _ time.Time, f *findings) error {
	docs, err := readableDocs(tx)
	if err != nil {
		return err
	}
	for _, d := range docs {
		var missing []string
		if field(d.Fields, "releaseNumber", "ReleaseNumber") == "" {
			missing = append(missing, "releaseNumber")
			d.Fields["releaseNumber"] = "AUTO-" + d.ID[:min(8, len(d.ID))]
		}
		if field(d.Fields, "status", "Status") == "" {
			missing = append(missing, "status")
			d.Fields["status"] = model.StatusEntered
		}
		if len(missing) == 0 {
			continue
		}

		list := strings.Join(missing, ", ")
		f.issue(Issue{
			Type:        IssueMissingFields,
			DocumentID:  d.ID,
			Description: fmt.Sprintf("Missing required fields: %s", list),
			Data:        map[string]any{"fields": missing},
			Repaired:    true,
		})
		if err := tx.ReplaceReleaseDoc(d); err != nil {
			return err
		}
		f.fix(FixFieldsAdded, d.ID, fmt.Sprintf("Added default values for %s", list))
	}
	return nil
}

func (m *Monitor) checkDuplicateNumbers(tx store.Tx, _ time.Time, f *findings) error {
	docs, err := readableDocs(tx)
	if err != nil {
		return err
	}

	taken := make(map[string]bool, len(docs))
	groups := make(map[string][]*store.ReleaseDoc)
	for _, d := range docs {
		number := field(d.Fields, "releaseNumber", "ReleaseNumber")
		if number == "" {
			continue
		}
		taken[number] = true
		if field(d.Fields, "status", "Status") == model.StatusCancelled {
			continue
		}
		groups[number] = append(groups[number], d)
	}

	numbers := make([]string, 0, len(groups))
	for n, g := range groups {
		if len(g) > 1 {
			numbers = append(numbers, n)
		}
	}
	slices.Sort(numbers)

	for _, number := range numbers {
		group := groups[number]
		slices.SortFunc(group, func(a, b *store.ReleaseDoc) int {
			ta, _ := store.ParseTime(a.Fields["createdAt"])
			tb, _ := store.ParseTime(b.Fields["createdAt"])
			if c := ta.Compare(tb); c != 0 {
				return c
			}
			return cmp.Compare(a.ID, b.ID)
		})

		ids := make([]string, len(group))
		for i, d := range group {
			ids[i] = d.ID
		}
		f.issue(Issue{
			Type:        IssueDuplicateRelease,
			Description: fmt.Sprintf("Release number %s used %d times", number, len(group)),
			Data:        map[string]any{"releaseNumber": number, "documentIds": ids},
			Repaired:    m.opts.RenameDuplicates,
		})
		if !m.opts.RenameDuplicates {
			continue
		}

		suffix := 1
		for _, d := range group[1:] {
			renamed := fmt.Sprintf("%s-DUP%d", number, suffix)
			for taken[renamed] {
				suffix++
				renamed = fmt.Sprintf("%s-DUP%d", number, suffix)
			}
			suffix++
			taken[renamed] = true
			if err := tx.LockReleaseNumber(renamed); err != nil {
				return err
			}

			d.Fields["releaseNumber"] = renamed
			delete(d.Fields, "ReleaseNumber")
			if err := tx.ReplaceReleaseDoc(d); err != nil {
				return err
			}
			f.fix(FixDuplicateRenamed, d.ID, fmt.Sprintf("Renamed duplicate to %s", renamed))
		}
	}
	return nil
}

// checkUnreadableDocuments escalates documents the release schema cannot
// decode. They are never rewritten.
func (m *Monitor) checkUnreadableDocuments(tx store.Tx, _ time.Time, f *findings) error {
	docs, err := tx.ReleaseDocs()
	if err != nil {
		return err
	}
	for _, d := range docs {
		if d.Malformed {
			f.issue(Issue{
				Type:        IssueMalformedDocument,
				DocumentID:  d.ID,
				Description: fmt.Sprintf("Release document %s is not valid JSON", d.ID),
				Data:        map[string]any{"bytes": len(d.Raw)},
			})
			continue
		}
		if _, err := d.Decode(); err != nil {
			f.issue(Issue{
				Type:        IssueMalformedDocument,
				DocumentID:  d.ID,
				Description: fmt.Sprintf("Release %s does not match the release schema", releaseNumber(d)),
				Data:        map[string]any{"error": err.Error()},
			})
		}
	}
	return nil
}
