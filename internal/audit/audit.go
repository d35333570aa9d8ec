// Package audit defines the append-only transition log and its export to
// long-term storage for compliance tooling.
//
// Entries are written inside the transition's store transaction, so every
// committed transition has one. Export through an Archiver happens after
// commit and is at-least-once.
package audit

import (
	"context"
	"time"

	"github.com/seantiz/releaseflow/internal/model"
)

// Actions.
const (
	ActionCreated   = "release.created"
	ActionStaged    = "release.staged"
	ActionVerified  = "release.verified"
	ActionRejected  = "release.rejected"
	ActionLoaded    = "release.loaded"
	ActionShipped   = "release.shipped"
	ActionCancelled = "release.cancelled"
)

// NewEntry builds an audit entry with a fresh id.
func NewEntry(action, releaseID, userID string, details map[string]any, at time.Time) *model.AuditEntry {
	return &model.AuditEntry{
		ID:        model.NewID(),
		Action:    action,
		ReleaseID: releaseID,
		UserID:    userID,
		Details:   details,
		Timestamp: at.UTC(),
	}
}

// Archiver exports committed audit entries.
type Archiver interface {
	Archive(ctx context.Context, e *model.AuditEntry) error
}

// Nop is an Archiver that keeps entries only in the store.
var Nop Archiver = nop{}

type nop struct{}

func (nop) Archive(context.Context, *model.AuditEntry) error { return nil }
