package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/releaseflow/internal/audit"
	"github.com/seantiz/releaseflow/internal/model"
	"github.com/seantiz/releaseflow/internal/notify"
	"github.com/seantiz/releaseflow/internal/store"
)

const (
	// DefaultLockTTL is how long an advisory lock stays meaningful.
	DefaultLockTTL = 15 * time.Minute
	// DefaultSideEffectTimeout bounds post-commit audit export and delivery.
	DefaultSideEffectTimeout = 30 * time.Second
	// DefaultBatchConcurrency bounds parallel transitions in a batch.
	DefaultBatchConcurrency = 4
)

// Options configures an Engine.
type Options struct {
	// AllowLoadFromStaged permits loading a release that skipped
	// verification. Such loads are logged and flagged in the audit entry.
	AllowLoadFromStaged bool
	LockTTL             time.Duration
	SideEffectTimeout   time.Duration
	BatchConcurrency    int
	// Clock overrides time.Now.
	Clock func() time.Time
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		AllowLoadFromStaged: true,
		LockTTL:             DefaultLockTTL,
		SideEffectTimeout:   DefaultSideEffectTimeout,
		BatchConcurrency:    DefaultBatchConcurrency,
	}
}

// Engine applies release transitions against a store.
type Engine struct {
	store    store.Store
	sink     notify.Sink
	archiver audit.Archiver
	logger   *slog.Logger
	opts     Options
	wg       sync.WaitGroup
}

// NewEngine creates a transition engine. A nil sink or archiver disables
// that side effect.
func NewEngine(s store.Store, sink notify.Sink, archiver audit.Archiver, logger *slog.Logger, opts Options) *Engine {
	if sink == nil {
		sink = notify.Discard
	}
	if archiver == nil {
		archiver = audit.Nop
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.SideEffectTimeout <= 0 {
		opts.SideEffectTimeout = DefaultSideEffectTimeout
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = DefaultBatchConcurrency
	}
	return &Engine{
		store:    s,
		sink:     sink,
		archiver: archiver,
		logger:   logger,
		opts:     opts,
	}
}

// Wait blocks until all in-flight side effects complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) now() time.Time {
	if e.opts.Clock != nil {
		return e.opts.Clock().UTC()
	}
	return time.Now().UTC()
}

// Get returns a release by id.
func (e *Engine) Get(ctx context.Context, releaseID string) (*model.Release, error) {
	var r *model.Release
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		r, err = tx.GetRelease(releaseID)
		return err
	})
	if err != nil {
		return nil, e.readError(releaseID, err)
	}
	return r, nil
}

// ListByStatus returns the releases in status, longest waiting first.
func (e *Engine) ListByStatus(ctx context.Context, status string) ([]*model.Release, error) {
	if !model.ValidStatus(status) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	var out []*model.Release
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.FindReleases(store.ReleaseFilter{
			Status:  status,
			OrderBy: store.OrderStatusChangedAsc,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return out, nil
}

// AuditTrail returns the audit entries for a release, oldest first.
func (e *Engine) AuditTrail(ctx context.Context, releaseID string) ([]*model.AuditEntry, error) {
	var out []*model.AuditEntry
	err := e.store.View(ctx, func(tx store.Tx) error {
		if _, err := tx.GetRelease(releaseID); err != nil && !errors.Is(err, store.ErrMalformed) {
			return err
		}
		var err error
		out, err = tx.AuditTrail(releaseID)
		return err
	})
	if err != nil {
		return nil, e.readError(releaseID, err)
	}
	return out, nil
}

func (e *Engine) readError(releaseID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("release %s: %w", releaseID, ErrNotFound)
	}
	return fmt.Errorf("release %s: %w: %w", releaseID, ErrTransient, err)
}

// finish classifies a transition's outcome, records it, and maps store
// errors onto the engine's error taxonomy.
func (e *Engine) finish(transition, releaseID string, err error) error {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		outcome = "not_found"
		err = fmt.Errorf("release %s: %w", releaseID, ErrNotFound)
	case IsPrecondition(err):
		outcome = "rejected"
	default:
		outcome = "error"
		e.logger.Error("transition failed", "transition", transition, "release_id", releaseID, "error", err)
		err = fmt.Errorf("%s release %s: %w: %w", transition, releaseID, ErrTransient, err)
	}
	transitionsTotal.WithLabelValues(transition, outcome).Inc()
	return err
}

// dispatch runs post-commit side effects in the background. Failures are
// logged and swallowed.
func (e *Engine) dispatch(entry *model.AuditEntry, events ...notify.Event) {
	e.wg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.SideEffectTimeout)
		defer cancel()

		if entry != nil {
			if err := e.archiver.Archive(ctx, entry); err != nil {
				e.logger.Error("failed to archive audit entry",
					"release_id", entry.ReleaseID, "action", entry.Action, "error", err)
			}
		}
		for _, ev := range events {
			if err := e.addRecipients(ctx, &ev); err != nil {
				e.logger.Warn("failed to resolve notification recipients",
					"release_id", ev.ReleaseID, "audience", ev.Audience, "error", err)
			}
			if err := e.sink.Notify(ctx, ev); err != nil {
				e.logger.Error("failed to deliver notification",
					"release_id", ev.ReleaseID, "type", ev.Type, "error", err)
			}
		}
	})
}

// addRecipients resolves staff audiences against the staff directory.
func (e *Engine) addRecipients(ctx context.Context, ev *notify.Event) error {
	var filter store.StaffFilter
	switch ev.Audience {
	case notify.AudienceVerifiers:
		filter.VerifiersOnly = true
	case notify.AudienceOffice:
		filter.OfficeOnly = true
	default:
		return nil
	}

	return e.store.View(ctx, func(tx store.Tx) error {
		staff, err := tx.Staff(filter)
		if err != nil {
			return err
		}
		for _, s := range staff {
			ev.Recipients = append(ev.Recipients, notify.Recipient{
				ID: s.ID, Name: s.Name, Email: s.Email, Phone: s.Phone,
			})
		}
		return nil
	})
}

func requireOperator(op model.Operator) error {
	if op.ID == "" {
		return ErrMissingOperator
	}
	return nil
}

func statusIn(status string, allowed ...string) bool {
	for _, s := range allowed {
		if s == status {
			return true
		}
	}
	return false
}

// setStatus moves r to status, stamping the change times.
func setStatus(r *model.Release, status string, now time.Time) {
	r.Status = status
	r.StatusChangedAt = now
	r.UpdatedAt = now
}

func timePtr(t time.Time) *time.Time {
	return &t
}
