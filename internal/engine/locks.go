package engine

import (
	"context"

	"github.com/seantiz/releaseflow/internal/model"
	"github.com/seantiz/releaseflow/internal/store"
)

// AcquireLock sets the advisory edit lock for op. A lock held by another
// operator blocks acquisition until it is older than the lock TTL.
// Transitions never consult the lock.
func (e *Engine) AcquireLock(ctx context.Context, releaseID string, op model.Operator) error {
	if err := requireOperator(op); err != nil {
		return e.finish("lock", releaseID, err)
	}

	err := e.store.Update(ctx, func(tx store.Tx) error {
		r, err := tx.GetRelease(releaseID)
		if err != nil {
			return err
		}

		now := e.now()
		if r.LockedBy != "" && r.LockedBy != op.ID && r.LockedAt != nil && now.Sub(*r.LockedAt) < e.opts.LockTTL {
			return &LockedError{HolderID: r.LockedBy, HolderName: r.LockedByName, Since: *r.LockedAt}
		}

		r.Lock = model.Lock{
			LockedBy:     op.ID,
			LockedByName: op.Name,
			LockedAt:     timePtr(now),
		}
		return tx.UpdateRelease(r)
	})
	return e.finish("lock", releaseID, err)
}

// ReleaseLock clears op's advisory lock. Releasing an unlocked release is a
// no-op; only the holder may release a held lock.
func (e *Engine) ReleaseLock(ctx context.Context, releaseID string, op model.Operator) error {
	if err := requireOperator(op); err != nil {
		return e.finish("unlock", releaseID, err)
	}

	err := e.store.Update(ctx, func(tx store.Tx) error {
		r, err := tx.GetRelease(releaseID)
		if err != nil {
			return err
		}
		if r.LockedBy == "" {
			return nil
		}
		if r.LockedBy != op.ID {
			return ErrNotLockHolder
		}
		r.Lock = model.Lock{}
		return tx.UpdateRelease(r)
	})
	return e.finish("unlock", releaseID, err)
}
