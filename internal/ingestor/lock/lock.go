// Package lock provides named mutual-exclusion locks shared by every process connected to the same backend.
package lock

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/aydarnuman/catering-pro-sub000/internal/common/ingesterrors"
	"github.com/aydarnuman/catering-pro-sub000/internal/common/logging"
)

// Well-known lock ids. Every deployment must use the same values, or routines stop excluding each other.
const (
	InvoiceSyncLockId int64 = 12345
	MarketSyncLockId  int64 = 12346
	DispatcherLockId  int64 = 12347
)

const releaseTimeout = 5 * time.Second

// NamedLock is a non-blocking lock identified by a numeric id.
type NamedLock interface {
	// TryAcquire returns true if the lock was acquired by this instance.
	// It returns false without waiting if the lock is held anywhere else, including by this instance.
	TryAcquire(ctx context.Context, id int64) (bool, error)

	// Release releases a lock held by this instance. Releasing a lock that isn't held is a no-op.
	Release(ctx context.Context, id int64) error
}

// WithLock runs action while holding lock id. If the lock is held elsewhere action is not run and
// *ingesterrors.ErrLockNotAcquired is returned. The lock is released when action returns, whatever the outcome,
// even if ctx has been cancelled in the meantime.
func WithLock(ctx context.Context, l NamedLock, id int64, routine string, action func(ctx context.Context) error) error {
	acquired, err := l.TryAcquire(ctx, id)
	if err != nil {
		return errors.WithMessagef(err, "acquiring lock %d for %s", id, routine)
	}
	if !acquired {
		return errors.WithStack(&ingesterrors.ErrLockNotAcquired{Routine: routine, LockId: id})
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := l.Release(releaseCtx, id); err != nil {
			logging.FromContext(ctx).WithError(err).Errorf("failed to release lock %d held by %s", id, routine)
		}
	}()
	return action(ctx)
}
