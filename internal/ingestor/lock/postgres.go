package lock

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/aydarnuman/catering-pro-sub000/internal/common/logging"
)

// PostgresLock is a NamedLock backed by postgres session-level advisory locks.
// Advisory locks belong to the session that took them, so each held lock pins one pooled connection until
// it is released. Unlocking through any other connection would be a silent no-op.
type PostgresLock struct {
	db *pgxpool.Pool

	mu   sync.Mutex
	held map[int64]*pgxpool.Conn
}

func NewPostgresLock(db *pgxpool.Pool) *PostgresLock {
	return &PostgresLock{db: db, held: make(map[int64]*pgxpool.Conn)}
}

func (l *PostgresLock) TryAcquire(ctx context.Context, id int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[id]; ok {
		return false, nil
	}

	conn, err := l.db.Acquire(ctx)
	if err != nil {
		return false, errors.WithStack(err)
	}
	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, id).Scan(&acquired); err != nil {
		conn.Release()
		return false, errors.WithStack(err)
	}
	if !acquired {
		conn.Release()
		return false, nil
	}
	l.held[id] = conn
	logging.FromContext(ctx).Debugf("acquired advisory lock %d", id)
	return true, nil
}

func (l *PostgresLock) Release(ctx context.Context, id int64) error {
	l.mu.Lock()
	conn, ok := l.held[id]
	delete(l.held, id)
	l.mu.Unlock()
	if !ok {
		return nil
	}

	var released bool
	err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, id).Scan(&released)
	if err != nil || !released {
		// Closing the session is the only other way to drop a session-level lock.
		_ = conn.Conn().Close(ctx)
	}
	conn.Release()
	if err != nil {
		return errors.Wrapf(err, "unlocking advisory lock %d", id)
	}
	logging.FromContext(ctx).Debugf("released advisory lock %d", id)
	return nil
}
