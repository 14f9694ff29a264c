package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/balance-engine/balance"
)

// AdvisoryLocker implements balance.Locker with session-level advisory locks,
// so recomputes of one account are exclusive across every process sharing
// the database.
type AdvisoryLocker struct {
	pool *pgxpool.Pool
}

func NewAdvisoryLocker(pool *pgxpool.Pool) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool}
}

// WithLock holds pg_advisory_lock on a dedicated connection for fn's duration.
// Waiting honors ctx: pgx cancels the blocked query when ctx is done. Store
// calls made with the ctx passed to fn run on that same connection.
func (l *AdvisoryLocker) WithLock(ctx context.Context, key balance.AccountKey, fn func(ctx context.Context) error) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire lock connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, key.String()); err != nil {
		return mapError(fmt.Errorf("advisory lock %s: %w", key, err))
	}

	fnErr := fn(withLockConn(ctx, conn))

	// Unlock even when ctx is already cancelled. If that fails the session
	// still owns the lock, so the connection is closed instead of pooled.
	if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key.String()); err != nil {
		conn.Conn().Close(context.Background())
		if fnErr == nil {
			return fmt.Errorf("advisory unlock %s: %w", key, err)
		}
	}
	return fnErr
}

var _ balance.Locker = (*AdvisoryLocker)(nil)
