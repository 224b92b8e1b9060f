package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WithLockedTx executes fn within a ReadCommitted transaction. Callers rely
// on FOR UPDATE row locks to serialise replacement writes, and that only
// works at read committed: a writer that blocked on the lock must see the
// winner's committed rows once it proceeds, so its delete covers them. A
// snapshot isolation level would pin the loser to a pre-lock snapshot and
// let the winner's rows survive the replacement.
// When lockTimeout is positive the transaction-local lock_timeout is set so
// row lock waits fail instead of blocking indefinitely.
func WithLockedTx(ctx context.Context, pool *pgxpool.Pool, lockTimeout time.Duration, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if lockTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", lockTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("platform/db: set lock timeout: %w", err)
		}
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}
