package postgres

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sethvargo/go-retry"

	"tickarena/server/internal/logging"
)

const (
	// txMaxRetries allows three attempts in total.
	txMaxRetries = 2
	// txBackoffBase doubles between attempts: 50 ms, then 100 ms.
	txBackoffBase = 50 * time.Millisecond
	// txBackoffJitter bounds the uniform 0–25 ms added to each sleep.
	txBackoffJitter = 25 * time.Millisecond
	// txLockTimeout makes row contention surface quickly instead of queueing
	// behind a long-held lock.
	txLockTimeout = "2s"
)

// InTxWithRetry runs fn inside a transaction, retrying the whole unit on
// transient faults with exponential backoff and jitter. Non-retryable errors
// propagate unchanged.
func InTxWithRetry(ctx context.Context, pool PgxPool, logger *logging.Logger, fn func(ctx context.Context, tx pgx.Tx) error) error {
	if logger == nil {
		logger = logging.L()
	}
	exp := retry.NewExponential(txBackoffBase)
	backoff := retry.WithMaxRetries(txMaxRetries, retry.BackoffFunc(func() (time.Duration, bool) {
		next, stop := exp.Next()
		if stop {
			return 0, true
		}
		return next + time.Duration(rand.Int63n(int64(txBackoffJitter)+1)), false
	}))

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := runOnce(ctx, pool, fn)
		if err == nil {
			return nil
		}
		if IsRetryable(err) {
			logger.Warn("transaction attempt failed, retrying",
				logging.Int("attempt", attempt), logging.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
}

func runOnce(ctx context.Context, pool PgxPool, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	//1.- Keep lock waits short so contention is discovered, not queued behind.
	if _, err := tx.Exec(ctx, "SET LOCAL lock_timeout = '"+txLockTimeout+"'"); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("set lock timeout: %w", err)
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
