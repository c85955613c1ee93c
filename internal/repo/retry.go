package repo

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"reviewlog/internal/domain"
)

// errConflict means a record changed between read and write in the same transaction.
var errConflict = errors.New("concurrent modification")

func (r Repo) withRetry(ctx context.Context, op func() error) error {
	budget := r.RetryBudget
	if budget < 1 {
		budget = defaultRetryBudget
	}
	var lastErr error
	for attempt := 0; attempt < budget; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, r.backoff(attempt)); err != nil {
				return err
			}
		}
		err := op()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w after %d attempts: %v", domain.ErrContention, budget, lastErr)
}

func (r Repo) backoff(attempt int) time.Duration {
	base := r.RetryBackoff
	if base <= 0 {
		return 0
	}
	d := base * time.Duration(attempt)
	return d + time.Duration(rand.Int64N(int64(base)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isRetryable(err error) bool {
	if errors.Is(err, errConflict) {
		return true
	}
	return isSQLiteRetryable(err) || isPostgresRetryable(err)
}

func isSQLiteRetryable(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	switch code {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	primary := code & 0xff
	return primary == sqlite3.SQLITE_BUSY || primary == sqlite3.SQLITE_LOCKED
}

func isPostgresRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "23505":
		return true
	}
	return false
}
