package repo

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"reviewlog/internal/db"
	"reviewlog/internal/domain"
)

const (
	defaultRetryBudget  = 5
	defaultRetryBackoff = 20 * time.Millisecond
)

// Repo stores events, entity snapshots and per-user metadata for one
// database. The same SQL serves SQLite and Postgres; placeholders are
// rewritten for Postgres.
type Repo struct {
	DB           *sql.DB
	Dialect      db.Dialect
	RetryBudget  int
	RetryBackoff time.Duration
	Now          func() time.Time
}

var ErrNotFound = domain.ErrNotFound

// New returns a Repo over an open handle with default retry settings.
func New(h *db.Handle) Repo {
	return Repo{DB: h.DB, Dialect: h.Dialect, RetryBudget: defaultRetryBudget, RetryBackoff: defaultRetryBackoff}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) now() string {
	if r.Now != nil {
		return r.Now().UTC().Format(time.RFC3339Nano)
	}
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// q rewrites ? placeholders for the active dialect.
func (r Repo) q(query string) string {
	if r.Dialect != db.Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (r Repo) txOptions() *sql.TxOptions {
	if r.Dialect == db.Postgres {
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	return nil
}

// inTx runs fn in a transaction, re-running the whole transaction on retryable failures.
func (r Repo) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.DB.BeginTx(ctx, r.txOptions())
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(prefix []any, ids []string) []any {
	args := make([]any, 0, len(prefix)+len(ids))
	args = append(args, prefix...)
	for _, id := range ids {
		args = append(args, id)
	}
	return args
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
