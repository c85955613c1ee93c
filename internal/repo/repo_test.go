package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewlog/internal/db"
	"reviewlog/internal/domain"
	"reviewlog/internal/migrate"
)

// testRepos returns a SQLite repo and, when REVIEWLOG_TEST_POSTGRES_URL is
// set, a Postgres one. Each gets a fresh user so runs do not interfere.
func testRepos(t *testing.T) map[string]Repo {
	t.Helper()
	out := map[string]Repo{}

	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	out["sqlite"] = New(&db.Handle{DB: conn, Dialect: db.SQLite})

	if url := os.Getenv("REVIEWLOG_TEST_POSTGRES_URL"); url != "" {
		h, err := db.OpenPostgres(context.Background(), url)
		require.NoError(t, err)
		t.Cleanup(func() { h.Close() })
		require.NoError(t, migrate.Migrate(h.DB, db.Postgres))
		out["postgres"] = New(h)
	}
	return out
}

func forEachRepo(t *testing.T, fn func(t *testing.T, r Repo, userID string)) {
	for name, r := range testRepos(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, r, "user-"+uuid.NewString())
		})
	}
}

func ingestEvent(id, entityID string, ts int64) domain.Event {
	return domain.Event{ID: id, EntityID: entityID, Type: domain.ActionLogIngest, TimestampMillis: ts}
}

func TestPutEventsIsWriteOnce(t *testing.T) {
	forEachRepo(t, func(t *testing.T, r Repo, user string) {
		ctx := context.Background()
		first := ingestEvent("e1", "task", 10)
		first.Provenance = map[string]any{"source": "web"}
		stored, err := r.PutEvents(ctx, user, []domain.Event{first})
		require.NoError(t, err)
		require.Len(t, stored, 1)
		assert.Equal(t, "e1", stored[0].ID)

		again := ingestEvent("e1", "task", 99)
		stored, err = r.PutEvents(ctx, user, []domain.Event{again, again})
		require.NoError(t, err)
		require.Len(t, stored, 1)
		assert.Equal(t, int64(10), stored[0].TimestampMillis)
		assert.Equal(t, map[string]any{"source": "web"}, stored[0].Provenance)

		got, err := r.GetEvents(ctx, user, []string{"e1", "missing"})
		require.NoError(t, err)
		assert.Len(t, got, 1)
		_, ok := got["missing"]
		assert.False(t, ok)

		other, err := r.GetEvents(ctx, "someone-else", []string{"e1"})
		require.NoError(t, err)
		assert.Empty(t, other)
	})
}

func TestListEventsPaginates(t *testing.T) {
	forEachRepo(t, func(t *testing.T, r Repo, user string) {
		ctx := context.Background()
		_, err := r.PutEvents(ctx, user, []domain.Event{
			ingestEvent("c", "t1", 3),
			ingestEvent("a", "t2", 1),
			ingestEvent("b", "t1", 2),
		})
		require.NoError(t, err)

		all, err := r.ListEvents(ctx, user, domain.EventQuery{Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "a", "b"}, eventIDs(all))

		page, err := r.ListEvents(ctx, user, domain.EventQuery{AfterID: "c", Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, eventIDs(page))

		byEntity, err := r.ListEvents(ctx, user, domain.EventQuery{EntityID: "t1", Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "b"}, eventIDs(byEntity))

		_, err = r.ListEvents(ctx, user, domain.EventQuery{AfterID: "nope", Limit: 10})
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func eventIDs(events []domain.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func TestModifyEntitiesInsertThenUpdate(t *testing.T) {
	forEachRepo(t, func(t *testing.T, r Repo, user string) {
		ctx := context.Background()
		err := r.ModifyEntities(ctx, user, []string{"t1"}, func(ctx context.Context, tx TxReader, current map[string]domain.EntityRecord) (map[string]domain.EntityRecord, error) {
			assert.Empty(t, current)
			return map[string]domain.EntityRecord{
				"t1": {Entity: domain.TaskState{DueTimestampMillis: 5}, LastEventID: "e1", LastEventTimestampMillis: 5},
			}, nil
		})
		require.NoError(t, err)

		err = r.ModifyEntities(ctx, user, []string{"t1", "t2"}, func(ctx context.Context, tx TxReader, current map[string]domain.EntityRecord) (map[string]domain.EntityRecord, error) {
			require.Len(t, current, 1)
			rec := current["t1"]
			assert.Equal(t, "t1", rec.Entity.TaskID)
			assert.Equal(t, int64(1), rec.Version)
			rec.Entity.IsDeleted = true
			rec.LastEventID = "e2"
			return map[string]domain.EntityRecord{"t1": rec}, nil
		})
		require.NoError(t, err)

		got, err := r.GetEntities(ctx, user, []string{"t1", "t2"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got["t1"].Entity.IsDeleted)
		assert.Equal(t, "e2", got["t1"].LastEventID)
		assert.Equal(t, int64(2), got["t1"].Version)
	})
}

func TestModifyEntitiesDoesNotRetryTransformerErrors(t *testing.T) {
	forEachRepo(t, func(t *testing.T, r Repo, user string) {
		calls := 0
		boom := errors.New("boom")
		err := r.ModifyEntities(context.Background(), user, []string{"t1"}, func(context.Context, TxReader, map[string]domain.EntityRecord) (map[string]domain.EntityRecord, error) {
			calls++
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})
}

func TestModifyEntitiesRejectsUnrequestedIDs(t *testing.T) {
	forEachRepo(t, func(t *testing.T, r Repo, user string) {
		err := r.ModifyEntities(context.Background(), user, []string{"t1"}, func(context.Context, TxReader, map[string]domain.EntityRecord) (map[string]domain.EntityRecord, error) {
			return map[string]domain.EntityRecord{"other": {}}, nil
		})
		assert.Error(t, err)
		got, err := r.GetEntities(context.Background(), user, []string{"other"})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestModifyEntitiesConcurrentWritersAllLand(t *testing.T) {
	forEachRepo(t, func(t *testing.T, r Repo, user string) {
		r.RetryBudget = 50
		ctx := context.Background()
		const writers = 8
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- r.ModifyEntities(ctx, user, []string{"shared"}, func(ctx context.Context, tx TxReader, current map[string]domain.EntityRecord) (map[string]domain.EntityRecord, error) {
					rec := current["shared"]
					rec.Entity.DueTimestampMillis++
					return map[string]domain.EntityRecord{"shared": rec}, nil
				})
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
		got, err := r.GetEntities(ctx, user, []string{"shared"})
		require.NoError(t, err)
		assert.Equal(t, int64(writers), got["shared"].Entity.DueTimestampMillis)
	})
}

func TestTxReaderPagesEntityHistory(t *testing.T) {
	forEachRepo(t, func(t *testing.T, r Repo, user string) {
		ctx := context.Background()
		var events []domain.Event
		for i := 0; i < 5; i++ {
			events = append(events, ingestEvent(fmt.Sprintf("e%d", i), "t1", int64(i)))
		}
		events = append(events, ingestEvent("x", "t2", 0))
		_, err := r.PutEvents(ctx, user, events)
		require.NoError(t, err)

		var seen []string
		err = r.ModifyEntities(ctx, user, []string{"t1"}, func(ctx context.Context, tx TxReader, _ map[string]domain.EntityRecord) (map[string]domain.EntityRecord, error) {
			var cursor int64
			for {
				page, next, err := tx.EntityEvents(ctx, "t1", cursor, 2)
				if err != nil {
					return nil, err
				}
				seen = append(seen, eventIDs(page)...)
				if len(page) < 2 {
					return nil, nil
				}
				cursor = next
			}
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"e0", "e1", "e2", "e3", "e4"}, seen)
	})
}

func TestListEntitiesOrderingAndFilters(t *testing.T) {
	forEachRepo(t, func(t *testing.T, r Repo, user string) {
		ctx := context.Background()
		put := func(id string, due int64, deleted bool) {
			require.NoError(t, r.ModifyEntities(ctx, user, []string{id}, func(_ context.Context, _ TxReader, current map[string]domain.EntityRecord) (map[string]domain.EntityRecord, error) {
				rec := current[id]
				rec.Entity.DueTimestampMillis = due
				rec.Entity.IsDeleted = deleted
				return map[string]domain.EntityRecord{id: rec}, nil
			}))
		}
		put("zeta", 50, false)
		put("alpha", 10, true)
		put("mid", 20, false)

		all, err := r.ListEntities(ctx, user, EntityFilter{Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, []string{"zeta", "alpha", "mid"}, entityIDs(all))

		after, err := r.ListEntities(ctx, user, EntityFilter{AfterID: "alpha", Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, []string{"mid"}, entityIDs(after))

		threshold := int64(30)
		due, err := r.ListEntities(ctx, user, EntityFilter{DueThreshold: &threshold, Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, []string{"mid"}, entityIDs(due))

		put("zeta", 1, false)
		again, err := r.ListEntities(ctx, user, EntityFilter{AfterID: "alpha", Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, after, again)

		_, err = r.ListEntities(ctx, user, EntityFilter{AfterID: "ghost", Limit: 10})
		assert.ErrorIs(t, err, ErrNotFound)

		active, err := r.CountActiveEntities(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, int64(2), active)
	})
}

func entityIDs(recs []domain.EntityRecord) []string {
	out := make([]string, len(recs))
	for i, rec := range recs {
		out[i] = rec.Entity.TaskID
	}
	return out
}

func TestActiveTaskCountAndMetadata(t *testing.T) {
	forEachRepo(t, func(t *testing.T, r Repo, user string) {
		ctx := context.Background()
		n, err := r.ActiveTaskCount(ctx, user)
		require.NoError(t, err)
		assert.Zero(t, n)

		require.NoError(t, r.IncrementActiveTaskCount(ctx, user, 1))
		require.NoError(t, r.IncrementActiveTaskCount(ctx, user, 1))
		require.NoError(t, r.IncrementActiveTaskCount(ctx, user, -1))
		n, err = r.ActiveTaskCount(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		v := "dark"
		require.NoError(t, r.SetMetadataValues(ctx, user, map[string]*string{"theme": &v}))
		vals, err := r.GetMetadataValues(ctx, user, []string{"theme", "missing"})
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"theme": "dark"}, vals)

		require.NoError(t, r.SetMetadataValues(ctx, user, map[string]*string{"theme": nil}))
		vals, err = r.GetMetadataValues(ctx, user, []string{"theme"})
		require.NoError(t, err)
		assert.Empty(t, vals)
	})
}

func TestWithRetryExhaustsBudget(t *testing.T) {
	r := Repo{RetryBudget: 3}
	calls := 0
	err := r.withRetry(context.Background(), func() error {
		calls++
		return fmt.Errorf("entity x: %w", errConflict)
	})
	assert.ErrorIs(t, err, domain.ErrContention)
	assert.Equal(t, 3, calls)

	calls = 0
	err = r.withRetry(context.Background(), func() error {
		calls++
		if calls < 2 {
			return errConflict
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestIsRetryableClassifiesPostgresCodes(t *testing.T) {
	assert.True(t, isRetryable(&pgconn.PgError{Code: "40001"}))
	assert.True(t, isRetryable(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40P01"})))
	assert.False(t, isRetryable(&pgconn.PgError{Code: "42P01"}))
	assert.False(t, isRetryable(errors.New("plain")))
}

func TestPostgresPlaceholders(t *testing.T) {
	r := Repo{Dialect: db.Postgres}
	assert.Equal(t, "SELECT a FROM t WHERE x=$1 AND y IN ($2,$3)", r.q("SELECT a FROM t WHERE x=? AND y IN (?,?)"))
	assert.Equal(t, "x=?", Repo{Dialect: db.SQLite}.q("x=?"))
}
