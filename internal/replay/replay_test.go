package replay

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewlog/internal/domain"
	"reviewlog/internal/scheduling"
)

type memHistory struct {
	events []domain.Event
	calls  int
}

func (h *memHistory) EntityEvents(_ context.Context, entityID string, cursor int64, limit int) ([]domain.Event, int64, error) {
	h.calls++
	var out []domain.Event
	i := int(cursor)
	for ; i < len(h.events) && len(out) < limit; i++ {
		if h.events[i].EntityID == entityID {
			out = append(out, h.events[i])
		}
	}
	return out, int64(i), nil
}

func ingest(id string, ts int64) domain.Event {
	return domain.Event{ID: id, EntityID: "task", Type: domain.ActionLogIngest, TimestampMillis: ts}
}

func repetition(id string, ts int64, outcome domain.Outcome, parents ...string) domain.Event {
	ctx := "review"
	return domain.Event{ID: id, EntityID: "task", Type: domain.ActionLogRepetition, TimestampMillis: ts,
		Payload: domain.Payload{ParentActionLogIDs: parents, Outcome: outcome, Context: &ctx}}
}

func reschedule(id string, ts, to int64, parents ...string) domain.Event {
	return domain.Event{ID: id, EntityID: "task", Type: domain.ActionLogReschedule, TimestampMillis: ts,
		Payload: domain.Payload{ParentActionLogIDs: parents, NewTimestampMillis: &to}}
}

func deleteLog(id string, ts int64, parents ...string) domain.Event {
	yes := true
	return domain.Event{ID: id, EntityID: "task", Type: domain.ActionLogUpdateMetadata, TimestampMillis: ts,
		Payload: domain.Payload{ParentActionLogIDs: parents, Updates: &domain.MetadataUpdates{IsDeleted: &yes}}}
}

func newEngine() Engine {
	e := New(scheduling.New(scheduling.DefaultParams()))
	e.PageSize = 2
	return e
}

func chain() []domain.Event {
	return []domain.Event{
		ingest("a", 15),
		repetition("b", 20, domain.OutcomeRemembered, "a"),
		repetition("c", 30, domain.OutcomeForgotten, "b"),
		reschedule("d", 40, 1000, "c"),
		repetition("e", 50, domain.OutcomeRemembered, "d"),
		deleteLog("f", 60, "e"),
	}
}

// applyAll persists each event before applying it, the way the write path does.
func applyAll(t *testing.T, e Engine, events []domain.Event) (*domain.EntityRecord, []Path) {
	t.Helper()
	h := &memHistory{}
	var rec *domain.EntityRecord
	var paths []Path
	for _, evt := range events {
		h.events = append(h.events, evt)
		next, path, err := e.Apply(context.Background(), h, rec, evt)
		require.NoError(t, err)
		rec = &next
		paths = append(paths, path)
	}
	return rec, paths
}

func TestIngestCreatesSnapshot(t *testing.T) {
	rec, paths := applyAll(t, newEngine(), []domain.Event{ingest("a", 15)})
	assert.Equal(t, []Path{PathSlow}, paths)
	assert.Equal(t, "task", rec.Entity.TaskID)
	assert.False(t, rec.Entity.IsDeleted)
	assert.Equal(t, int64(15), rec.Entity.DueTimestampMillis)
	assert.Equal(t, "a", rec.LastEventID)
	assert.Equal(t, int64(15), rec.LastEventTimestampMillis)
}

func TestFastPathMatchesFullReplayAtEveryStep(t *testing.T) {
	e := newEngine()
	events := chain()
	for n := 1; n <= len(events); n++ {
		incremental, paths := applyAll(t, e, events[:n])
		for _, p := range paths[1:] {
			assert.Equal(t, PathFast, p)
		}
		full, err := e.Rebuild("task", events[:n])
		require.NoError(t, err)
		assert.Equal(t, full, *incremental, "step %d", n)
	}
}

func TestReplayIsIndependentOfArrivalOrder(t *testing.T) {
	e := newEngine()
	events := chain()
	want, err := e.Rebuild("task", events)
	require.NoError(t, err)
	assert.True(t, want.Entity.IsDeleted)
	assert.Equal(t, "f", want.LastEventID)

	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 25; i++ {
		shuffled := append([]domain.Event(nil), events...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got, err := e.Rebuild("task", shuffled)
		require.NoError(t, err)
		assert.Equal(t, want, got)

		if shuffled[0].Type != domain.ActionLogIngest {
			continue
		}
		incremental, _ := applyAll(t, e, shuffled)
		assert.Equal(t, want.Entity, incremental.Entity)
		assert.Equal(t, want.LastEventID, incremental.LastEventID)
	}
}

func TestConcurrentBranchesTieBreakByTimestampThenID(t *testing.T) {
	e := newEngine()
	a := ingest("a", 10)
	x := reschedule("x", 20, 500, "a")
	y := reschedule("y", 20, 900, "a")
	z := reschedule("z", 15, 100, "a")

	got, err := e.Rebuild("task", []domain.Event{y, x, z, a})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "z", "x", "y"}, eventIDs(CausalOrder([]domain.Event{y, x, z, a})))
	assert.Equal(t, int64(900), got.Entity.DueTimestampMillis)
	assert.Equal(t, "y", got.LastEventID)
}

func TestCausalOrderPutsChildrenAfterEarlierStampedParents(t *testing.T) {
	parent := ingest("p", 100)
	child := reschedule("c", 50, 7, "p")
	assert.Equal(t, []string{"p", "c"}, eventIDs(CausalOrder([]domain.Event{child, parent})))
}

func TestCausalOrderBreaksCycles(t *testing.T) {
	a := reschedule("a", 2, 1, "b")
	b := reschedule("b", 1, 1, "a")
	assert.Equal(t, []string{"b", "a"}, eventIDs(CausalOrder([]domain.Event{a, b})))
}

func eventIDs(events []domain.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func TestDuplicateLogIsIdempotent(t *testing.T) {
	e := newEngine()
	once, _ := applyAll(t, e, []domain.Event{ingest("a", 15)})

	h := &memHistory{events: []domain.Event{ingest("a", 15)}}
	twice, path, err := e.Apply(context.Background(), h, once, ingest("a", 15))
	require.NoError(t, err)
	assert.Equal(t, PathDuplicate, path)
	assert.Equal(t, *once, twice)
	assert.Zero(t, h.calls)

	events := chain()[:3]
	rec, _ := applyAll(t, e, events)
	h = &memHistory{events: events}
	again, path, err := e.Apply(context.Background(), h, rec, events[1])
	require.NoError(t, err)
	assert.Equal(t, PathSlow, path)
	assert.Equal(t, *rec, again)
}

func TestMultiParentLogTakesSlowPath(t *testing.T) {
	e := newEngine()
	events := []domain.Event{ingest("a", 10), reschedule("b", 20, 300, "a")}
	rec, _ := applyAll(t, e, events)
	merge := reschedule("m", 30, 400, "b", "a")
	h := &memHistory{events: append(events, merge)}
	next, path, err := e.Apply(context.Background(), h, rec, merge)
	require.NoError(t, err)
	assert.Equal(t, PathSlow, path)
	assert.Equal(t, int64(400), next.Entity.DueTimestampMillis)
}

func TestOlderTimestampTakesSlowPath(t *testing.T) {
	rec := &domain.EntityRecord{LastEventID: "a", LastEventTimestampMillis: 50}
	assert.False(t, CanFastForward(rec, reschedule("b", 40, 1, "a")))
	assert.True(t, CanFastForward(rec, reschedule("b", 50, 1, "a")))
	assert.False(t, CanFastForward(nil, reschedule("b", 50, 1, "a")))
}

func TestFoldErrorsCarryContext(t *testing.T) {
	e := newEngine()
	orphan := repetition("r", 5, domain.OutcomeRemembered)
	_, _, err := e.Apply(context.Background(), &memHistory{events: []domain.Event{orphan}}, nil, orphan)
	var rerr *domain.ReplayError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "task", rerr.TaskID)
	assert.Equal(t, "r", rerr.Event.ID)
	assert.Nil(t, rerr.Snapshot)
	assert.ErrorIs(t, err, ErrNoBaseState)

	rec := &domain.EntityRecord{
		Entity:      domain.TaskState{TaskID: "task", Interval: domain.IntervalState{IntervalMillis: -5}},
		LastEventID: "a",
	}
	bad := repetition("b", 10, domain.OutcomeRemembered, "a")
	_, path, err := e.Apply(context.Background(), &memHistory{}, rec, bad)
	assert.Equal(t, PathFast, path)
	require.True(t, errors.As(err, &rerr))
	require.NotNil(t, rerr.Snapshot)
	assert.Equal(t, int64(-5), rerr.Snapshot.Interval.IntervalMillis)
	assert.ErrorIs(t, err, scheduling.ErrInvalidInterval)
}

func TestFoldRejectsNegativeReschedule(t *testing.T) {
	s := scheduling.New(scheduling.DefaultParams())
	state := &domain.TaskState{TaskID: "task"}
	_, err := Fold(s, state, reschedule("r", 1, -1, "a"))
	assert.ErrorIs(t, err, ErrInvalidLog)

	_, err = Fold(s, state, domain.Event{ID: "u", Type: "mystery"})
	assert.ErrorIs(t, err, ErrInvalidLog)
}

func TestSecondIngestKeepsState(t *testing.T) {
	s := scheduling.New(scheduling.DefaultParams())
	state := &domain.TaskState{TaskID: "task", DueTimestampMillis: 99, CreatedAtMillis: 1}
	next, err := Fold(s, state, ingest("again", 500))
	require.NoError(t, err)
	assert.Equal(t, *state, next)
}

func TestRebuildFromReadsEveryPage(t *testing.T) {
	e := newEngine()
	events := chain()
	h := &memHistory{events: events}
	got, err := e.RebuildFrom(context.Background(), h, "task")
	require.NoError(t, err)
	want, err := e.Rebuild("task", events)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 4, h.calls)

	_, err = e.RebuildFrom(context.Background(), &memHistory{}, "task")
	assert.ErrorIs(t, err, ErrNoBaseState)
}
