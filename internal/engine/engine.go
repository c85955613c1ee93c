package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"reviewlog/internal/config"
	"reviewlog/internal/counter"
	"reviewlog/internal/domain"
	"reviewlog/internal/events"
	"reviewlog/internal/idconv"
	"reviewlog/internal/query"
	"reviewlog/internal/replay"
	"reviewlog/internal/repo"
	"reviewlog/internal/scheduling"
)

type Engine struct {
	Repo     repo.Repo
	Replay   replay.Engine
	Counter  counter.Maintainer
	Query    query.Engine
	Notifier events.Notifier
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

func New(r repo.Repo, cfg *config.Config, notifier events.Notifier, logger *slog.Logger) Engine {
	params := scheduling.DefaultParams()
	bucket := time.Hour
	if cfg != nil {
		params = cfg.SchedulingParams()
		bucket = cfg.Scheduling.FuzzyBucket
	}
	if notifier == nil {
		notifier = events.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return Engine{
		Repo:     r,
		Replay:   replay.New(scheduling.New(params)),
		Counter:  counter.Maintainer{Store: r},
		Query:    query.Engine{Store: r, FuzzyBucket: bucket},
		Notifier: notifier,
		Logger:   logger,
		Now:      time.Now,
		NewID:    newEventID,
	}
}

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) notify(n events.Notification) {
	if e.Notifier == nil {
		return
	}
	n.At = e.now().UTC()
	e.Notifier.Notify(n)
}

// PutEvents stores events and folds each into its entity snapshot. A batch
// with any malformed event is rejected whole. Otherwise every event is
// applied on its own: the records of the ones that succeeded are returned
// together with the joined errors of the ones that did not.
func (e Engine) PutEvents(ctx context.Context, userID string, evts []domain.Event) ([]domain.EventRecord, error) {
	if userID == "" {
		return nil, domain.NewValidationError("userID", "must NOT have fewer than 1 characters")
	}
	batch := make([]domain.Event, len(evts))
	copy(batch, evts)
	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = e.newID()
		}
	}
	if err := domain.ValidateEvents(batch, "body"); err != nil {
		return nil, err
	}
	stored, err := e.Repo.PutEvents(ctx, userID, batch)
	if err != nil {
		return nil, fmt.Errorf("store events: %w", err)
	}
	records := make([]domain.EventRecord, 0, len(stored))
	var errs []error
	for _, evt := range stored {
		rec, err := e.apply(ctx, userID, evt)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		records = append(records, rec)
	}
	return records, errors.Join(errs...)
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return newEventID()
}

// apply replays one stored event into its entity, then moves the active task
// counter. The counter is not part of the entity transaction.
func (e Engine) apply(ctx context.Context, userID string, evt domain.Event) (domain.EventRecord, error) {
	var (
		old    *domain.TaskState
		result domain.EntityRecord
		path   replay.Path
	)
	err := e.Repo.ModifyEntities(ctx, userID, []string{evt.EntityID}, func(ctx context.Context, tx repo.TxReader, current map[string]domain.EntityRecord) (map[string]domain.EntityRecord, error) {
		old = nil
		var prev *domain.EntityRecord
		if rec, ok := current[evt.EntityID]; ok {
			prev = &rec
			snapshot := rec.Entity
			old = &snapshot
		}
		next, p, err := e.Replay.Apply(ctx, tx, prev, evt)
		if err != nil {
			return nil, err
		}
		result, path = next, p
		if p == replay.PathDuplicate {
			return nil, nil
		}
		return map[string]domain.EntityRecord{evt.EntityID: next}, nil
	})
	if err != nil {
		e.logger().WarnContext(ctx, "apply event failed", "user_id", userID, "event_id", evt.ID, "entity_id", evt.EntityID, "err", err)
		e.notify(events.Notification{UserID: userID, Event: evt, Error: err.Error()})
		return domain.EventRecord{}, fmt.Errorf("event %s: %w", evt.ID, err)
	}

	delta, cerr := e.Counter.Apply(ctx, userID, old, &result.Entity)
	if cerr != nil {
		e.logger().ErrorContext(ctx, "active task counter update failed", "user_id", userID, "event_id", evt.ID, "err", cerr)
	}
	e.logger().DebugContext(ctx, "event applied", "user_id", userID, "event_id", evt.ID, "entity_id", evt.EntityID, "path", string(path), "counter_delta", delta)

	entity := result.Entity
	e.notify(events.Notification{UserID: userID, Event: evt, Entity: &entity, Path: string(path), CounterDelta: delta})
	return domain.EventRecord{Event: evt, Entity: &entity}, nil
}

// PatchActionLogs accepts legacy action logs. Every identifier is converted
// to its event form before the logs are written as events.
func (e Engine) PatchActionLogs(ctx context.Context, userID string, logs []domain.LegacyActionLog) ([]domain.EventRecord, error) {
	if err := domain.ValidateLegacyLogs(logs, "body"); err != nil {
		return nil, err
	}
	converted := make([]domain.Event, len(logs))
	for i, l := range logs {
		converted[i] = domain.LegacyEvent(l, idconv.ConvertLegacyID)
	}
	return e.PutEvents(ctx, userID, converted)
}

// RebuildTask discards a snapshot and replays it from the full stored history.
func (e Engine) RebuildTask(ctx context.Context, userID, taskID string) (domain.EntityRecord, error) {
	var old *domain.TaskState
	var result domain.EntityRecord
	err := e.Repo.ModifyEntities(ctx, userID, []string{taskID}, func(ctx context.Context, tx repo.TxReader, current map[string]domain.EntityRecord) (map[string]domain.EntityRecord, error) {
		rec, ok := current[taskID]
		if !ok {
			return nil, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
		}
		snapshot := rec.Entity
		old = &snapshot
		next, err := e.Replay.RebuildFrom(ctx, tx, taskID)
		if err != nil {
			return nil, err
		}
		next.CreationSeq, next.Version = rec.CreationSeq, rec.Version
		result = next
		return map[string]domain.EntityRecord{taskID: next}, nil
	})
	if err != nil {
		return domain.EntityRecord{}, err
	}
	if _, err := e.Counter.Apply(ctx, userID, old, &result.Entity); err != nil {
		return result, fmt.Errorf("update active task count: %w", err)
	}
	e.logger().InfoContext(ctx, "task rebuilt", "user_id", userID, "task_id", taskID, "last_event_id", result.LastEventID)
	return result, nil
}

// RecountActiveTasks corrects the active task counter against the snapshots
// and returns the recounted value and the correction applied.
func (e Engine) RecountActiveTasks(ctx context.Context, userID string) (int64, int64, error) {
	actual, err := e.Repo.CountActiveEntities(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	stored, err := e.Counter.ActiveTaskCount(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	diff := actual - stored
	if diff != 0 {
		if err := e.Repo.IncrementActiveTaskCount(ctx, userID, int(diff)); err != nil {
			return 0, 0, err
		}
		e.logger().WarnContext(ctx, "active task counter corrected", "user_id", userID, "stored", stored, "actual", actual)
	}
	return actual, diff, nil
}

func (e Engine) ActiveTaskCount(ctx context.Context, userID string) (int64, error) {
	return e.Counter.ActiveTaskCount(ctx, userID)
}

func (e Engine) ListTasks(ctx context.Context, userID string, q domain.EntityQuery) (query.EntityPage, error) {
	return e.Query.ListEntities(ctx, userID, q)
}

func (e Engine) GetTask(ctx context.Context, userID, taskID string) (domain.EntityRecord, error) {
	return e.Query.GetEntity(ctx, userID, taskID)
}

func (e Engine) ListEvents(ctx context.Context, userID string, q domain.EventQuery) (query.EventPage, error) {
	return e.Query.ListEvents(ctx, userID, q)
}
