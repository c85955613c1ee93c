package replay

import (
	"context"
	"fmt"

	"reviewlog/internal/domain"
	"reviewlog/internal/scheduling"
)

const defaultPageSize = 500

// Path records how a log reached the snapshot.
type Path string

const (
	PathFast      Path = "fast"
	PathSlow      Path = "slow"
	PathDuplicate Path = "duplicate"
)

// History is the paged fetch of every stored event for one entity.
type History interface {
	EntityEvents(ctx context.Context, entityID string, cursor int64, limit int) ([]domain.Event, int64, error)
}

// Engine materializes task snapshots from their event logs.
type Engine struct {
	Scheduler scheduling.Scheduler
	PageSize  int
}

func New(s scheduling.Scheduler) Engine {
	return Engine{Scheduler: s, PageSize: defaultPageSize}
}

// CanFastForward reports whether evt directly extends rec's last folded log.
func CanFastForward(rec *domain.EntityRecord, evt domain.Event) bool {
	return rec != nil &&
		len(evt.ParentActionLogIDs) == 1 &&
		evt.ParentActionLogIDs[0] == rec.LastEventID &&
		evt.TimestampMillis >= rec.LastEventTimestampMillis
}

// Apply folds evt into rec. A direct successor of rec's last log is folded in
// place; anything else triggers a rebuild from the entity's full history.
func (e Engine) Apply(ctx context.Context, history History, rec *domain.EntityRecord, evt domain.Event) (domain.EntityRecord, Path, error) {
	if rec != nil && evt.ID == rec.LastEventID {
		return *rec, PathDuplicate, nil
	}
	if CanFastForward(rec, evt) {
		next, err := Fold(e.Scheduler, &rec.Entity, evt)
		if err != nil {
			return *rec, PathFast, e.replayError(evt, &rec.Entity, err)
		}
		out := *rec
		out.Entity = next
		out.LastEventID = evt.ID
		out.LastEventTimestampMillis = evt.TimestampMillis
		return out, PathFast, nil
	}
	events, err := e.fetchAll(ctx, history, evt.EntityID)
	if err != nil {
		return domain.EntityRecord{}, PathSlow, fmt.Errorf("fetch history for %s: %w", evt.EntityID, err)
	}
	out, err := e.Rebuild(evt.EntityID, append(events, evt))
	if err != nil {
		return domain.EntityRecord{}, PathSlow, err
	}
	if rec != nil {
		out.CreationSeq = rec.CreationSeq
		out.Version = rec.Version
	}
	return out, PathSlow, nil
}

// Rebuild folds events in causal order from an empty state.
func (e Engine) Rebuild(taskID string, events []domain.Event) (domain.EntityRecord, error) {
	ordered := CausalOrder(events)
	var state *domain.TaskState
	var out domain.EntityRecord
	for _, evt := range ordered {
		next, err := Fold(e.Scheduler, state, evt)
		if err != nil {
			return domain.EntityRecord{}, e.replayError(evt, state, err)
		}
		state = &next
		out.LastEventID = evt.ID
		out.LastEventTimestampMillis = evt.TimestampMillis
	}
	if state == nil {
		return domain.EntityRecord{}, &domain.ReplayError{TaskID: taskID, Err: ErrNoBaseState}
	}
	state.TaskID = taskID
	out.Entity = *state
	return out, nil
}

// RebuildFrom replays taskID from every event history holds for it.
func (e Engine) RebuildFrom(ctx context.Context, history History, taskID string) (domain.EntityRecord, error) {
	events, err := e.fetchAll(ctx, history, taskID)
	if err != nil {
		return domain.EntityRecord{}, fmt.Errorf("fetch history for %s: %w", taskID, err)
	}
	return e.Rebuild(taskID, events)
}

func (e Engine) fetchAll(ctx context.Context, history History, entityID string) ([]domain.Event, error) {
	size := e.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	var all []domain.Event
	var cursor int64
	for {
		page, next, err := history.EntityEvents(ctx, entityID, cursor, size)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < size {
			return all, nil
		}
		cursor = next
	}
}

func (e Engine) replayError(evt domain.Event, state *domain.TaskState, err error) error {
	var snap *domain.TaskState
	if state != nil {
		cp := *state
		snap = &cp
	}
	return &domain.ReplayError{TaskID: evt.EntityID, Event: evt, Snapshot: snap, Err: err}
}
