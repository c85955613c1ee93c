package replay

import (
	"errors"
	"fmt"

	"reviewlog/internal/domain"
	"reviewlog/internal/scheduling"
)

var (
	ErrNoBaseState = errors.New("no ingested state to apply log to")
	ErrInvalidLog  = errors.New("log is not applicable")
)

// Fold applies one event to state and returns the new state. state is nil
// before the task has been ingested. Fold never mutates its input.
func Fold(s scheduling.Scheduler, state *domain.TaskState, evt domain.Event) (domain.TaskState, error) {
	switch evt.Type {
	case domain.ActionLogIngest:
		return foldIngest(s, state, evt), nil
	case domain.ActionLogRepetition:
		return foldRepetition(s, state, evt)
	case domain.ActionLogReschedule:
		return foldReschedule(state, evt)
	case domain.ActionLogUpdateMetadata:
		return foldUpdateMetadata(state, evt)
	default:
		return zeroOr(state), fmt.Errorf("%w: unknown action log type %q", ErrInvalidLog, evt.Type)
	}
}

func zeroOr(state *domain.TaskState) domain.TaskState {
	if state == nil {
		return domain.TaskState{}
	}
	return *state
}

func foldIngest(s scheduling.Scheduler, state *domain.TaskState, evt domain.Event) domain.TaskState {
	if state != nil {
		next := *state
		if next.Provenance == nil && evt.Provenance != nil {
			next.Provenance = evt.Provenance
		}
		return next
	}
	interval, due := s.Initial(evt.TimestampMillis)
	return domain.TaskState{
		TaskID:             evt.EntityID,
		CreatedAtMillis:    evt.TimestampMillis,
		DueTimestampMillis: due,
		Interval:           interval,
		Provenance:         evt.Provenance,
	}
}

func foldRepetition(s scheduling.Scheduler, state *domain.TaskState, evt domain.Event) (domain.TaskState, error) {
	if state == nil {
		return domain.TaskState{}, ErrNoBaseState
	}
	interval, due, err := s.Next(state.Interval, evt.Outcome, evt.TimestampMillis)
	if err != nil {
		return *state, err
	}
	next := *state
	next.Interval = interval
	next.DueTimestampMillis = due
	return next, nil
}

func foldReschedule(state *domain.TaskState, evt domain.Event) (domain.TaskState, error) {
	if state == nil {
		return domain.TaskState{}, ErrNoBaseState
	}
	if evt.NewTimestampMillis == nil {
		return *state, fmt.Errorf("%w: reschedule without newTimestampMillis", ErrInvalidLog)
	}
	if *evt.NewTimestampMillis < 0 {
		return *state, fmt.Errorf("%w: newTimestampMillis %d is negative", ErrInvalidLog, *evt.NewTimestampMillis)
	}
	if state.Interval.IntervalMillis < 0 {
		return *state, fmt.Errorf("%w: interval=%d", scheduling.ErrInvalidInterval, state.Interval.IntervalMillis)
	}
	next := *state
	next.DueTimestampMillis = *evt.NewTimestampMillis
	return next, nil
}

func foldUpdateMetadata(state *domain.TaskState, evt domain.Event) (domain.TaskState, error) {
	if state == nil {
		return domain.TaskState{}, ErrNoBaseState
	}
	if evt.Updates == nil {
		return *state, fmt.Errorf("%w: updateMetadata without updates", ErrInvalidLog)
	}
	next := *state
	if evt.Updates.IsDeleted != nil {
		next.IsDeleted = *evt.Updates.IsDeleted
	}
	if evt.Updates.Provenance != nil {
		next.Provenance = evt.Updates.Provenance
	}
	return next, nil
}
