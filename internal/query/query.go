package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reviewlog/internal/domain"
	"reviewlog/internal/repo"
	"reviewlog/internal/scheduling"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Store is the read side of the repository.
type Store interface {
	ListEntities(ctx context.Context, userID string, f repo.EntityFilter) ([]domain.EntityRecord, error)
	GetEntities(ctx context.Context, userID string, ids []string) (map[string]domain.EntityRecord, error)
	ListEvents(ctx context.Context, userID string, q domain.EventQuery) ([]domain.Event, error)
}

// Engine serves paginated reads over snapshots and events.
type Engine struct {
	Store       Store
	FuzzyBucket time.Duration
}

type EntityPage struct {
	Items   []domain.EntityRecord
	HasMore bool
}

type EventPage struct {
	Items   []domain.Event
	HasMore bool
}

// NormalizeLimit maps an unset limit to the default and rejects the rest of the out-of-range values.
func NormalizeLimit(limit int) (int, error) {
	switch {
	case limit == 0:
		return DefaultLimit, nil
	case limit < 0:
		return 0, domain.NewValidationError("limit", "must be >= 1")
	case limit > MaxLimit:
		return 0, domain.NewValidationError("limit", "must be <= %d", MaxLimit)
	}
	return limit, nil
}

// ListEntities returns snapshots in creation order. With a due filter only
// non-deleted tasks due by the fuzzy threshold are returned.
func (e Engine) ListEntities(ctx context.Context, userID string, q domain.EntityQuery) (EntityPage, error) {
	limit, err := NormalizeLimit(q.Limit)
	if err != nil {
		return EntityPage{}, err
	}
	f := repo.EntityFilter{AfterID: q.AfterID, Limit: limit + 1}
	if q.DueBeforeTimestampMillis != nil {
		threshold := scheduling.FuzzyDueThreshold(*q.DueBeforeTimestampMillis, e.FuzzyBucket)
		f.DueThreshold = &threshold
	}
	items, err := e.Store.ListEntities(ctx, userID, f)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return EntityPage{}, fmt.Errorf("afterID %s does not exist: %w", q.AfterID, domain.ErrNotFound)
		}
		return EntityPage{}, err
	}
	page := EntityPage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.HasMore = true
	}
	return page, nil
}

// GetEntities returns the snapshots found among ids.
func (e Engine) GetEntities(ctx context.Context, userID string, ids []string) (map[string]domain.EntityRecord, error) {
	return e.Store.GetEntities(ctx, userID, ids)
}

// GetEntity returns one snapshot or ErrNotFound.
func (e Engine) GetEntity(ctx context.Context, userID, id string) (domain.EntityRecord, error) {
	found, err := e.Store.GetEntities(ctx, userID, []string{id})
	if err != nil {
		return domain.EntityRecord{}, err
	}
	rec, ok := found[id]
	if !ok {
		return domain.EntityRecord{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return rec, nil
}

// ListEvents returns raw events in store order for sync and audit.
func (e Engine) ListEvents(ctx context.Context, userID string, q domain.EventQuery) (EventPage, error) {
	limit, err := NormalizeLimit(q.Limit)
	if err != nil {
		return EventPage{}, err
	}
	q.Limit = limit + 1
	items, err := e.Store.ListEvents(ctx, userID, q)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return EventPage{}, fmt.Errorf("afterID %s does not exist: %w", q.AfterID, domain.ErrNotFound)
		}
		return EventPage{}, err
	}
	page := EventPage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.HasMore = true
	}
	return page, nil
}
