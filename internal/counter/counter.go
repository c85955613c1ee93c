package counter

import (
	"context"

	"reviewlog/internal/domain"
)

// Store is the per-user counter primitive. Increment must be atomic on its own.
type Store interface {
	IncrementActiveTaskCount(ctx context.Context, userID string, delta int) error
	ActiveTaskCount(ctx context.Context, userID string) (int64, error)
}

// Delta is +1 when a task becomes active, -1 when it stops being active, else 0.
func Delta(old, updated *domain.TaskState) int {
	was, is := old.Active(), updated.Active()
	switch {
	case !was && is:
		return 1
	case was && !is:
		return -1
	default:
		return 0
	}
}

// Maintainer applies snapshot transitions to the active task counter.
type Maintainer struct {
	Store Store
}

// Apply records the transition from old to updated and returns the delta applied.
func (m Maintainer) Apply(ctx context.Context, userID string, old, updated *domain.TaskState) (int, error) {
	d := Delta(old, updated)
	if d == 0 {
		return 0, nil
	}
	if err := m.Store.IncrementActiveTaskCount(ctx, userID, d); err != nil {
		return 0, err
	}
	return d, nil
}

func (m Maintainer) ActiveTaskCount(ctx context.Context, userID string) (int64, error) {
	return m.Store.ActiveTaskCount(ctx, userID)
}
