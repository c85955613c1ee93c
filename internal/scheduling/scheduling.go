package scheduling

import (
	"errors"
	"fmt"
	"math"
	"time"

	"reviewlog/internal/domain"
)

var ErrInvalidInterval = errors.New("invalid interval state")

// Params configures the review interval formula.
type Params struct {
	InitialInterval time.Duration
	Growth          float64
	RetryDelay      time.Duration
}

// DefaultParams returns the stock interval formula.
func DefaultParams() Params {
	return Params{
		InitialInterval: 5 * 24 * time.Hour,
		Growth:          2.3,
		RetryDelay:      10 * time.Minute,
	}
}

// Scheduler computes interval and due-date transitions. It is a pure value.
type Scheduler struct {
	Params Params
}

func New(p Params) Scheduler {
	return Scheduler{Params: p}
}

// Initial returns the state for a newly ingested task: due immediately.
func (s Scheduler) Initial(timestampMillis int64) (domain.IntervalState, int64) {
	return domain.IntervalState{}, timestampMillis
}

// Next applies one review outcome to prior and returns the new interval and due time.
func (s Scheduler) Next(prior domain.IntervalState, outcome domain.Outcome, timestampMillis int64) (domain.IntervalState, int64, error) {
	if prior.IntervalMillis < 0 || prior.RepetitionCount < 0 {
		return prior, 0, fmt.Errorf("%w: interval=%d repetitions=%d", ErrInvalidInterval, prior.IntervalMillis, prior.RepetitionCount)
	}
	initial := s.Params.InitialInterval.Milliseconds()
	retry := s.Params.RetryDelay.Milliseconds()
	next := prior
	switch outcome {
	case domain.OutcomeRemembered:
		grown := int64(float64(prior.IntervalMillis) * s.Params.Growth)
		next.IntervalMillis = max(initial, grown)
		next.LastReviewTimestampMillis = timestampMillis
		next.RepetitionCount++
		return next, timestampMillis + next.IntervalMillis, nil
	case domain.OutcomeForgotten:
		next.IntervalMillis = max(initial, prior.IntervalMillis/2)
		next.LastReviewTimestampMillis = timestampMillis
		next.RepetitionCount++
		return next, timestampMillis + retry, nil
	case domain.OutcomeSkipped:
		return next, timestampMillis + retry, nil
	default:
		return prior, 0, fmt.Errorf("unknown outcome %q", outcome)
	}
}

// FuzzyDueThreshold rounds ts up to the next multiple of bucket so that tasks
// due within the same bucket are selected together.
func FuzzyDueThreshold(ts int64, bucket time.Duration) int64 {
	b := bucket.Milliseconds()
	if b <= 0 {
		return ts
	}
	rem := ts % b
	if rem == 0 {
		return ts
	}
	if rem < 0 {
		return ts - rem
	}
	if ts > math.MaxInt64-(b-rem) {
		return math.MaxInt64
	}
	return ts + (b - rem)
}
