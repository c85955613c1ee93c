package replay

import (
	"container/heap"
	"sort"

	"reviewlog/internal/domain"
)

// before is the tiebreak among logs that are causally unordered.
func before(a, b domain.Event) bool {
	if a.TimestampMillis != b.TimestampMillis {
		return a.TimestampMillis < b.TimestampMillis
	}
	return a.ID < b.ID
}

type readyQueue []domain.Event

func (q readyQueue) Len() int           { return len(q) }
func (q readyQueue) Less(i, j int) bool { return before(q[i], q[j]) }
func (q readyQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *readyQueue) Push(x any)        { *q = append(*q, x.(domain.Event)) }
func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	x := old[n-1]
	*q = old[:n-1]
	return x
}

// Dedupe keeps the first occurrence of each event ID.
func Dedupe(events []domain.Event) []domain.Event {
	seen := make(map[string]bool, len(events))
	out := make([]domain.Event, 0, len(events))
	for _, e := range events {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		out = append(out, e)
	}
	return out
}

// CausalOrder returns events so that every log follows the parents it names.
// Among logs whose parents are all placed, the earliest (timestamp, ID) goes
// next. Parents missing from the set count as satisfied. Input order has no
// effect on the result. A cycle is broken by the same tiebreak.
func CausalOrder(events []domain.Event) []domain.Event {
	events = Dedupe(events)
	byID := make(map[string]domain.Event, len(events))
	for _, e := range events {
		byID[e.ID] = e
	}
	pending := make(map[string]int, len(events))
	children := make(map[string][]string, len(events))
	for _, e := range events {
		parents := make(map[string]bool, len(e.ParentActionLogIDs))
		for _, p := range e.ParentActionLogIDs {
			if _, ok := byID[p]; !ok || p == e.ID || parents[p] {
				continue
			}
			parents[p] = true
			pending[e.ID]++
			children[p] = append(children[p], e.ID)
		}
	}

	q := &readyQueue{}
	for _, e := range events {
		if pending[e.ID] == 0 {
			*q = append(*q, e)
		}
	}
	heap.Init(q)

	placed := make(map[string]bool, len(events))
	out := make([]domain.Event, 0, len(events))
	for len(out) < len(events) {
		if q.Len() == 0 {
			heap.Push(q, earliestUnplaced(events, placed))
		}
		e := heap.Pop(q).(domain.Event)
		if placed[e.ID] {
			continue
		}
		placed[e.ID] = true
		out = append(out, e)
		for _, c := range children[e.ID] {
			pending[c]--
			if pending[c] == 0 && !placed[c] {
				heap.Push(q, byID[c])
			}
		}
	}
	return out
}

func earliestUnplaced(events []domain.Event, placed map[string]bool) domain.Event {
	var rest []domain.Event
	for _, e := range events {
		if !placed[e.ID] {
			rest = append(rest, e)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return before(rest[i], rest[j]) })
	return rest[0]
}
