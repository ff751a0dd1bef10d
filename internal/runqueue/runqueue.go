// Package runqueue implements the ordered set of (fiber, resume-value)
// entries the scheduler drains, plus the separate parked-runqueue used by
// Fiber.Park/Unpark (spec.md 4.2).
package runqueue

import "github.com/fiberrt/fiberrt/internal/ring"

// Entry is a single (fiber, resume-value) pair, per spec.md 3.
type Entry[F comparable, V any] struct {
	Fiber F
	Value V
}

// Queue is a FIFO of entries with a high-water-mark counter and the
// invariant that a fiber appears at most once: re-scheduling an
// already-runnable fiber updates its staged value rather than adding a
// duplicate entry (spec.md 3, 4.2).
type Queue[F comparable, V any] struct {
	r         *ring.Ring[Entry[F, V]]
	highWater int
}

// New creates an empty runqueue.
func New[F comparable, V any]() *Queue[F, V] {
	return &Queue[F, V]{r: ring.New[Entry[F, V]]()}
}

// Len returns the number of entries currently queued.
func (q *Queue[F, V]) Len() int { return q.r.Len() }

// HighWaterMark returns the largest Len() ever observed.
func (q *Queue[F, V]) HighWaterMark() int { return q.highWater }

func (q *Queue[F, V]) trackHighWater() {
	if n := q.r.Len(); n > q.highWater {
		q.highWater = n
	}
}

// Contains reports whether fiber already has a staged entry.
func (q *Queue[F, V]) Contains(fiber F) bool {
	found := false
	q.r.Each(func(e Entry[F, V]) {
		if e.Fiber == fiber {
			found = true
		}
	})
	return found
}

// Push appends (fiber, value) at the tail. If reschedule is true, any
// existing entry for fiber is deleted first so the fiber ends up with
// exactly one entry holding the most recent value.
func (q *Queue[F, V]) Push(fiber F, value V, reschedule bool) {
	if reschedule {
		q.Delete(fiber)
	}
	q.r.PushBack(Entry[F, V]{Fiber: fiber, Value: value})
	q.trackHighWater()
}

// Unshift is Push but at the head, for priority scheduling.
func (q *Queue[F, V]) Unshift(fiber F, value V, reschedule bool) {
	if reschedule {
		q.Delete(fiber)
	}
	q.r.PushFront(Entry[F, V]{Fiber: fiber, Value: value})
	q.trackHighWater()
}

// Shift pops the next entry in FIFO order.
func (q *Queue[F, V]) Shift() (Entry[F, V], bool) {
	return q.r.Shift()
}

// Delete removes fiber's entry, if any, returning its staged value.
func (q *Queue[F, V]) Delete(fiber F) (V, bool) {
	var out V
	found := false
	q.r.DeleteFunc(func(e Entry[F, V]) bool {
		if e.Fiber == fiber {
			out = e.Value
			found = true
			return true
		}
		return false
	})
	return out, found
}

// Migrate deletes fiber's entry from `from` (if present) and pushes it
// onto `to` with the same value, used by Fiber.Park/Unpark (spec.md 4.2).
// Returns false if fiber had no entry in `from`.
func Migrate[F comparable, V any](from, to *Queue[F, V], fiber F, priority bool) bool {
	value, ok := from.Delete(fiber)
	if !ok {
		return false
	}
	if priority {
		to.Unshift(fiber, value, false)
	} else {
		to.Push(fiber, value, false)
	}
	return true
}
