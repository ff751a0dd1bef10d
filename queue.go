package fiberrt

import (
	"sync"

	"github.com/fiberrt/fiberrt/internal/ring"
)

// Queue is a multi-producer, multi-consumer FIFO message queue (spec.md
// 4.9): any fiber may Push or Unshift a value, and any fiber may Shift
// one, blocking if the queue is currently empty. Built on the same
// generic ring buffer the runqueue uses, generalized from "queue of
// runnable fibers" to "queue of arbitrary values with a queue of
// waiting fibers on the empty side".
type Queue struct {
	mu      sync.Mutex
	items   *ring.Ring[any]
	waiters *ring.Ring[*Fiber]
	closed  bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{items: ring.New[any](), waiters: ring.New[*Fiber]()}
}

// Push appends v to the back of the queue, waking the oldest blocked
// waiter if one is present.
func (q *Queue) Push(v any) { q.push(v, false) }

// Unshift prepends v to the front of the queue, for senders that need
// to cut the line (e.g. re-delivering a message after a failed
// handler).
func (q *Queue) Unshift(v any) { q.push(v, true) }

func (q *Queue) push(v any, front bool) {
	q.mu.Lock()
	if w, ok := q.waiters.Shift(); ok {
		q.mu.Unlock()
		w.Thread().ScheduleFiber(w, v)
		return
	}
	if front {
		q.items.PushFront(v)
	} else {
		q.items.PushBack(v)
	}
	q.mu.Unlock()
}

// Shift blocks the calling fiber until a value is available, then
// returns it. Returns ClosedResourceError if the queue is closed and
// drained.
func (q *Queue) Shift(f *Fiber) (any, error) {
	q.mu.Lock()
	if v, ok := q.items.Shift(); ok {
		q.mu.Unlock()
		return v, nil
	}
	if q.closed {
		q.mu.Unlock()
		return nil, ClosedResourceError("queue-shift")
	}
	q.waiters.PushBack(f)
	q.mu.Unlock()

	result := f.Await()
	if err, ok := result.(error); ok {
		return nil, err
	}
	return result, nil
}

// ShiftAll drains and returns every value currently queued without
// blocking, or blocks once if the queue is empty and returns whatever
// single value arrives.
func (q *Queue) ShiftAll(f *Fiber) ([]any, error) {
	q.mu.Lock()
	if q.items.Len() > 0 {
		out := make([]any, 0, q.items.Len())
		q.items.Each(func(v any) { out = append(out, v) })
		q.items.Clear()
		q.mu.Unlock()
		return out, nil
	}
	q.mu.Unlock()

	v, err := q.Shift(f)
	if err != nil {
		return nil, err
	}
	return []any{v}, nil
}

// ShiftEach blocks until at least one value is available, then invokes
// fn once per value currently queued (spec.md 4.9's batch-consume
// convenience, used by backpressure-sensitive consumers that want to
// process a whole pending batch per wakeup).
func (q *Queue) ShiftEach(f *Fiber, fn func(any)) error {
	values, err := q.ShiftAll(f)
	if err != nil {
		return err
	}
	for _, v := range values {
		fn(v)
	}
	return nil
}

// Empty reports whether the queue currently holds no buffered values
// (waiters aside).
func (q *Queue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len() == 0
}

// Pending returns the number of buffered values not yet shifted.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Clear discards all buffered values without waking any waiters.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items.Clear()
}

// Close marks the queue closed: buffered values already pushed are
// still deliverable via Shift, but once drained, further Shift calls
// return ClosedResourceError instead of blocking forever. Any fiber
// already blocked in Shift is woken with that error.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	var waiters []*Fiber
	for {
		w, ok := q.waiters.Shift()
		if !ok {
			break
		}
		waiters = append(waiters, w)
	}
	q.mu.Unlock()

	for _, w := range waiters {
		w.Thread().ScheduleFiber(w, ClosedResourceError("queue-shift"))
	}
}
