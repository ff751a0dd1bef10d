package fiberrt

import "sync"

// Event is a single-waiter signal primitive (spec.md 4.8): a fiber calls
// Await to block until another fiber (or a completion callback) calls
// Signal. Unlike Queue, an Event holds no value history; Signal after
// the event already fired is a no-op, and a second concurrent Await
// before Signal is a caller error (spec.md 4.8's single-waiter
// invariant) since it would leave one of the two waiters parked
// forever.
type Event struct {
	mu        sync.Mutex
	signalled bool
	waiter    *Fiber
}

// NewEvent creates an unsignalled event.
func NewEvent() *Event { return &Event{} }

// Await blocks the calling fiber until the event is signalled, or
// returns immediately if it already was. Returns an error if another
// fiber is already awaiting this event.
func (e *Event) Await(f *Fiber) error {
	e.mu.Lock()
	if e.signalled {
		e.mu.Unlock()
		return nil
	}
	if e.waiter != nil {
		e.mu.Unlock()
		return ArgumentError("event-await", "event already has a waiter")
	}
	e.waiter = f
	e.mu.Unlock()

	result := f.Await()
	if err, ok := result.(error); ok {
		return err
	}
	return nil
}

// Signal marks the event as fired and wakes its waiter, if any. Safe to
// call from a different thread than the waiter's (spec.md 5): the
// actual resumption still goes through that thread's scheduler, which
// Schedule notifies if it is currently blocked in a poll.
func (e *Event) Signal() {
	e.mu.Lock()
	if e.signalled {
		e.mu.Unlock()
		return
	}
	e.signalled = true
	w := e.waiter
	e.waiter = nil
	e.mu.Unlock()

	if w != nil {
		w.Thread().ScheduleFiber(w, nil)
	}
}

// Clear resets the event back to unsignalled, so it can be reused. Any
// fiber blocked in Await at the time Clear is called is unaffected;
// Clear only changes the state future Await calls observe.
func (e *Event) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signalled = false
}

// Signalled reports the event's current state without blocking.
func (e *Event) Signalled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.signalled
}
