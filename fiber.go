// Package fiberrt implements a cooperative fiber runtime: a single
// control path per OS thread hands execution to exactly one fiber at a
// time, fibers block only at well-defined points (I/O, timers, events,
// queues), and a completion- or readiness-based backend resumes them
// when the thing they were waiting for is ready.
package fiberrt

import (
	"sync/atomic"
)

// State is a fiber's lifecycle stage (spec.md 4.7).
type State int32

const (
	StateRunnable State = iota
	StateRunning
	StateWaiting
	StateDead
)

func (s State) String() string {
	switch s {
	case StateRunnable:
		return "runnable"
	case StateRunning:
		return "running"
	case StateWaiting:
		return "waiting"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Body is a fiber's entry point. arg is the value the fiber was first
// resumed with (spawn's initial argument); its return value becomes the
// fiber's final transfer value once it terminates.
type Body func(f *Fiber, arg any) any

// Fiber is one unit of cooperative execution, built atop a goroutine
// whose only synchronization points are the two unbuffered "baton"
// channels below: since both sides block on an unbuffered send/receive,
// at most one of (the scheduler, this fiber's body) is ever actually
// running, which is what gives the runtime its single-control-path
// guarantee without needing real stackful coroutines.
type Fiber struct {
	id     uint64
	name   string
	thread *Thread

	in  chan any
	out chan any

	state    atomic.Int32
	runnable atomic.Bool

	panicValue any
}

var nextFiberID atomic.Uint64

// NewFiber creates a fiber bound to thread, running body once it is
// first transferred into. It starts in StateRunnable but is not
// scheduled; callers normally use Thread.Spawn instead of calling this
// directly.
func NewFiber(thread *Thread, name string, body Body) *Fiber {
	f := &Fiber{
		id:     nextFiberID.Add(1),
		name:   name,
		thread: thread,
		in:     make(chan any),
		out:    make(chan any),
	}
	f.state.Store(int32(StateRunnable))
	go f.run(body)
	return f
}

func (f *Fiber) run(body Body) {
	arg := <-f.in
	f.state.Store(int32(StateRunning))

	result := func() (res any) {
		defer func() {
			if r := recover(); r != nil {
				f.panicValue = r
				res = r
			}
		}()
		return body(f, arg)
	}()

	f.state.Store(int32(StateDead))
	f.out <- result
}

// ID returns the fiber's runtime-local identifier.
func (f *Fiber) ID() uint64 { return f.id }

// Name returns the fiber's human-readable label, mainly for logging and
// trace hooks.
func (f *Fiber) Name() string { return f.name }

// Thread returns the thread this fiber is bound to.
func (f *Fiber) Thread() *Thread { return f.thread }

// State returns the fiber's current lifecycle stage.
func (f *Fiber) State() State { return State(f.state.Load()) }

// Alive reports whether the fiber has not yet terminated, satisfying
// sched.Handle.
func (f *Fiber) Alive() bool { return State(f.state.Load()) != StateDead }

// Panic returns the recovered panic value if the fiber's body panicked,
// or nil otherwise.
func (f *Fiber) Panic() any { return f.panicValue }

// ClearRunnable satisfies sched.Handle: called by the scheduler right
// before it dispatches into this fiber, so a fiber requeued while
// already mid-dispatch is recognized as newly scheduled rather than
// stale.
func (f *Fiber) ClearRunnable() { f.runnable.Store(false) }

// markRunnable is called by Thread whenever this fiber is scheduled, so
// duplicate-schedule detection and introspection (IsRunnable) stay
// accurate between dispatches.
func (f *Fiber) markRunnable() { f.runnable.Store(true) }

// IsRunnable reports whether the fiber is currently queued to run.
func (f *Fiber) IsRunnable() bool { return f.runnable.Load() }

// Transfer satisfies sched.Handle: hand value into the fiber and block
// until it yields again or terminates, returning whatever it yielded
// (or its final return value).
func (f *Fiber) Transfer(value any) any {
	if !f.Alive() {
		return nil
	}
	f.in <- value
	return <-f.out
}

// Yield suspends the calling fiber's body, handing value back to
// whoever last called Transfer into it, and blocks until the fiber is
// transferred into again. This is the only suspension point in the
// runtime; every blocking primitive (Event, Queue, Pipe, sleep, I/O)
// is built by registering interest somewhere and then calling Yield.
func (f *Fiber) Yield(value any) any {
	f.state.Store(int32(StateWaiting))
	f.out <- value
	resumed := <-f.in
	f.state.Store(int32(StateRunning))
	return resumed
}

// Await is Yield(nil) by another name, used at call sites where no
// value needs to flow back to the resumer (the common case: "park until
// someone schedules me").
func (f *Fiber) Await() any { return f.Yield(nil) }

// Resume schedules the fiber to run with value as its next Await/Yield
// return. It satisfies the small waiter interface the completion
// backend type-asserts against to resume a fiber from a CQE without
// importing the root package (avoiding an import cycle).
func (f *Fiber) Resume(value any) { f.thread.ScheduleFiber(f, value) }
