// Package interfaces provides the shared internal contracts between the
// scheduler core and the two blocking-operation backends. It mirrors the
// teacher's internal/interfaces split: kept separate from the public
// package to avoid a circular import between it and the backend packages.
package interfaces

import "context"

// Logger is the minimal logging surface the scheduler and backends need.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// TraceEvent names the kinds of events a trace-proc can observe, per
// spec.md 4.3/6.
type TraceEvent int

const (
	TraceSpin TraceEvent = iota
	TraceEnterPoll
	TraceLeavePoll
	TraceUnblock
	TraceSchedule
	TraceBlock
	TraceTerminate
)

func (e TraceEvent) String() string {
	switch e {
	case TraceSpin:
		return "spin"
	case TraceEnterPoll:
		return "enter-poll"
	case TraceLeavePoll:
		return "leave-poll"
	case TraceUnblock:
		return "unblock"
	case TraceSchedule:
		return "schedule"
	case TraceBlock:
		return "block"
	case TraceTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// TraceFunc receives trace records; fiber/value are optional context for
// the event (nil when not applicable).
type TraceFunc func(event TraceEvent, fiber interface{}, value interface{}, args ...interface{})

// Notifier is the cross-thread wakeup capability, per spec.md 9
// ("Cross-thread signalling"). A backend implements it with whatever
// mechanism fits: an eventfd write for the completion backend, an
// async watcher for the readiness backend.
type Notifier interface {
	// Arm prepares the notifier to receive a future Notify from another
	// thread (idempotent).
	Arm() error
	// Notify wakes the owning thread's blocked poll, if any. Safe to call
	// from any goroutine/thread.
	Notify() error
	// Close releases resources held by the notifier.
	Close() error
}

// Backend is the contract the scheduler drives: it knows how to perform a
// blocking operation cooperatively, either by batching submissions to a
// completion ring (io_uring) or by registering readiness watchers (epoll).
// Both concrete backends (internal/completion, internal/readiness)
// implement this.
type Backend interface {
	// Kind identifies the backend implementation ("io_uring" | "libev").
	Kind() string

	// Poll processes kernel-reported events once. If blocking is true and
	// there is at least one pending op, it blocks until something
	// completes or the notifier fires; otherwise it returns immediately
	// after draining whatever is already available.
	Poll(ctx context.Context, blocking bool) error

	// PendingOps reports the number of outstanding operations the
	// backend is waiting on.
	PendingOps() int

	// Notifier returns the backend's cross-thread wakeup capability.
	Notifier() Notifier

	// WaitEvent blocks the calling goroutine with no associated op until
	// ctx is done or a backend-specific wake arrives (the completion
	// backend's eventfd poll completing). Event.Await and Queue.Shift do
	// not call it; they suspend through Fiber.Await.
	WaitEvent(ctx context.Context) error

	// Close releases all backend resources (ring fds, epoll fd, etc).
	Close() error
}

// Stats is the counters mapping described in spec.md 6; reset on read.
type Stats struct {
	RunqueueSize     int
	RunqueueLength   int
	RunqueueMaxLen   int
	OpCount          uint64
	SwitchCount      uint64
	PollCount        uint64
	PendingOps       int
}
