// Package sched implements the scheduler core of spec.md 4.3: the
// switcher, anti-starvation policy, idle tasks, and trace hook. It is
// generic over the fiber representation so the fiber package (goroutine +
// channel based "stackful" fibers) can live in the importing root package
// without a circular import; this mirrors spec.md 9's requirement that
// "the scheduler is agnostic; it requires only transfer(target, value),
// current(), alive?".
package sched

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/fiberrt/fiberrt/internal/constants"
	"github.com/fiberrt/fiberrt/internal/interfaces"
	"github.com/fiberrt/fiberrt/internal/runqueue"
)

// Handle is everything the scheduler needs from a fiber: a way to
// transfer control into it and read back its resume value, a liveness
// check, and a way to clear its runnable marker right before dispatch.
type Handle interface {
	Transfer(value any) any
	Alive() bool
	ClearRunnable()
}

// Config holds the recognized scheduler options of spec.md 6.
type Config struct {
	IdleGCPeriod time.Duration
	IdleProc     func()
	TraceProc    interfaces.TraceFunc
}

// DefaultConfig mirrors the teacher's DefaultParams-style constructor.
func DefaultConfig() Config {
	return Config{IdleGCPeriod: constants.DefaultIdleGCPeriod}
}

// Scheduler owns one thread's runqueue, parked-runqueue, and backend, and
// is the single control path deciding which fiber runs next (spec.md
// 2, 4.3). Not safe for concurrent use except Schedule, which may be
// called cross-thread (spec.md 5's one legal cross-thread operation).
type Scheduler struct {
	backend interfaces.Backend
	cfg     Config

	runq   *runqueue.Queue[Handle, any]
	parked *runqueue.Queue[Handle, any]

	current Handle

	switchCount uint64
	opCount     uint64
	pollCount   uint64

	lastGC time.Time

	polling atomic.Bool
}

// New creates a scheduler bound to backend.
func New(backend interfaces.Backend, cfg Config) *Scheduler {
	return &Scheduler{
		backend: backend,
		cfg:     cfg,
		runq:    runqueue.New[Handle, any](),
		parked:  runqueue.New[Handle, any](),
		lastGC:  time.Now(),
	}
}

// Backend returns the bound backend.
func (s *Scheduler) Backend() interfaces.Backend { return s.backend }

// Current returns the fiber currently executing on this scheduler's
// thread, or nil if the thread itself (not a fiber) is running.
func (s *Scheduler) Current() Handle { return s.current }

// Schedule stages value for fiber and, if it is not already runnable,
// appends (or, with priority, prepends) it to the appropriate runqueue
// (spec.md 4.3). Safe to call from another OS thread; if this scheduler
// is currently blocked in a poll, it is woken via the backend's notifier
// so the schedule is observed promptly (spec.md 5's cross-thread rule).
func (s *Scheduler) Schedule(fiber Handle, value any, priority bool) {
	q := s.runq
	// A parked fiber is only ever migrated back to the normal runqueue by
	// Unpark; Schedule still stages its value if it is parked so the
	// value is ready when it is unparked.
	if s.parked.Contains(fiber) {
		q = s.parked
	}
	if priority {
		q.Unshift(fiber, value, true)
	} else {
		q.Push(fiber, value, true)
	}
	s.trace(interfaces.TraceSchedule, fiber, value)

	if s.polling.Load() {
		if n := s.backend.Notifier(); n != nil {
			_ = n.Notify()
		}
	}
}

// Unschedule removes fiber from whichever runqueue holds it, if any.
func (s *Scheduler) Unschedule(fiber Handle) {
	s.runq.Delete(fiber)
	s.parked.Delete(fiber)
}

// Park moves fiber from the normal runqueue to the parked runqueue. A
// fiber that is not presently staged to run is left alone: no park state
// is recorded anywhere else, so Park has no effect on it.
func (s *Scheduler) Park(fiber Handle) {
	runqueue.Migrate(s.runq, s.parked, fiber, false)
}

// Unpark moves fiber back from the parked runqueue to the normal one.
func (s *Scheduler) Unpark(fiber Handle) {
	runqueue.Migrate(s.parked, s.runq, fiber, false)
}

func (s *Scheduler) trace(event interfaces.TraceEvent, fiber interface{}, value interface{}, args ...interface{}) {
	if s.cfg.TraceProc != nil {
		s.cfg.TraceProc(event, fiber, value, args...)
	}
}

// SwitchToNext implements the single control path of spec.md 4.3: shift
// the next runnable fiber, enforce anti-starvation, run idle tasks when
// the runqueue is empty, and transfer control. It returns (value, true)
// when it handed off to (or returned from) a fiber, and (nil, false)
// when there is no more work for this scheduler to do.
func (s *Scheduler) SwitchToNext(ctx context.Context) (any, bool) {
	for {
		entry, ok := s.runq.Shift()
		if ok {
			s.switchCount++
			if s.backend.PendingOps() > 0 {
				if s.switchCount%constants.AntiStarvationSwitches == 0 || entry.Fiber == s.current {
					s.trace(interfaces.TraceSpin, nil, nil)
					_ = s.pollOnce(ctx, false)
				}
			}
			return s.dispatch(entry.Fiber, entry.Value), true
		}

		s.runIdlePass(ctx)

		if s.backend.PendingOps() == 0 {
			return nil, false
		}

		if err := s.pollOnce(ctx, true); err != nil {
			return nil, false
		}
	}
}

func (s *Scheduler) runIdlePass(ctx context.Context) {
	if s.cfg.IdleProc != nil {
		s.cfg.IdleProc()
	}
	if s.cfg.IdleGCPeriod > 0 && time.Since(s.lastGC) >= s.cfg.IdleGCPeriod {
		s.lastGC = time.Now()
		runtime.GC()
	}
}

func (s *Scheduler) pollOnce(ctx context.Context, blocking bool) error {
	s.trace(interfaces.TraceEnterPoll, nil, nil)
	s.polling.Store(blocking)
	err := s.backend.Poll(ctx, blocking)
	s.polling.Store(false)
	s.pollCount++
	s.trace(interfaces.TraceLeavePoll, nil, nil)
	return err
}

func (s *Scheduler) dispatch(fiber Handle, value any) any {
	fiber.ClearRunnable()
	if fiber == s.current {
		return value
	}
	s.trace(interfaces.TraceUnblock, fiber, value)
	prev := s.current
	s.current = fiber
	result := fiber.Transfer(value)
	s.current = prev
	return result
}

// Stats returns and resets the counters named in spec.md 6.
func (s *Scheduler) Stats() interfaces.Stats {
	st := interfaces.Stats{
		RunqueueSize:   s.runq.Len(),
		RunqueueLength: s.runq.Len(),
		RunqueueMaxLen: s.runq.HighWaterMark(),
		OpCount:        s.opCount,
		SwitchCount:    s.switchCount,
		PollCount:      s.pollCount,
		PendingOps:     s.backend.PendingOps(),
	}
	s.switchCount, s.opCount, s.pollCount = 0, 0, 0
	return st
}

// RecordOp increments the op-count counter. Nothing in this module calls
// it, so Stats reports an OpCount of zero unless a caller records ops.
func (s *Scheduler) RecordOp() { s.opCount++ }
