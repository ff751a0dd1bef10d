package fiberrt

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/fiberrt/fiberrt/internal/completion"
	"github.com/fiberrt/fiberrt/internal/constants"
	"github.com/fiberrt/fiberrt/internal/interfaces"
	"github.com/fiberrt/fiberrt/internal/logging"
	"github.com/fiberrt/fiberrt/internal/readiness"
	"github.com/fiberrt/fiberrt/internal/sched"
)

// BackendKind selects which of the two backend implementations a Thread
// is built on (spec.md 4.5/4.6).
type BackendKind int

const (
	// BackendAuto tries io_uring first and falls back to the epoll
	// backend if the kernel or binding is unavailable, mirroring the
	// teacher's real-ring-with-stub-fallback build strategy.
	BackendAuto BackendKind = iota
	BackendIOUring
	BackendLibev
)

// Thread owns one scheduler, one backend, and the single goroutine that
// drives SwitchToNext; it is the runtime's unit of true OS-level
// parallelism (spec.md 2's "N threads, each single-control-path").
type Thread struct {
	mu        sync.Mutex
	scheduler *sched.Scheduler
	backend   interfaces.Backend
	kind      BackendKind
	logger    interfaces.Logger

	running atomic.Bool
}

var (
	defaultThreadOnce sync.Once
	defaultThread     *Thread
	defaultThreadErr  error
)

// CurrentThread returns the process-wide default thread, lazily
// constructing its backend on first use (spec.md 6's per-thread lazy
// backend construction). Most single-threaded programs only ever need
// this one; multi-threaded ones call NewThread explicitly per OS
// thread.
func CurrentThread() (*Thread, error) {
	defaultThreadOnce.Do(func() {
		defaultThread, defaultThreadErr = NewThread(BackendAuto)
	})
	return defaultThread, defaultThreadErr
}

// NewThread constructs a thread with its own scheduler and backend. The
// backend is opened immediately (not deferred further) since a thread
// with no working backend cannot usefully exist.
func NewThread(kind BackendKind) (*Thread, error) {
	logger := logging.Default()
	backend, resolvedKind, err := openBackend(kind, logger)
	if err != nil {
		return nil, SystemError("new-thread", err)
	}

	t := &Thread{
		kind:   resolvedKind,
		logger: logger,
	}
	t.scheduler = sched.New(backend, sched.DefaultConfig())
	t.backend = backend
	return t, nil
}

func openBackend(kind BackendKind, logger interfaces.Logger) (interfaces.Backend, BackendKind, error) {
	switch kind {
	case BackendIOUring:
		b, err := completion.New(constants.DefaultPreparedLimit, logger)
		return b, BackendIOUring, err
	case BackendLibev:
		b, err := readiness.New(logger)
		return b, BackendLibev, err
	default:
		if b, err := completion.New(constants.DefaultPreparedLimit, logger); err == nil {
			return b, BackendIOUring, nil
		}
		b, err := readiness.New(logger)
		return b, BackendLibev, err
	}
}

// BackendKind reports which backend this thread ended up on (relevant
// mainly after BackendAuto resolution).
func (t *Thread) BackendKind() BackendKind { return t.kind }

// Spawn creates and schedules a new fiber on this thread, returning
// immediately; the fiber's body does not run until this thread's loop
// next switches into it.
func (t *Thread) Spawn(name string, body Body) *Fiber {
	f := NewFiber(t, name, body)
	t.ScheduleFiber(f, nil)
	return f
}

// ScheduleFiber stages f to run with the given resume value, appending
// it to the back of the runqueue. Safe to call cross-thread (spec.md 5).
func (t *Thread) ScheduleFiber(f *Fiber, value any) {
	f.markRunnable()
	t.scheduler.Schedule(f, value, false)
}

// ScheduleFiberWithPriority is ScheduleFiber but prepends f to the front
// of the runqueue, for resumptions that should preempt already-queued
// work (spec.md 4.3's priority scheduling).
func (t *Thread) ScheduleFiberWithPriority(f *Fiber, value any) {
	f.markRunnable()
	t.scheduler.Schedule(f, value, true)
}

// UnscheduleFiber removes f from whichever runqueue holds it, if any.
func (t *Thread) UnscheduleFiber(f *Fiber) {
	t.scheduler.Unschedule(f)
}

// ParkFiber moves f to the parked runqueue, out of the ordinary
// scheduling rotation, until UnparkFiber is called (spec.md 4.3's
// park/unpark migration); a parked fiber is not counted in the
// runqueue stats.
func (t *Thread) ParkFiber(f *Fiber) { t.scheduler.Park(f) }

// UnparkFiber moves f back to the ordinary runqueue.
func (t *Thread) UnparkFiber(f *Fiber) { t.scheduler.Unpark(f) }

// Current returns the fiber presently executing on this thread, or nil
// if the thread's own driving loop is running instead of a fiber.
func (t *Thread) Current() *Fiber {
	h := t.scheduler.Current()
	if h == nil {
		return nil
	}
	f, _ := h.(*Fiber)
	return f
}

// SwitchFiber runs exactly one iteration of the scheduler's single
// control path: shift the next runnable fiber (polling the backend as
// needed) and transfer into it. It returns false when there is no more
// work at all (no runnable fibers and no pending backend operations).
func (t *Thread) SwitchFiber(ctx context.Context) (any, bool) {
	return t.scheduler.SwitchToNext(ctx)
}

// Run drives this thread's scheduler until SwitchFiber reports no more
// work, or ctx is cancelled. This is the thread's main loop; callers
// that spawn fibers and then want the program to actually execute them
// call Run once, typically from main().
func (t *Thread) Run(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return BugError("thread-run", "thread is already running")
	}
	defer t.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if _, more := t.SwitchFiber(ctx); !more {
			return nil
		}
	}
}

// PinCPU locks the calling goroutine to its current OS thread and sets
// that thread's CPU affinity to cpu, so a Thread's Run loop stays on one
// core for its whole lifetime. Run must be called from the same
// goroutine immediately afterward: LockOSThread only pins the goroutine
// issuing it, the same requirement ublk's per-queue ioLoop has for its
// char-device thread affinity. Affinity failure is logged at debug level
// and returned as a SystemError.
func (t *Thread) PinCPU(cpu int) error {
	runtime.LockOSThread()
	var mask unix.CPUSet
	mask.Set(cpu)
	if err := unix.SchedSetaffinity(0, &mask); err != nil {
		t.logger.Debugf("thread: failed to set CPU affinity to %d: %v", cpu, err)
		return SystemError("pin-cpu", err)
	}
	t.logger.Debugf("thread: pinned to CPU %d", cpu)
	return nil
}

// Backend returns the thread's io backend, for primitives (Pipe, raw
// socket helpers) that need to submit operations directly.
func (t *Thread) Backend() interfaces.Backend { return t.backend }

// Stats returns and resets this thread's scheduler counters (spec.md 6).
func (t *Thread) Stats() Stats { return fromInternal(t.scheduler.Stats()) }

// Close shuts down the thread's backend. Any fibers still alive on it
// are left as-is; closing a thread with live fibers is a caller error
// the same way closing a pipe with a pending reader is.
func (t *Thread) Close() error {
	return t.backend.Close()
}

// PostFork reinitializes this thread's backend and scheduler after
// fork(2): inherited io_uring and epoll file descriptors are not safe
// to share across the fork, so the child must open fresh ones and start
// with empty runqueues, mirroring the source's per-process Thread setup
// hook. Go programs rarely fork without exec, but os/exec's
// implementation and cgo callers that do raw fork(2) still need this
// reset path.
func (t *Thread) PostFork() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.backend.Close()
	backend, kind, err := openBackend(t.kind, t.logger)
	if err != nil {
		return SystemError("post-fork", err)
	}
	t.kind = kind
	t.backend = backend
	t.scheduler = sched.New(backend, sched.DefaultConfig())
	return nil
}
