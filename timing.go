package fiberrt

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/fiberrt/fiberrt/internal/completion"
	"github.com/fiberrt/fiberrt/internal/readiness"
)

// Sleep parks f for at least d (spec.md 6's sleep(seconds)), one of the
// suspension points spec.md 4.3 lists.
func Sleep(f *Fiber, d time.Duration) error {
	switch backend := f.Thread().Backend().(type) {
	case *completion.Backend:
		ts := unix.NsecToTimespec(d.Nanoseconds())
		idx, err := backend.PrepTimeout(&ts, f)
		if err != nil {
			return SystemError("sleep", err)
		}
		v := f.Await()
		if cancelErr, ok := v.(error); ok {
			backend.CancelTimeout(idx)
			return cancelErr
		}
		res, _ := v.(completion.Result)
		backend.Release(idx)
		if res.Errno != 0 && res.Errno != int32(unix.ETIME) {
			return SystemError("sleep", errnoError(res.Errno))
		}
		return nil
	case *readiness.Backend:
		timerID := backend.AddTimer(d, 0, func() {
			f.Resume(nil)
		})
		v := f.Await()
		if cancelErr, ok := v.(error); ok {
			backend.CancelTimer(timerID)
			return cancelErr
		}
		return nil
	default:
		return BugError("sleep", "thread has no recognized backend")
	}
}

// TimerLoop calls yield every interval until yield returns false or f is
// cancelled (spec.md 6's timer-loop(interval){yield}).
func TimerLoop(f *Fiber, interval time.Duration, yield func() bool) error {
	for {
		if err := Sleep(f, interval); err != nil {
			return err
		}
		if !yield() {
			return nil
		}
	}
}

// timeoutSentinel is a fresh error value per Timeout call, used to tell
// "the timeout race fired" apart from any ordinary error block might
// return on its own, including one that happens to be the caller's own
// exception value.
type timeoutSentinel struct{ _ byte }

func (*timeoutSentinel) Error() string { return "fiberrt: timeout" }

// timeoutWaiter adapts a completion-backend timeout CQE into directly
// resuming f with sentinel, instead of the normal Result delivery: f may
// be parked deep inside block's own nested blocking call when the race
// timer fires, and resuming with an error there is exactly the
// cancellation-on-exception path that call is already built to honor.
type timeoutWaiter struct {
	f       *Fiber
	sentinel error
}

func (w *timeoutWaiter) Resume(interface{}) { w.f.Resume(w.sentinel) }

// Timeout races a timeout of duration d against block, per spec.md 6's
// timeout(duration, exception, move-on-value){block}. If block completes
// first, its result/error is returned unchanged and the pending timeout
// is cancelled. If the timeout wins, block's fiber is resumed with the
// race sentinel wherever it is currently suspended (propagating out as
// an ordinary returned error through block's own blocking calls), and
// Timeout then either raises exception or returns moveOnValue: exactly
// one of the two is meaningful per call, matching the distinction
// between Polyphony's cancel_after (raises) and move_on_after (returns
// a value) that spec.md 6 generalizes into one primitive.
func Timeout(f *Fiber, d time.Duration, exception error, moveOnValue any, block func() (any, error)) (any, error) {
	sentinel := &timeoutSentinel{}

	switch backend := f.Thread().Backend().(type) {
	case *completion.Backend:
		ts := unix.NsecToTimespec(d.Nanoseconds())
		idx, err := backend.PrepTimeout(&ts, &timeoutWaiter{f: f, sentinel: sentinel})
		if err != nil {
			return nil, SystemError("timeout", err)
		}
		result, blockErr := block()
		if blockErr == sentinel {
			backend.Release(idx)
			if exception != nil {
				return nil, exception
			}
			return moveOnValue, nil
		}
		backend.CancelTimeout(idx)
		return result, blockErr
	case *readiness.Backend:
		timerID := backend.AddTimer(d, 0, func() {
			f.Resume(sentinel)
		})
		result, blockErr := block()
		if blockErr == sentinel {
			if exception != nil {
				return nil, exception
			}
			return moveOnValue, nil
		}
		backend.CancelTimer(timerID)
		return result, blockErr
	default:
		return nil, BugError("timeout", "thread has no recognized backend")
	}
}
