package fiberrt

import (
	"golang.org/x/sys/unix"

	"github.com/fiberrt/fiberrt/internal/completion"
	"github.com/fiberrt/fiberrt/internal/ctxstore"
	"github.com/fiberrt/fiberrt/internal/readiness"
)

// completionAwait implements spec.md 4.5 step 5/4.13's cancellation-on-
// exception protocol for every completion-backend op: if f.Await()
// returns a real completion.Result, the submitter's reference is
// dropped normally; if it returns an error instead (the fiber was
// resumed with an exception — e.g. by a racing timeout — before its own
// CQE arrived), the kernel still holds the slot, so a cancel SQE is
// issued against fd and the exception is returned to the caller instead
// of a result.
func completionAwait(f *Fiber, backend *completion.Backend, idx ctxstore.Index, fd int) (completion.Result, error) {
	v := f.Await()
	if err, ok := v.(error); ok {
		backend.Cancel(idx, fd)
		return completion.Result{}, err
	}
	res, _ := v.(completion.Result)
	backend.Release(idx)
	return res, nil
}

// blockingRead performs one read(2) on fd, suspending f until the
// thread's backend reports completion, regardless of which backend the
// thread is running (spec.md 4.5/4.6 both expose the same read/write
// surface to the op layer; only the suspension mechanics differ).
func blockingRead(f *Fiber, fd int, buf []byte) (int, error) {
	switch backend := f.Thread().Backend().(type) {
	case *completion.Backend:
		idx, err := backend.PrepRead(fd, buf, 0, f)
		if err != nil {
			return 0, SystemError("read", err)
		}
		res, cancelErr := completionAwait(f, backend, idx, fd)
		if cancelErr != nil {
			return 0, cancelErr
		}
		if res.N < 0 {
			return 0, SystemError("read", errnoError(res.Errno))
		}
		return int(res.N), nil
	case *readiness.Backend:
		return readinessSyscall(f, backend, fd, readiness.EventRead, func() (int, error) {
			return unix.Read(fd, buf)
		})
	default:
		return 0, BugError("read", "thread has no recognized backend")
	}
}

func blockingWrite(f *Fiber, fd int, buf []byte) (int, error) {
	switch backend := f.Thread().Backend().(type) {
	case *completion.Backend:
		idx, err := backend.PrepWrite(fd, buf, 0, f)
		if err != nil {
			return 0, SystemError("write", err)
		}
		res, cancelErr := completionAwait(f, backend, idx, fd)
		if cancelErr != nil {
			return 0, cancelErr
		}
		if res.N < 0 {
			return 0, SystemError("write", errnoError(res.Errno))
		}
		return int(res.N), nil
	case *readiness.Backend:
		return readinessSyscall(f, backend, fd, readiness.EventWrite, func() (int, error) {
			return unix.Write(fd, buf)
		})
	default:
		return 0, BugError("write", "thread has no recognized backend")
	}
}

// blockingRecv is read's socket-flavored sibling (spec.md 6's
// recv(io, buf, len, pos)).
func blockingRecv(f *Fiber, fd int, buf []byte) (int, error) {
	switch backend := f.Thread().Backend().(type) {
	case *completion.Backend:
		idx, err := backend.PrepRecv(fd, buf, f)
		if err != nil {
			return 0, SystemError("recv", err)
		}
		res, cancelErr := completionAwait(f, backend, idx, fd)
		if cancelErr != nil {
			return 0, cancelErr
		}
		if res.N < 0 {
			return 0, SystemError("recv", errnoError(res.Errno))
		}
		return int(res.N), nil
	case *readiness.Backend:
		return readinessSyscall(f, backend, fd, readiness.EventRead, func() (int, error) {
			return unix.Read(fd, buf)
		})
	default:
		return 0, BugError("recv", "thread has no recognized backend")
	}
}

// blockingSend is write's socket-flavored sibling (spec.md 6's
// send(io, buf, flags)).
func blockingSend(f *Fiber, fd int, buf []byte) (int, error) {
	switch backend := f.Thread().Backend().(type) {
	case *completion.Backend:
		idx, err := backend.PrepSend(fd, buf, f)
		if err != nil {
			return 0, SystemError("send", err)
		}
		res, cancelErr := completionAwait(f, backend, idx, fd)
		if cancelErr != nil {
			return 0, cancelErr
		}
		if res.N < 0 {
			return 0, SystemError("send", errnoError(res.Errno))
		}
		return int(res.N), nil
	case *readiness.Backend:
		return readinessSyscall(f, backend, fd, readiness.EventWrite, func() (int, error) {
			return unix.Write(fd, buf)
		})
	default:
		return 0, BugError("send", "thread has no recognized backend")
	}
}

// blockingAccept accepts one connection on listenFd (spec.md 6's
// accept(server, socket-class)); AcceptLoop (socket.go) repeats this
// single one-shot op in a loop.
func blockingAccept(f *Fiber, listenFd int) (int, error) {
	switch backend := f.Thread().Backend().(type) {
	case *completion.Backend:
		idx, err := backend.PrepAccept(listenFd, f)
		if err != nil {
			return 0, SystemError("accept", err)
		}
		res, cancelErr := completionAwait(f, backend, idx, listenFd)
		if cancelErr != nil {
			return 0, cancelErr
		}
		if res.N < 0 {
			return 0, SystemError("accept", errnoError(res.Errno))
		}
		return int(res.N), nil
	case *readiness.Backend:
		if err := backend.EnsureNonblock(listenFd); err != nil {
			return 0, SystemError("accept", err)
		}
		return readinessSyscall(f, backend, listenFd, readiness.EventRead, func() (int, error) {
			return rawAccept(listenFd)
		})
	default:
		return 0, BugError("accept", "thread has no recognized backend")
	}
}

// blockingConnect performs connect(2) against sa (spec.md 6's
// connect(sock, host, port); the host:port-to-sockaddr resolution lives
// in socket.go, one layer up, so this stays transport-agnostic).
func blockingConnect(f *Fiber, fd int, sa unix.Sockaddr) error {
	switch backend := f.Thread().Backend().(type) {
	case *completion.Backend:
		raw, err := completion.MarshalSockaddr(sa)
		if err != nil {
			return ArgumentError("connect", err.Error())
		}
		idx, err := backend.PrepConnect(fd, rawAddrPointer(raw), uint64(len(raw)), f)
		if err != nil {
			return SystemError("connect", err)
		}
		res, cancelErr := completionAwait(f, backend, idx, fd)
		if cancelErr != nil {
			return cancelErr
		}
		if res.N < 0 {
			return SystemError("connect", errnoError(res.Errno))
		}
		return nil
	case *readiness.Backend:
		if err := backend.EnsureNonblock(fd); err != nil {
			return SystemError("connect", err)
		}
		err := unix.Connect(fd, sa)
		if err == nil {
			return nil
		}
		if err != unix.EINPROGRESS {
			return SystemError("connect", err)
		}
		if werr := awaitReadiness(f, backend, fd, readiness.EventWrite); werr != nil {
			return werr
		}
		if err := connectErrno(fd); err != nil {
			return SystemError("connect", err)
		}
		return nil
	default:
		return BugError("connect", "thread has no recognized backend")
	}
}

// blockingClose issues close(2) through the backend (spec.md 4.5's
// "close" protocol: submitted like any other op, passed through to the
// kernel, with any caller-side teardown left to the caller once it
// completes).
func blockingClose(f *Fiber, fd int) error {
	switch backend := f.Thread().Backend().(type) {
	case *completion.Backend:
		idx, err := backend.PrepClose(fd, f)
		if err != nil {
			return SystemError("close", err)
		}
		res, cancelErr := completionAwait(f, backend, idx, fd)
		if cancelErr != nil {
			return cancelErr
		}
		if res.N < 0 {
			return SystemError("close", errnoError(res.Errno))
		}
		return nil
	case *readiness.Backend:
		if err := unix.Close(fd); err != nil {
			return SystemError("close", err)
		}
		return nil
	default:
		return BugError("close", "thread has no recognized backend")
	}
}

// blockingWaitIO parks f until fd is ready for write (or read) without
// performing any syscall itself, per spec.md 6's wait-io(io, write?).
func blockingWaitIO(f *Fiber, fd int, write bool) error {
	direction := readiness.EventRead
	pollMask := uint32(unix.POLLIN)
	if write {
		direction = readiness.EventWrite
		pollMask = unix.POLLOUT
	}
	switch backend := f.Thread().Backend().(type) {
	case *completion.Backend:
		idx, err := backend.PrepPollFD(fd, pollMask, f)
		if err != nil {
			return SystemError("wait-io", err)
		}
		res, cancelErr := completionAwait(f, backend, idx, fd)
		if cancelErr != nil {
			return cancelErr
		}
		if res.N < 0 {
			return SystemError("wait-io", errnoError(res.Errno))
		}
		return nil
	case *readiness.Backend:
		return awaitReadiness(f, backend, fd, direction)
	default:
		return BugError("wait-io", "thread has no recognized backend")
	}
}

// readinessSyscall implements spec.md 4.6's per-operation protocol
// exactly: issue do() non-blockingly first; on EAGAIN/EWOULDBLOCK,
// start a watcher for direction on fd, await it, stop it, and retry;
// otherwise snooze once (for fairness against other runnable fibers)
// and return the result. If f is resumed with an exception while
// parked on the watcher (spec.md 5's cancellation rule), the watcher is
// torn down and the exception is returned instead of a result.
func readinessSyscall(f *Fiber, backend *readiness.Backend, fd int, direction readiness.IOEvents, do func() (int, error)) (int, error) {
	if err := backend.EnsureNonblock(fd); err != nil {
		return 0, SystemError("readiness-nonblock", err)
	}

	for {
		n, err := do()
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if werr := awaitReadiness(f, backend, fd, direction); werr != nil {
				return 0, werr
			}
			continue
		}
		if err != nil {
			return 0, SystemError("readiness-io", err)
		}
		snoozeFiber(f)
		return n, nil
	}
}

// awaitReadiness parks f until fd reports direction, or returns the
// exception f was cancelled with.
func awaitReadiness(f *Fiber, backend *readiness.Backend, fd int, direction readiness.IOEvents) error {
	err := backend.RegisterIO(fd, direction, func(readiness.IOEvents) {
		_ = backend.UnregisterIO(fd)
		f.Resume(nil)
	})
	if err != nil {
		return SystemError("readiness-register", err)
	}
	v := f.Await()
	if cancelErr, ok := v.(error); ok {
		_ = backend.UnregisterIO(fd)
		return cancelErr
	}
	return nil
}

// snoozeFiber reschedules f and yields once, the fairness step spec.md
// 4.6 asks for after a readiness op completes without blocking (so a
// hot non-blocking loop still gives other fibers a turn).
func snoozeFiber(f *Fiber) {
	f.thread.ScheduleFiber(f, nil)
	f.Await()
}
