package fiberrt

import (
	"golang.org/x/sys/unix"

	"github.com/fiberrt/fiberrt/internal/completion"
	"github.com/fiberrt/fiberrt/internal/readiness"
)

// Waitpid blocks f until pid exits, returning its exit status (spec.md
// 6's waitpid(pid)). On the readiness backend this rides a pidfd through
// the ordinary I/O-watcher path when pidfd_open(2) is available, falling
// back to the process-wide SIGCHLD reaper otherwise (see
// internal/readiness's AddChildWatcher, grounded on
// original_source/ext/gyro/child.c's per-pid child watcher). The
// completion backend polls the same pidfd through PrepPollFD, since
// io_uring has no dedicated child-wait opcode in the version this
// runtime targets.
func Waitpid(f *Fiber, pid int) (int, error) {
	switch backend := f.Thread().Backend().(type) {
	case *completion.Backend:
		fd, err := unix.PidfdOpen(pid, 0)
		if err != nil {
			return 0, SystemError("waitpid", err)
		}
		defer unix.Close(fd)
		idx, err := backend.PrepPollFD(fd, unix.POLLIN, f)
		if err != nil {
			return 0, SystemError("waitpid", err)
		}
		res, cancelErr := completionAwait(f, backend, idx, fd)
		if cancelErr != nil {
			return 0, cancelErr
		}
		if res.N < 0 {
			return 0, SystemError("waitpid", errnoError(res.Errno))
		}
		var ws unix.WaitStatus
		if _, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil); err != nil {
			return 0, SystemError("waitpid", err)
		}
		return ws.ExitStatus(), nil
	case *readiness.Backend:
		result := make(chan struct {
			status int
			err    error
		}, 1)
		if err := backend.AddChildWatcher(pid, func(status int, err error) {
			result <- struct {
				status int
				err    error
			}{status, err}
			f.Resume(nil)
		}); err != nil {
			return 0, SystemError("waitpid", err)
		}
		v := f.Await()
		if cancelErr, ok := v.(error); ok {
			backend.CancelChildWatcher(pid)
			return 0, cancelErr
		}
		r := <-result
		if r.err != nil {
			return 0, SystemError("waitpid", r.err)
		}
		return r.status, nil
	default:
		return 0, BugError("waitpid", "thread has no recognized backend")
	}
}
