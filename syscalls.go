package fiberrt

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/fiberrt/fiberrt/internal/readiness"
)

// rawReadWrite performs the actual non-blocking read(2) or write(2)
// once the epoll backend has reported fd ready; EAGAIN here just means
// another fiber raced us to the data (or, for level-triggered epoll,
// a spurious wakeup) and is not treated as a hard error by callers that
// retry registration.
func rawReadWrite(fd int, buf []byte, direction readiness.IOEvents) (int, error) {
	if direction == readiness.EventWrite {
		n, err := unix.Write(fd, buf)
		return n, err
	}
	n, err := unix.Read(fd, buf)
	return n, err
}

// errnoError adapts a raw negative-errno int32 (as io_uring CQEs report
// failures) into a Go error.
func errnoError(errno int32) error {
	if errno == 0 {
		return nil
	}
	return syscall.Errno(errno)
}

// rawSplice and rawTee call splice(2)/tee(2) directly via Syscall6:
// golang.org/x/sys/unix does not wrap either generically (their loff_t
// in/out pointer pairs vary by caller intent), so this runtime issues
// them the same way the source's C extension does, through the raw
// syscall numbers.
func rawSplice(fdIn int, fdOut int, n int, flags int) (int, error) {
	r, _, errno := unix.Syscall6(unix.SYS_SPLICE, uintptr(fdIn), 0, uintptr(fdOut), 0, uintptr(n), uintptr(flags))
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

func rawTee(fdIn, fdOut, n, flags int) (int, error) {
	r, _, errno := unix.Syscall6(unix.SYS_TEE, uintptr(fdIn), uintptr(fdOut), uintptr(n), uintptr(flags), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

// rawAccept performs a non-blocking accept4(2), used by the readiness
// backend's retry-on-EAGAIN accept path.
func rawAccept(listenFd int) (int, error) {
	return unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
}

// connectErrno reads SO_ERROR off fd after a non-blocking connect(2)'s
// writable-readiness watcher fires, the standard way to discover
// whether the connection actually succeeded (a writable fd after
// connect can still mean "refused").
func connectErrno(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return syscall.Errno(errno)
	}
	return nil
}

// rawAddrPointer exposes a marshalled sockaddr's backing array as the
// unsafe.Pointer PrepConnect's addr parameter expects.
func rawAddrPointer(raw []byte) unsafe.Pointer {
	if len(raw) == 0 {
		return nil
	}
	return unsafe.Pointer(&raw[0])
}
