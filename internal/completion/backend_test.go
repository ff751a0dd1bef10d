package completion

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/fiberrt/fiberrt/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.New(&logging.Config{Level: logging.LevelError, Output: io.Discard})
}

// newTestBackend skips the test instead of failing when io_uring is
// unavailable in the sandbox running the suite (no kernel support, or a
// seccomp profile blocking io_uring_setup), the same accommodation the
// teacher's own ring test suite makes for unsupported feature probes.
func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(32, testLogger())
	if err != nil {
		t.Skipf("io_uring unavailable: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// fakeWaiter satisfies the package's unexported waiter interface
// structurally and records every resume so tests can assert on it
// without needing a real *fiberrt.Fiber (which would import this
// package, causing a cycle).
type fakeWaiter struct {
	mu      sync.Mutex
	resumes []interface{}
	woken   chan struct{}
}

func newFakeWaiter() *fakeWaiter {
	return &fakeWaiter{woken: make(chan struct{}, 8)}
}

func (w *fakeWaiter) Resume(value interface{}) {
	w.mu.Lock()
	w.resumes = append(w.resumes, value)
	w.mu.Unlock()
	w.woken <- struct{}{}
}

func (w *fakeWaiter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.resumes)
}

func (w *fakeWaiter) last() interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.resumes) == 0 {
		return nil
	}
	return w.resumes[len(w.resumes)-1]
}

// pollUntil drives b.Poll in a bounded loop until cond reports true or
// the deadline passes, failing the test on timeout.
func pollUntil(t *testing.T, b *Backend, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := b.Poll(context.Background(), true); err != nil {
			t.Fatalf("poll: %v", err)
		}
		if cond() {
			return
		}
	}
	t.Fatalf("condition never became true within %s", timeout)
}

func testBufAddr(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}

func TestMarshalSockaddrRoundTrip(t *testing.T) {
	cases := []unix.Sockaddr{
		&unix.SockaddrInet4{Port: 8080, Addr: [4]byte{127, 0, 0, 1}},
		&unix.SockaddrInet6{Port: 9090, Addr: [16]byte{0: 0x20, 1: 0x01}},
		&unix.SockaddrUnix{Name: "/tmp/fiberrt-test.sock"},
	}
	for _, sa := range cases {
		raw, err := MarshalSockaddr(sa)
		require.NoError(t, err)
		require.NotEmpty(t, raw)

		var storage unix.RawSockaddrAny
		n := copy((*[unsafe.Sizeof(storage)]byte)(unsafe.Pointer(&storage))[:], raw)
		require.Greater(t, n, 0)

		decoded, err := UnmarshalSockaddr(&storage)
		require.NoError(t, err)
		require.IsType(t, sa, decoded)
	}
}

func TestMarshalSockaddrRejectsUnsupported(t *testing.T) {
	_, err := MarshalSockaddr(nil)
	require.Error(t, err)
}

func TestNewCreatesAndCloses(t *testing.T) {
	b := newTestBackend(t)
	require.Equal(t, "io_uring", b.Kind())
	require.Equal(t, 0, b.PendingOps())
}

func TestPrepWriteAndPrepReadPipeRoundTrip(t *testing.T) {
	b := newTestBackend(t)

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_CLOEXEC))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	writeWaiter := newFakeWaiter()
	payload := []byte("hello fiberrt")
	_, err := b.PrepWrite(fds[1], payload, 0, writeWaiter)
	require.NoError(t, err)
	pollUntil(t, b, func() bool { return writeWaiter.count() == 1 }, 2*time.Second)

	res, ok := writeWaiter.last().(Result)
	require.True(t, ok)
	require.EqualValues(t, len(payload), res.N)

	readWaiter := newFakeWaiter()
	buf := make([]byte, len(payload))
	_, err = b.PrepRead(fds[0], buf, 0, readWaiter)
	require.NoError(t, err)
	pollUntil(t, b, func() bool { return readWaiter.count() == 1 }, 2*time.Second)

	res, ok = readWaiter.last().(Result)
	require.True(t, ok)
	require.EqualValues(t, len(payload), res.N)
	require.Equal(t, payload, buf)

	require.Equal(t, 0, b.PendingOps())
}

func TestPrepChainRunsWritesInOrder(t *testing.T) {
	b := newTestBackend(t)

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_CLOEXEC))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	first := []byte("chain-")
	second := []byte("linked")
	waiter := newFakeWaiter()

	_, err := b.PrepChain(waiter,
		func(sqe *giouring.SubmissionQueueEntry) { sqe.PrepareWrite(fds[1], testBufAddr(first), uint32(len(first)), 0) },
		func(sqe *giouring.SubmissionQueueEntry) { sqe.PrepareWrite(fds[1], testBufAddr(second), uint32(len(second)), 0) },
	)
	require.NoError(t, err)
	pollUntil(t, b, func() bool { return waiter.count() == 1 }, 2*time.Second)

	res, ok := waiter.last().(Result)
	require.True(t, ok)
	require.EqualValues(t, len(second), res.N)

	buf := make([]byte, len(first)+len(second))
	n, err := unix.Read(fds[0], buf)
	require.NoError(t, err)
	require.Equal(t, string(first)+string(second), string(buf[:n]))
}

func TestCancelSuppressesLateCompletion(t *testing.T) {
	b := newTestBackend(t)

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	waiter := newFakeWaiter()
	buf := make([]byte, 16)
	idx, err := b.PrepRead(fds[0], buf, 0, waiter)
	require.NoError(t, err)

	// Nothing will ever be written to fds[1] in this test, so the read
	// would otherwise block forever; Cancel tears it down instead.
	b.Cancel(idx, fds[0])

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		_ = b.Poll(context.Background(), false)
		time.Sleep(5 * time.Millisecond)
	}

	require.Equal(t, 0, waiter.count(), "a cancelled op's waiter must not be resumed a second time")
	require.Equal(t, 0, b.PendingOps(), "cancel must release both the submitter's and the cancel SQE's own context")
}

func TestWaitEventUnblocksOnNotify(t *testing.T) {
	b := newTestBackend(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// WaitEvent only arms the poll SQE and waits on its own done channel;
	// something still has to drive Poll to pick the CQE back up, the same
	// way a Thread's own loop would.
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if err := b.Poll(context.Background(), true); err != nil {
				return
			}
		}
	}()
	defer func() { cancel(); <-pollDone }()

	go func() {
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, b.Notifier().Notify())
	}()

	require.NoError(t, b.WaitEvent(ctx))
}

func TestPrepAcceptDeliversConnection(t *testing.T) {
	b := newTestBackend(t)

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	tcpLn := ln.(*net.TCPListener)
	lf, err := tcpLn.File()
	require.NoError(t, err)
	defer lf.Close()
	listenFd := int(lf.Fd())

	waiter := newFakeWaiter()
	_, err = b.PrepAccept(listenFd, waiter)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		conn, derr := net.Dial("tcp4", ln.Addr().String())
		if derr == nil {
			conn.Close()
		}
	}()

	pollUntil(t, b, func() bool { return waiter.count() == 1 }, 2*time.Second)
	res, ok := waiter.last().(Result)
	require.True(t, ok)
	require.GreaterOrEqual(t, res.N, int32(0))
	if res.N >= 0 {
		unix.Close(int(res.N))
	}
}

func TestPrepMultishotAcceptDeliversMultipleConnections(t *testing.T) {
	b := newTestBackend(t)

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	tcpLn := ln.(*net.TCPListener)
	lf, err := tcpLn.File()
	require.NoError(t, err)
	defer lf.Close()
	listenFd := int(lf.Fd())

	var mu sync.Mutex
	var delivered []int32
	_, err = b.PrepMultishotAccept(listenFd, nil)
	require.NoError(t, err)
	b.OnMultishotAccept(listenFd, func(res Result) {
		mu.Lock()
		delivered = append(delivered, res.N)
		mu.Unlock()
	})

	go func() {
		for i := 0; i < 2; i++ {
			time.Sleep(20 * time.Millisecond)
			conn, derr := net.Dial("tcp4", ln.Addr().String())
			if derr == nil {
				conn.Close()
			}
		}
	}()

	pollUntil(t, b, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) >= 2
	}, 3*time.Second)

	mu.Lock()
	for _, fd := range delivered {
		if fd >= 0 {
			unix.Close(int(fd))
		}
	}
	mu.Unlock()

	require.NoError(t, b.CancelMultishotAccept(listenFd))
}
