package fiberrt

import (
	"context"
	"sync"

	"github.com/fiberrt/fiberrt/internal/interfaces"
	"github.com/fiberrt/fiberrt/internal/sched"
)

// MockBackend is a minimal interfaces.Backend double for unit tests
// that need a Thread but no real io_uring or epoll instance. It tracks
// call counts the way ehrlich-b-go-ublk's MockBackend tracks
// read/write/flush calls, so tests can assert on scheduler behavior
// (anti-starvation polling, notify-while-polling) without real I/O.
type MockBackend struct {
	mu sync.Mutex

	pendingOps int
	pollCalls  int
	notifyCalls int
	closed     bool
}

// NewMockBackend creates a mock backend reporting pendingOps pending
// operations until SetPendingOps changes it.
func NewMockBackend(pendingOps int) *MockBackend {
	return &MockBackend{pendingOps: pendingOps}
}

func (m *MockBackend) Kind() string { return "mock" }

func (m *MockBackend) Poll(ctx context.Context, blocking bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollCalls++
	return nil
}

func (m *MockBackend) PendingOps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingOps
}

// SetPendingOps lets a test simulate an operation finishing or a new one
// being submitted.
func (m *MockBackend) SetPendingOps(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingOps = n
}

func (m *MockBackend) Notifier() interfaces.Notifier { return (*mockNotifier)(m) }

func (m *MockBackend) WaitEvent(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (m *MockBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// PollCalls returns how many times Poll has been invoked.
func (m *MockBackend) PollCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pollCalls
}

// NotifyCalls returns how many times the notifier's Notify was invoked.
func (m *MockBackend) NotifyCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notifyCalls
}

type mockNotifier MockBackend

func (n *mockNotifier) Arm() error { return nil }

func (n *mockNotifier) Notify() error {
	m := (*MockBackend)(n)
	m.mu.Lock()
	m.notifyCalls++
	m.mu.Unlock()
	return nil
}

func (n *mockNotifier) Close() error { return nil }

// NewTestThread builds a Thread around a MockBackend, for tests that
// want to spawn and switch real fibers without opening a kernel backend.
func NewTestThread(backend *MockBackend) *Thread {
	t := &Thread{kind: BackendAuto}
	t.scheduler = sched.New(backend, sched.DefaultConfig())
	t.backend = backend
	return t
}

// RunUntilIdle repeatedly switches t's scheduler until it reports no
// more work, returning the number of switches performed. Intended for
// deterministic tests driving a handful of cooperating fibers to
// completion without a real event loop.
func RunUntilIdle(ctx context.Context, t *Thread) int {
	switches := 0
	for {
		if _, more := t.SwitchFiber(ctx); !more {
			return switches
		}
		switches++
	}
}
