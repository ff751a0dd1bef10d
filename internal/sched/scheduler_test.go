package sched

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fiberrt/fiberrt/internal/interfaces"
)

// fakeBackend is a minimal interfaces.Backend double for scheduler tests.
type fakeBackend struct {
	pending  int
	polls    int
	notified int
}

func (b *fakeBackend) Kind() string                                  { return "fake" }
func (b *fakeBackend) Poll(ctx context.Context, blocking bool) error  { b.polls++; return nil }
func (b *fakeBackend) PendingOps() int                                { return b.pending }
func (b *fakeBackend) Notifier() interfaces.Notifier                   { return fakeNotifier{b} }
func (b *fakeBackend) WaitEvent(ctx context.Context) error             { return nil }
func (b *fakeBackend) Close() error                                    { return nil }

type fakeNotifier struct{ b *fakeBackend }

func (n fakeNotifier) Arm() error   { return nil }
func (n fakeNotifier) Notify() error { n.b.notified++; return nil }
func (n fakeNotifier) Close() error { return nil }

// fakeFiber is a Handle whose Transfer just returns immediately with the
// given value, simulating a fiber that never itself suspends further.
type fakeFiber struct {
	runnable bool
}

func (f *fakeFiber) Transfer(value any) any { return value }
func (f *fakeFiber) Alive() bool            { return true }
func (f *fakeFiber) ClearRunnable()         { f.runnable = false }

func TestSwitchToNextReturnsNoWorkWhenEmpty(t *testing.T) {
	s := New(&fakeBackend{}, DefaultConfig())
	_, hasWork := s.SwitchToNext(context.Background())
	require.False(t, hasWork)
}

func TestScheduleThenSwitchDispatchesValue(t *testing.T) {
	s := New(&fakeBackend{}, DefaultConfig())
	f := &fakeFiber{}
	s.Schedule(f, 7, false)

	value, hasWork := s.SwitchToNext(context.Background())
	require.True(t, hasWork)
	require.Equal(t, 7, value)
}

func TestRescheduleBeforeRunKeepsMostRecentValue(t *testing.T) {
	s := New(&fakeBackend{}, DefaultConfig())
	f := &fakeFiber{}
	s.Schedule(f, 1, false)
	s.Schedule(f, 2, false)
	require.Equal(t, 1, s.runq.Len())

	value, _ := s.SwitchToNext(context.Background())
	require.Equal(t, 2, value)
}

func TestAntiStarvationPollsEveryNSwitches(t *testing.T) {
	backend := &fakeBackend{pending: 1}
	s := New(backend, DefaultConfig())
	for i := 0; i < 64; i++ {
		s.Schedule(&fakeFiber{}, i, false)
	}
	for i := 0; i < 64; i++ {
		s.SwitchToNext(context.Background())
	}
	require.Equal(t, 1, backend.polls)
}

func TestCrossThreadScheduleNotifiesOnlyWhilePolling(t *testing.T) {
	backend := &fakeBackend{}
	s := New(backend, DefaultConfig())
	s.Schedule(&fakeFiber{}, 1, false)
	require.Equal(t, 0, backend.notified)

	s.polling.Store(true)
	s.Schedule(&fakeFiber{}, 2, false)
	require.Equal(t, 1, backend.notified)
}
