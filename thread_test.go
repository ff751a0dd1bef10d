package fiberrt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestThreadCurrentReflectsRunningFiber(t *testing.T) {
	thread := NewTestThread(NewMockBackend(0))
	var sawSelf *Fiber

	f := thread.Spawn("worker", func(self *Fiber, arg any) any {
		sawSelf = thread.Current()
		return nil
	})
	RunUntilIdle(context.Background(), thread)
	require.Same(t, f, sawSelf)
	require.Nil(t, thread.Current())
}

func TestThreadStatsResetsSwitchCountOnRead(t *testing.T) {
	thread := NewTestThread(NewMockBackend(0))
	thread.Spawn("a", func(self *Fiber, arg any) any { return nil })
	thread.Spawn("b", func(self *Fiber, arg any) any { return nil })
	RunUntilIdle(context.Background(), thread)

	stats := thread.Stats()
	require.Equal(t, uint64(2), stats.SwitchCount)

	again := thread.Stats()
	require.Equal(t, uint64(0), again.SwitchCount)
}

func TestThreadRunStopsWhenContextCancelled(t *testing.T) {
	thread := NewTestThread(NewMockBackend(1)) // pending op never resolves
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := thread.Run(ctx)
	require.Error(t, err)
}

func TestUnscheduleFiberPreventsDispatch(t *testing.T) {
	thread := NewTestThread(NewMockBackend(0))
	var ran bool
	f := thread.Spawn("worker", func(self *Fiber, arg any) any {
		ran = true
		return nil
	})
	thread.UnscheduleFiber(f)
	RunUntilIdle(context.Background(), thread)
	require.False(t, ran)
}
