package fiberrt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSpawnRunsBodyToCompletion(t *testing.T) {
	thread := NewTestThread(NewMockBackend(0))
	var ran bool
	f := thread.Spawn("worker", func(self *Fiber, arg any) any {
		ran = true
		return 42
	})

	RunUntilIdle(context.Background(), thread)
	require.True(t, ran)
	require.False(t, f.Alive())
}

func TestFiberYieldSuspendsAndResumes(t *testing.T) {
	thread := NewTestThread(NewMockBackend(0))
	var seen []any
	f := thread.Spawn("worker", func(self *Fiber, arg any) any {
		seen = append(seen, arg)
		resumed := self.Yield("first-yield")
		seen = append(seen, resumed)
		return "done"
	})

	// First switch runs the body until its Yield call.
	value, more := thread.SwitchFiber(context.Background())
	require.True(t, more)
	require.Equal(t, "first-yield", value)
	require.Equal(t, []any{nil}, seen)

	// Fiber is now suspended; schedule it to resume with a value.
	thread.ScheduleFiber(f, "resume-value")
	RunUntilIdle(context.Background(), thread)
	require.Equal(t, []any{nil, "resume-value"}, seen)
	require.False(t, f.Alive())
}

func TestFiberPanicIsRecoveredAndReported(t *testing.T) {
	thread := NewTestThread(NewMockBackend(0))
	f := thread.Spawn("worker", func(self *Fiber, arg any) any {
		panic("boom")
	})

	RunUntilIdle(context.Background(), thread)
	require.False(t, f.Alive())
	require.Equal(t, "boom", f.Panic())
}

func TestScheduleFiberWithPriorityRunsBeforeEarlierScheduled(t *testing.T) {
	thread := NewTestThread(NewMockBackend(0))
	var order []string

	a := thread.Spawn("a", func(self *Fiber, arg any) any {
		order = append(order, "a")
		return nil
	})
	_ = a
	b := NewFiber(thread, "b", func(self *Fiber, arg any) any {
		order = append(order, "b")
		return nil
	})
	thread.ScheduleFiberWithPriority(b, nil)

	RunUntilIdle(context.Background(), thread)
	require.Equal(t, []string{"b", "a"}, order)
}
