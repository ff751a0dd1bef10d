package fiberrt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueuePushThenShiftFIFO(t *testing.T) {
	q := NewQueue()
	q.Push(1)
	q.Push(2)

	thread := NewTestThread(NewMockBackend(0))
	var got []any
	thread.Spawn("consumer", func(self *Fiber, arg any) any {
		for i := 0; i < 2; i++ {
			v, err := q.Shift(self)
			require.NoError(t, err)
			got = append(got, v)
		}
		return nil
	})
	RunUntilIdle(context.Background(), thread)
	require.Equal(t, []any{1, 2}, got)
}

func TestQueueShiftBlocksUntilPush(t *testing.T) {
	q := NewQueue()
	thread := NewTestThread(NewMockBackend(0))
	var got any

	thread.Spawn("consumer", func(self *Fiber, arg any) any {
		v, err := q.Shift(self)
		require.NoError(t, err)
		got = v
		return nil
	})

	_, more := thread.SwitchFiber(context.Background())
	require.True(t, more)
	require.Nil(t, got)

	q.Push("hello")
	RunUntilIdle(context.Background(), thread)
	require.Equal(t, "hello", got)
}

func TestQueueCloseWakesBlockedWaiterWithError(t *testing.T) {
	q := NewQueue()
	thread := NewTestThread(NewMockBackend(0))
	var err error

	thread.Spawn("consumer", func(self *Fiber, arg any) any {
		_, err = q.Shift(self)
		return nil
	})
	thread.SwitchFiber(context.Background())

	q.Close()
	RunUntilIdle(context.Background(), thread)
	require.Error(t, err)
}

func TestQueueUnshiftCutsInFront(t *testing.T) {
	q := NewQueue()
	q.Push(1)
	q.Unshift(0)
	require.Equal(t, 2, q.Pending())

	thread := NewTestThread(NewMockBackend(0))
	var got []any
	thread.Spawn("consumer", func(self *Fiber, arg any) any {
		for i := 0; i < 2; i++ {
			v, _ := q.Shift(self)
			got = append(got, v)
		}
		return nil
	})
	RunUntilIdle(context.Background(), thread)
	require.Equal(t, []any{0, 1}, got)
}
