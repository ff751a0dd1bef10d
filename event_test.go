package fiberrt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventAwaitBlocksUntilSignal(t *testing.T) {
	thread := NewTestThread(NewMockBackend(0))
	ev := NewEvent()
	var awaited bool

	thread.Spawn("waiter", func(self *Fiber, arg any) any {
		err := ev.Await(self)
		awaited = true
		return err
	})

	// The waiter fiber runs once, calls Await, and suspends; no more
	// runnable work until something signals the event.
	_, more := thread.SwitchFiber(context.Background())
	require.True(t, more)
	require.False(t, awaited)

	ev.Signal()
	RunUntilIdle(context.Background(), thread)
	require.True(t, awaited)
}

func TestEventAwaitReturnsImmediatelyIfAlreadySignalled(t *testing.T) {
	thread := NewTestThread(NewMockBackend(0))
	ev := NewEvent()
	ev.Signal()

	var err error
	thread.Spawn("waiter", func(self *Fiber, arg any) any {
		err = ev.Await(self)
		return nil
	})
	RunUntilIdle(context.Background(), thread)
	require.NoError(t, err)
}

func TestEventSecondWaiterIsRejected(t *testing.T) {
	thread := NewTestThread(NewMockBackend(0))
	ev := NewEvent()

	thread.Spawn("first", func(self *Fiber, arg any) any {
		return ev.Await(self)
	})
	thread.SwitchFiber(context.Background())

	var secondErr error
	thread.Spawn("second", func(self *Fiber, arg any) any {
		secondErr = ev.Await(self)
		return nil
	})
	RunUntilIdle(context.Background(), thread)
	require.Error(t, secondErr)
}
