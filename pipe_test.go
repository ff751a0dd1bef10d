package fiberrt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPipeWriteThenReadRoundTripsOverReadinessBackend(t *testing.T) {
	thread, err := NewThread(BackendLibev)
	require.NoError(t, err)
	defer thread.Close()

	pipe, err := NewPipe()
	require.NoError(t, err)
	defer pipe.Close()

	var readBack []byte
	var readErr, writeErr error

	thread.Spawn("writer", func(self *Fiber, arg any) any {
		_, writeErr = pipe.Write(self, []byte("hello"))
		return nil
	})
	thread.Spawn("reader", func(self *Fiber, arg any) any {
		buf := make([]byte, 5)
		n, err := pipe.Read(self, buf)
		readErr = err
		readBack = buf[:n]
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, thread.Run(ctx))

	require.NoError(t, writeErr)
	require.NoError(t, readErr)
	require.Equal(t, "hello", string(readBack))
}

func TestPipeReadAfterCloseReadReturnsClosedError(t *testing.T) {
	pipe, err := NewPipe()
	require.NoError(t, err)
	require.NoError(t, pipe.CloseRead())

	thread, err := NewThread(BackendLibev)
	require.NoError(t, err)
	defer thread.Close()

	var readErr error
	thread.Spawn("reader", func(self *Fiber, arg any) any {
		_, readErr = pipe.Read(self, make([]byte, 1))
		return nil
	})
	RunUntilIdle(context.Background(), thread)
	require.ErrorIs(t, readErr, ErrClosed)
}
