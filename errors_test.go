package fiberrt

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesByCodeNotMessage(t *testing.T) {
	err := ClosedResourceError("pipe-read")
	require.True(t, errors.Is(err, ErrClosed))
	require.False(t, errors.Is(err, ErrTimeout))
}

func TestSystemErrorExtractsErrno(t *testing.T) {
	err := SystemError("read", syscall.EAGAIN)
	var e *Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, syscall.EAGAIN, e.Errno)
}

func TestSystemErrorNilReturnsNil(t *testing.T) {
	require.NoError(t, SystemError("read", nil))
}

func TestErrorMessageIncludesOp(t *testing.T) {
	err := ArgumentError("event-await", "event already has a waiter")
	require.Contains(t, err.Error(), "event-await")
	require.Contains(t, err.Error(), "event already has a waiter")
}
