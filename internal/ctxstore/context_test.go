package ctxstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseLifecycle(t *testing.T) {
	s := New()
	ctx, idx := s.Acquire(OpRead, "fiber-a")
	require.Equal(t, 2, ctx.RefCount)
	require.Equal(t, 1, s.Taken())

	// Kernel releases first (CQE observed).
	require.False(t, s.Release(idx))
	// Submitter releases on resume; ref-count now hits zero.
	require.True(t, s.Release(idx))
	require.Equal(t, 0, s.Taken())
	require.Equal(t, 1, s.Available())
}

func TestStaleIndexAfterRecycleIsDropped(t *testing.T) {
	s := New()
	_, idx := s.Acquire(OpWrite, "fiber-a")
	s.Release(idx)
	s.Release(idx)
	require.Equal(t, 0, s.Taken())

	// idx's slot has been recycled (generation bumped); looking it up
	// again must miss rather than resurrect stale state.
	_, ok := s.Lookup(idx)
	require.False(t, ok)

	// A fresh acquire reuses the slot with a new generation.
	_, idx2 := s.Acquire(OpWrite, "fiber-b")
	require.Equal(t, idx.Slot, idx2.Slot)
	require.NotEqual(t, idx.Gen, idx2.Gen)
}

func TestMultishotSentinelNeverAutoReleases(t *testing.T) {
	s := New()
	ctx, idx := s.Acquire(OpMultishotAccept, "acceptor")
	ctx.RefCount = MultishotRefCount

	require.False(t, s.Release(idx))
	require.False(t, s.Release(idx))
	require.Equal(t, 1, s.Taken())

	// Only an explicit multishot-termination release recycles it.
	require.True(t, s.ReleaseMultishot(idx))
	require.Equal(t, 0, s.Taken())
}

func TestSlotReuseGrowsArenaOnlyWhenNeeded(t *testing.T) {
	s := New()
	_, idx1 := s.Acquire(OpRead, nil)
	s.Release(idx1)
	s.Release(idx1)

	_, idx2 := s.Acquire(OpRead, nil)
	require.Equal(t, 1, len(s.slots))
	require.Equal(t, idx1.Slot, idx2.Slot)
}
