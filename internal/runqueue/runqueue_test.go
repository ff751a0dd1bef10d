package runqueue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fiber struct{ name string }

func TestPushShiftFIFO(t *testing.T) {
	q := New[*fiber, int]()
	a, b, c := &fiber{"a"}, &fiber{"b"}, &fiber{"c"}
	q.Push(a, 1, false)
	q.Push(b, 2, false)
	q.Push(c, 3, false)

	e, ok := q.Shift()
	require.True(t, ok)
	require.Equal(t, a, e.Fiber)
	require.Equal(t, 1, e.Value)

	e, _ = q.Shift()
	require.Equal(t, b, e.Fiber)
	e, _ = q.Shift()
	require.Equal(t, c, e.Fiber)
}

func TestRescheduleUpdatesInPlaceNoDuplicate(t *testing.T) {
	q := New[*fiber, int]()
	a := &fiber{"a"}
	q.Push(a, 1, false)
	q.Push(a, 2, true) // reschedule: delete then append
	require.Equal(t, 1, q.Len())

	e, _ := q.Shift()
	require.Equal(t, 2, e.Value)
}

func TestUnshiftPriority(t *testing.T) {
	q := New[*fiber, int]()
	a, b := &fiber{"a"}, &fiber{"b"}
	q.Push(a, 1, false)
	q.Unshift(b, 2, false)

	e, _ := q.Shift()
	require.Equal(t, b, e.Fiber)
}

func TestHighWaterMark(t *testing.T) {
	q := New[*fiber, int]()
	for i := 0; i < 5; i++ {
		q.Push(&fiber{}, i, false)
	}
	require.Equal(t, 5, q.HighWaterMark())
	q.Shift()
	q.Shift()
	require.Equal(t, 5, q.HighWaterMark())
}

func TestMigrateParkUnpark(t *testing.T) {
	normal := New[*fiber, int]()
	parked := New[*fiber, int]()
	a := &fiber{"a"}
	normal.Push(a, 42, false)

	ok := Migrate(normal, parked, a, false)
	require.True(t, ok)
	require.Equal(t, 0, normal.Len())
	require.Equal(t, 1, parked.Len())

	e, _ := parked.Shift()
	require.Equal(t, 42, e.Value)
}
