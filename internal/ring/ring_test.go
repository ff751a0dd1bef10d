package ring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingGrowthSchedule(t *testing.T) {
	r := New[int]()
	require.Equal(t, 0, r.Cap())

	r.PushBack(1)
	require.Equal(t, 1, r.Cap())

	r.PushBack(2)
	require.Equal(t, 4, r.Cap())

	for i := 3; i <= 4; i++ {
		r.PushBack(i)
	}
	require.Equal(t, 4, r.Cap())

	r.PushBack(5)
	require.Equal(t, 8, r.Cap())
}

func TestRingFIFOOrder(t *testing.T) {
	r := New[int]()
	for i := 0; i < 5; i++ {
		r.PushBack(i)
	}
	for i := 0; i < 5; i++ {
		v, ok := r.Shift()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	_, ok := r.Shift()
	require.False(t, ok)
}

func TestRingPushFrontPriority(t *testing.T) {
	r := New[int]()
	r.PushBack(1)
	r.PushBack(2)
	r.PushFront(0)

	v, _ := r.Shift()
	require.Equal(t, 0, v)
	v, _ = r.Shift()
	require.Equal(t, 1, v)
	v, _ = r.Shift()
	require.Equal(t, 2, v)
}

func TestRingDeleteFunc(t *testing.T) {
	r := New[int]()
	for i := 0; i < 5; i++ {
		r.PushBack(i)
	}
	removed := r.DeleteFunc(func(v int) bool { return v == 2 })
	require.True(t, removed)

	var got []int
	r.Each(func(v int) { got = append(got, v) })
	require.Equal(t, []int{0, 1, 3, 4}, got)
}

func TestRingWraparoundPreservesOrder(t *testing.T) {
	r := New[int]()
	// Churn push/shift through several wraps to exercise the modulo
	// indexing and the resize copy-out path.
	next := 0
	for round := 0; round < 50; round++ {
		r.PushBack(next)
		next++
		if round%3 == 0 {
			v, ok := r.Shift()
			require.True(t, ok)
			_ = v
		}
	}
	var got []int
	for {
		v, ok := r.Shift()
		if !ok {
			break
		}
		got = append(got, v)
	}
	for i := 1; i < len(got); i++ {
		require.Less(t, got[i-1], got[i])
	}
}
