package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrderedSetEvictsOldestOnOverflow(t *testing.T) {
	s := NewOrderedSet[string](2)
	_, evicted := s.Add("a")
	require.False(t, evicted)
	_, evicted = s.Add("b")
	require.False(t, evicted)

	gone, evicted := s.Add("c")
	require.True(t, evicted)
	require.Equal(t, "a", gone)
	require.Equal(t, []string{"b", "c"}, s.Keys())
}

func TestOrderedSetAddIsIdempotent(t *testing.T) {
	s := NewOrderedSet[int](0)
	s.Add(1)
	_, evicted := s.Add(1)
	require.False(t, evicted)
	require.Equal(t, 1, s.Len())
}

func TestOrderedSetRemoveAndContains(t *testing.T) {
	s := NewOrderedSet[int](0)
	s.Add(1)
	s.Add(2)
	s.Add(3)
	s.Remove(2)
	require.False(t, s.Contains(2))
	require.Equal(t, []int{1, 3}, s.Keys())
}

func TestOrderedSetPopFrontUnbounded(t *testing.T) {
	s := NewOrderedSet[int](0)
	for i := 0; i < 100; i++ {
		s.Add(i)
	}
	require.Equal(t, 100, s.Len())
	first, ok := s.PopFront()
	require.True(t, ok)
	require.Equal(t, 0, first)
	require.Equal(t, 99, s.Len())
}

func TestOrderedSetOldestOnEmpty(t *testing.T) {
	s := NewOrderedSet[int](0)
	_, ok := s.Oldest()
	require.False(t, ok)
}
