package stack_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Emyrk/callhook/hook/clock"
	"github.com/Emyrk/callhook/hook/stack"
)

func TestStack(t *testing.T) {
	mock := clock.NewMock()
	s := stack.New(mock)

	_, ok := s.Pop()
	require.False(t, ok, "empty stack pops nothing")

	s.Push("a", false)
	mock.Advance(time.Second)
	s.Push("b", true)
	require.Equal(t, 2, s.Depth())

	frames := s.Frames()
	require.Len(t, frames, 2)
	require.Equal(t, "a", frames[0].Key)

	f, ok := s.Pop()
	require.True(t, ok)
	require.Equal(t, stack.Frame{Key: "b", IsTail: true, Start: clock.Timestamp{Sec: 1}}, f)

	f, ok = s.Pop()
	require.True(t, ok)
	require.Equal(t, stack.Frame{Key: "a", IsTail: false, Start: clock.Timestamp{}}, f)
	require.Equal(t, 0, s.Depth())
}

func TestStackReset(t *testing.T) {
	s := stack.New(clock.NewMock())
	for i := 0; i < 5; i++ {
		s.Push("x", false)
	}
	s.Reset()
	require.Equal(t, 0, s.Depth())
	_, ok := s.Pop()
	require.False(t, ok)

	// Frames returned earlier are copies.
	s.Push("y", false)
	frames := s.Frames()
	s.Reset()
	require.Equal(t, "y", frames[0].Key)
}
