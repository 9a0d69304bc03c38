package stack

import (
	"github.com/Emyrk/callhook/hook/clock"
)

// Frame is one in-flight call.
type Frame struct {
	Key    string
	IsTail bool
	Start  clock.Timestamp
}

// Stack is a LIFO of in-flight calls. It is owned by a single execution
// stream and is not safe for concurrent use.
type Stack struct {
	clock  clock.Clock
	frames []Frame
}

func New(c clock.Clock) *Stack {
	return &Stack{clock: c}
}

// Push stamps the current time and appends a frame.
func (s *Stack) Push(key string, isTail bool) {
	s.frames = append(s.frames, Frame{
		Key:    key,
		IsTail: isTail,
		Start:  s.clock.Now(),
	})
}

// Pop removes the most recently pushed frame. The bool is false when the
// stack is empty.
func (s *Stack) Pop() (Frame, bool) {
	n := len(s.frames)
	if n == 0 {
		return Frame{}, false
	}
	f := s.frames[n-1]
	s.frames = s.frames[:n-1]
	return f, true
}

func (s *Stack) Depth() int {
	return len(s.frames)
}

// Reset drops every frame, keeping the backing storage.
func (s *Stack) Reset() {
	s.frames = s.frames[:0]
}

// Frames returns a copy of the stack, bottom first.
func (s *Stack) Frames() []Frame {
	out := make([]Frame, len(s.frames))
	copy(out, s.frames)
	return out
}
