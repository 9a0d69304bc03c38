package hook

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/Emyrk/callhook/hook/callsite"
	"github.com/Emyrk/callhook/hook/clock"
	"github.com/Emyrk/callhook/hook/stack"
)

// Stream is one logical execution stream of the host. Notifications for a
// stream must arrive in program order from a single notifier.
type Stream struct {
	id      string
	session *Session
	logger  zerolog.Logger

	// mu only contends with Session.Wipe/Stop/Start resetting the stack.
	mu    sync.Mutex
	stack *stack.Stack
}

func (st *Stream) ID() string {
	return st.id
}

func (st *Stream) Dispatch(e Event) {
	switch e.Kind {
	case EventCall:
		st.Call(e.Info, false)
	case EventTailCall:
		st.Call(e.Info, true)
	case EventReturn:
		st.Return()
	default:
		st.logger.Warn().Stringer("kind", e.Kind).Msg("unknown event kind")
	}
}

// Call records a call entering. Tail calls replace their caller's frame in
// the host, so they are marked to be closed by the caller's return.
func (st *Stream) Call(info callsite.DebugInfo, isTail bool) {
	s := st.session
	if !s.active.Load() {
		return
	}
	key := callsite.Resolve(info, s.obscure.Load())

	st.mu.Lock()
	st.stack.Push(key, isTail)
	st.mu.Unlock()
}

// Return closes the most recent frame. A chain of tail calls shares one
// physical return, so popping continues while the popped frame was entered
// by a tail call.
func (st *Stream) Return() {
	s := st.session
	if !s.active.Load() {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	for popped := 0; ; popped++ {
		f, ok := st.stack.Pop()
		if !ok {
			if popped == 0 {
				// The call predates this run or was wiped mid-flight.
				st.logger.Trace().Msg("return without a matching call")
			}
			return
		}

		s.table.Merge(f.Key, clock.Sub(f.Start, s.clock.Now()))
		if !f.IsTail {
			return
		}
	}
}

func (st *Stream) Depth() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.stack.Depth()
}

func (st *Stream) reset() int {
	st.mu.Lock()
	defer st.mu.Unlock()

	n := st.stack.Depth()
	st.stack.Reset()
	return n
}
