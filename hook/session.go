// Package hook pairs call and return notifications from a host interpreter
// and aggregates inclusive wall time per call site.
//
// The time recorded for a call site covers the whole span from call to
// return, nested calls included. It is not self time.
package hook

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/Emyrk/callhook/hook/callsite"
	"github.com/Emyrk/callhook/hook/clock"
	"github.com/Emyrk/callhook/hook/stack"
	"github.com/Emyrk/callhook/hook/table"
)

// DefaultStream is the stream used by Session.Call and Session.Return.
const DefaultStream = "main"

// ErrNotActive is returned by Stop when no profiling run is in progress.
var ErrNotActive = errors.New("profiling session is not active")

type Options struct {
	// Clock defaults to clock.Monotonic().
	Clock  clock.Clock
	Logger zerolog.Logger
}

// Session is the hook controller for one profiling run at a time. The
// embedding layer owns a single Session and routes every notification to it.
// Notifications received while the session is not active are ignored.
type Session struct {
	clock  clock.Clock
	logger zerolog.Logger

	active  atomic.Bool
	obscure atomic.Bool

	mu      sync.Mutex
	start   clock.Timestamp
	elapsed clock.Duration
	table   *table.Table
	streams map[string]*Stream
}

func New(opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clock.Monotonic()
	}
	return &Session{
		clock:   opts.Clock,
		logger:  opts.Logger,
		table:   table.New(),
		streams: make(map[string]*Stream),
	}
}

// Start begins a new profiling run. Starting an active session discards the
// in-flight frames and every item collected so far.
func (s *Session) Start(obscureAnonymous bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active.Load() {
		s.logger.Warn().
			Int("items", s.table.Len()).
			Msg("session restarted while active, discarding collected data")
	}

	s.resetStreams()
	s.table.Reset()
	s.start = s.clock.Now()
	s.elapsed = clock.Duration{}
	s.obscure.Store(obscureAnonymous)
	s.active.Store(true)

	s.logger.Info().Bool("obscure_anonymous", obscureAnonymous).Msg("profiling started")
}

// Stop ends the run and returns the wall time since Start. Items stay
// readable until the next Start.
func (s *Session) Stop() (clock.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active.Load() {
		return clock.Duration{}, ErrNotActive
	}
	s.active.Store(false)
	s.elapsed = clock.Sub(s.start, s.clock.Now())
	inFlight := s.resetStreams()

	s.logger.Info().
		Str("elapsed", s.elapsed.String()).
		Int("items", s.table.Len()).
		Int("unfinished_frames", inFlight).
		Msg("profiling stopped")
	return s.elapsed, nil
}

// Wipe clears every stack and the table, returning the items it held. The
// start time and obscure anonymous flag are kept. Wiping an inactive session
// does nothing.
func (s *Session) Wipe() []table.Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active.Load() {
		return []table.Item{}
	}

	inFlight := s.resetStreams()
	items := s.table.Reset()
	s.logger.Info().
		Int("items", len(items)).
		Int("unfinished_frames", inFlight).
		Msg("profiling data wiped")
	return items
}

// resetStreams must be called with s.mu held.
func (s *Session) resetStreams() int {
	dropped := 0
	for _, st := range s.streams {
		dropped += st.reset()
	}
	return dropped
}

func (s *Session) Active() bool {
	return s.active.Load()
}

func (s *Session) ObscureAnonymous() bool {
	return s.obscure.Load()
}

// Elapsed is the time since Start while active, or the duration of the last
// run once stopped.
func (s *Session) Elapsed() clock.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active.Load() {
		return s.elapsed
	}
	return clock.Sub(s.start, s.clock.Now())
}

func (s *Session) Inspect(key string) (table.Item, bool) {
	return s.table.Lookup(key)
}

func (s *Session) Items() []table.Item {
	return s.table.Snapshot()
}

// Stream returns the execution stream with the given id, creating it if
// needed. Every stream has its own frame stack and shares the session table.
func (s *Session) Stream(id string) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[id]
	if !ok {
		st = &Stream{
			id:      id,
			session: s,
			stack:   stack.New(s.clock),
			logger:  s.logger.With().Str("stream", id).Logger(),
		}
		s.streams[id] = st
	}
	return st
}

// CloseStream forgets a stream. Its unfinished frames are dropped.
func (s *Session) CloseStream(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[id]
	if !ok {
		return
	}
	if n := st.reset(); n > 0 {
		st.logger.Debug().Int("unfinished_frames", n).Msg("stream closed with frames in flight")
	}
	delete(s.streams, id)
}

// Depth is the total number of in-flight frames across all streams.
func (s *Session) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, st := range s.streams {
		n += st.Depth()
	}
	return n
}

func (s *Session) Call(info callsite.DebugInfo, isTail bool) {
	s.Stream(DefaultStream).Call(info, isTail)
}

func (s *Session) Return() {
	s.Stream(DefaultStream).Return()
}

func (s *Session) Dispatch(e Event) {
	s.Stream(DefaultStream).Dispatch(e)
}
