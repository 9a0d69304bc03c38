package clock

import (
	"fmt"
	"sync"
	"time"
)

const nanosPerSecond = int64(time.Second)

// Clock supplies monotonic timestamps. Readings never go backwards within a
// session and are not affected by wall clock adjustments.
type Clock interface {
	Now() Timestamp
}

// Timestamp is a monotonic reading split into whole seconds and a
// nanosecond remainder.
type Timestamp struct {
	Sec  int64
	Nsec int64
}

// Duration is an elapsed amount of time kept as whole seconds plus a
// nanosecond remainder. Nsec is always in [0, 1e9).
type Duration struct {
	Sec  int64
	Nsec int64
}

// Sub returns t2 - t1.
func Sub(t1, t2 Timestamp) Duration {
	return normalize(t2.Sec-t1.Sec, t2.Nsec-t1.Nsec)
}

// Delta returns t2 - t1 in floating point seconds.
func Delta(t1, t2 Timestamp) float64 {
	return Sub(t1, t2).Seconds()
}

// Add returns d + o, carrying any nanosecond overflow into seconds.
func (d Duration) Add(o Duration) Duration {
	return normalize(d.Sec+o.Sec, d.Nsec+o.Nsec)
}

// Sub returns d - o, borrowing from seconds as needed.
func (d Duration) Sub(o Duration) Duration {
	return normalize(d.Sec-o.Sec, d.Nsec-o.Nsec)
}

// Less reports whether d is shorter than o.
func (d Duration) Less(o Duration) bool {
	return d.Sec < o.Sec || (d.Sec == o.Sec && d.Nsec < o.Nsec)
}

func (d Duration) Seconds() float64 {
	return float64(d.Sec) + float64(d.Nsec)/float64(nanosPerSecond)
}

func (d Duration) Std() time.Duration {
	return time.Duration(d.Sec)*time.Second + time.Duration(d.Nsec)
}

func (d Duration) String() string {
	return fmt.Sprintf("%d.%09ds", d.Sec, d.Nsec)
}

// FromStd converts a time.Duration.
func FromStd(d time.Duration) Duration {
	return normalize(0, int64(d))
}

// FromSeconds converts floating point seconds, rounding to the nanosecond.
func FromSeconds(s float64) Duration {
	return FromStd(time.Duration(s*float64(nanosPerSecond) + 0.5))
}

func normalize(sec, nsec int64) Duration {
	sec += nsec / nanosPerSecond
	nsec %= nanosPerSecond
	if nsec < 0 {
		sec--
		nsec += nanosPerSecond
	}
	return Duration{Sec: sec, Nsec: nsec}
}

func (t Timestamp) Add(d Duration) Timestamp {
	n := normalize(t.Sec+d.Sec, t.Nsec+d.Nsec)
	return Timestamp{Sec: n.Sec, Nsec: n.Nsec}
}

type monotonic struct {
	base time.Time
}

// Monotonic returns a Clock backed by the runtime's monotonic clock. Readings
// are relative to the moment the clock was created.
func Monotonic() Clock {
	return monotonic{base: time.Now()}
}

func (m monotonic) Now() Timestamp {
	d := normalize(0, int64(time.Since(m.base)))
	return Timestamp{Sec: d.Sec, Nsec: d.Nsec}
}

var _ Clock = (*Mock)(nil)

// Mock is a manually driven clock for tests and trace replays.
type Mock struct {
	mu  sync.Mutex
	now Timestamp
}

func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) Now() Timestamp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(FromStd(d))
}

// Set moves the clock to t. Setting a time earlier than the current reading
// is ignored so the clock stays monotonic.
func (m *Mock) Set(t Timestamp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Sec < m.now.Sec || (t.Sec == m.now.Sec && t.Nsec < m.now.Nsec) {
		return
	}
	m.now = t
}
