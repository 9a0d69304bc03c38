package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Emyrk/callhook/hook/clock"
	"github.com/Emyrk/callhook/hook/table"
)

func TestPushWindowOnlySendsIncrements(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	w := &pushWindow{since: t0}

	first := []table.Item{{Key: "m.x:1 f", Calls: 2, Total: clock.Duration{Sec: 1}}}
	pb, n := w.next(first, t0.Add(10*time.Second))
	require.NotNil(t, pb)
	require.Equal(t, 1, n)
	require.Equal(t, t0.UnixNano(), pb.TimeNanos)
	require.Equal(t, int64(10*time.Second), pb.DurationNanos)
	require.Equal(t, []int64{int64(time.Second), 2}, pb.Sample[0].Value)

	second := []table.Item{{Key: "m.x:1 f", Calls: 3, Total: clock.Duration{Sec: 1, Nsec: 500_000_000}}}
	pb, n = w.next(second, t0.Add(20*time.Second))
	require.NotNil(t, pb)
	require.Equal(t, 1, n)
	// The second upload starts where the first ended.
	require.Equal(t, t0.Add(10*time.Second).UnixNano(), pb.TimeNanos)
	require.Equal(t, int64(10*time.Second), pb.DurationNanos)
	require.Equal(t, []int64{int64(500 * time.Millisecond), 1}, pb.Sample[0].Value)

	pb, n = w.next(second, t0.Add(30*time.Second))
	require.Nil(t, pb)
	require.Zero(t, n)

	// After a wipe the table starts over and everything in it is new.
	wiped := []table.Item{{Key: "m.x:1 f", Calls: 1, Total: clock.Duration{Nsec: 250_000_000}}}
	pb, _ = w.next(wiped, t0.Add(40*time.Second))
	require.NotNil(t, pb)
	require.Equal(t, t0.Add(30*time.Second).UnixNano(), pb.TimeNanos)
	require.Equal(t, []int64{int64(250 * time.Millisecond), 1}, pb.Sample[0].Value)
}
