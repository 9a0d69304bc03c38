package profiling_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/pprof/profile"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Emyrk/callhook/hook/clock"
	"github.com/Emyrk/callhook/hook/profiling"
	"github.com/Emyrk/callhook/hook/table"
)

var exampleItems = []table.Item{
	{Key: "m.x:10 f", Calls: 2, Total: clock.Duration{Nsec: 20_000_000}},
	{Key: "m.x:4 <anon>", Calls: 7, Total: clock.Duration{Sec: 1, Nsec: 5}},
	{Key: "[C] print", Calls: 1, Total: clock.Duration{Nsec: 300}},
}

func TestConvert(t *testing.T) {
	start := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	converter := profiling.New(start)
	p := converter.Convert(exampleItems, clock.Duration{Sec: 3})
	require.NoError(t, p.CheckValid())

	require.Len(t, p.Sample, 3)
	require.Len(t, p.Function, 3)
	require.Equal(t, start.UnixNano(), p.TimeNanos)
	require.Equal(t, int64(3*time.Second), p.DurationNanos)

	values := make(map[string][]int64)
	for _, sample := range p.Sample {
		require.Len(t, sample.Location, 1)
		f := profiling.FindFunction(p, sample.Location[0].ID)
		require.NotNil(t, f)
		values[f.Name] = sample.Value
	}
	require.Equal(t, []int64{20_000_000, 2}, values["m.x:10 f"])
	require.Equal(t, []int64{1_000_000_005, 7}, values["m.x:4 <anon>"])

	f := profiling.FindFunction(p, p.Sample[0].Location[0].ID)
	require.Equal(t, "m.x", f.Filename)
	require.Equal(t, int64(10), f.StartLine)
	require.Equal(t, "f", f.SystemName)
}

func TestEncodeRoundTrip(t *testing.T) {
	converter := profiling.New(time.Now())
	converter.Convert(exampleItems, clock.Duration{Sec: 1})
	data, err := converter.Encode()
	require.NoError(t, err)

	parsed, err := profile.Parse(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, parsed.Sample, 3)
	require.Equal(t, profiling.SampleTypeWall, parsed.SampleType[0].Type)
	require.Equal(t, profiling.SampleTypeCalls, parsed.SampleType[1].Type)
}

func TestPush(t *testing.T) {
	var (
		mu    sync.Mutex
		names []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		names = append(names, r.URL.Query().Get("name"))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	pusher, err := profiling.NewPusher(profiling.PusherConfig{Address: srv.URL}, logger)
	require.NoError(t, err)
	defer pusher.Stop()

	p := profiling.New(time.Now()).Convert(exampleItems, clock.Duration{Sec: 1})
	require.NoError(t, pusher.Push("callhook.test", p))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(names) == 1
	}, 10*time.Second, 20*time.Millisecond)
	require.Contains(t, names[0], "callhook.test")
}

func TestPusherRequiresAddress(t *testing.T) {
	_, err := profiling.NewPusher(profiling.PusherConfig{}, zerolog.Nop())
	require.Error(t, err)
}
