package workdemo_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Emyrk/callhook/cmd/workdemo"
	"github.com/Emyrk/callhook/hook"
	"github.com/Emyrk/callhook/hook/callsite"
)

func TestDescribe(t *testing.T) {
	info := workdemo.Describe(workdemo.CallStackOne)
	require.Equal(t, "callstack.go", info.Source)
	require.Equal(t, "CallStackOne", info.Name)
	require.Greater(t, info.LineDefined, 0)

	anon := workdemo.Describe(func() {})
	require.Empty(t, anon.Name)
	require.NotZero(t, anon.Identity)
}

func TestRoot(t *testing.T) {
	for _, obscure := range []bool{false, true} {
		s := hook.New(hook.Options{Logger: zerolog.Nop()})
		s.Start(obscure)
		workdemo.Root(s, 3)
		_, err := s.Stop()
		require.NoError(t, err)

		require.Equal(t, 0, s.Depth())
		for _, fn := range []any{workdemo.CallStackOne, workdemo.CallStackTwo, workdemo.CallStackThree, workdemo.CallStackFour} {
			key := callsite.Resolve(workdemo.Describe(fn), obscure)
			it, ok := s.Inspect(key)
			require.True(t, ok, key)
			require.Equal(t, int64(3), it.Calls, key)
		}

		anonymous := 0
		for _, it := range s.Items() {
			if callsite.Parse(it.Key).Name[0] != 'C' {
				anonymous++
			}
		}
		if obscure {
			require.Equal(t, 2, anonymous)
		} else {
			require.Equal(t, 1, anonymous)
		}
	}
}
