package cmd

import (
	"fmt"
	"time"

	"github.com/coder/serpent"

	"github.com/Emyrk/callhook/cmd/workdemo"
	"github.com/Emyrk/callhook/hook"
	"github.com/Emyrk/callhook/hook/table"
)

func (r *Root) demo() *serpent.Command {
	var (
		rounds    int64
		obscure   bool
		pprofPath string
	)
	return &serpent.Command{
		Use:   "demo",
		Short: "Profile a built in workload with the monotonic clock and print the result.",
		Options: serpent.OptionSet{
			serpent.Option{
				Name:        "rounds",
				Description: "How many times to run the workload.",
				Flag:        "rounds",
				Default:     "10",
				Value:       serpent.Int64Of(&rounds),
			},
			serpent.Option{
				Name:        "obscure-anonymous",
				Description: "Tell anonymous functions apart by identity.",
				Flag:        "obscure-anonymous",
				Default:     "false",
				Value:       serpent.BoolOf(&obscure),
			},
			serpent.Option{
				Name:        "pprof",
				Description: "Also write the result as a gzipped pprof profile.",
				Flag:        "pprof",
				Value:       serpent.StringOf(&pprofPath),
			},
		},
		Handler: func(i *serpent.Invocation) error {
			logger := r.Logger(i)
			session := hook.New(hook.Options{
				Logger: logger.With().Str("service", "session").Logger(),
			})

			start := time.Now()
			session.Start(obscure)

			// Do some work
			workdemo.Root(session, int(rounds))

			elapsed, err := session.Stop()
			if err != nil {
				return fmt.Errorf("stop session: %w", err)
			}

			items := session.Items()
			printReport(i.Stdout, items, table.SortByTime, 0)
			_, _ = fmt.Fprintf(i.Stdout, "\nelapsed: %.6fs\n", elapsed.Seconds())

			if pprofPath != "" {
				return writePprof(pprofPath, start, items, elapsed)
			}
			return nil
		},
	}
}
