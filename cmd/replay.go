package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/coder/serpent"

	"github.com/Emyrk/callhook/hook"
	"github.com/Emyrk/callhook/hook/clock"
	"github.com/Emyrk/callhook/hook/eventlog"
	"github.com/Emyrk/callhook/hook/table"
)

func (r *Root) replay() *serpent.Command {
	var (
		tracePath string
		format    string
		obscure   bool
		sortBy    string
		limit     int64
		pprofPath string
	)
	return &serpent.Command{
		Use:   "replay",
		Short: "Replay a recorded trace of call/return events and print the aggregated call sites.",
		Options: serpent.OptionSet{
			serpent.Option{
				Name:          "trace",
				Description:   "Trace file to replay (yaml, json array or json lines).",
				Required:      true,
				Flag:          "trace",
				FlagShorthand: "t",
				Value:         serpent.StringOf(&tracePath),
			},
			serpent.Option{
				Name:        "format",
				Description: "Trace format, auto picks from the file extension.",
				Flag:        "format",
				Default:     "auto",
				Value:       serpent.EnumOf(&format, "auto", string(eventlog.FormatYAML), string(eventlog.FormatJSON)),
			},
			serpent.Option{
				Name:        "obscure-anonymous",
				Description: "Tell anonymous functions apart by identity. Only used when the trace has no start record.",
				Flag:        "obscure-anonymous",
				Env:         "CALLHOOK_OBSCURE_ANONYMOUS",
				Default:     "false",
				Value:       serpent.BoolOf(&obscure),
			},
			serpent.Option{
				Name:        "sort",
				Description: "Report order.",
				Flag:        "sort",
				Default:     string(table.SortByTime),
				Value:       serpent.EnumOf(&sortBy, string(table.SortByTime), string(table.SortByCalls), string(table.SortByKey)),
			},
			serpent.Option{
				Name:        "limit",
				Description: "Only print this many call sites, 0 prints all.",
				Flag:        "limit",
				Default:     "0",
				Value:       serpent.Int64Of(&limit),
			},
			serpent.Option{
				Name:        "pprof",
				Description: "Also write the final table as a gzipped pprof profile.",
				Flag:        "pprof",
				Value:       serpent.StringOf(&pprofPath),
			},
		},
		Handler: func(i *serpent.Invocation) error {
			logger := r.Logger(i)

			f, err := os.Open(tracePath)
			if err != nil {
				return fmt.Errorf("open trace: %w", err)
			}
			defer f.Close()

			fmtUsed := eventlog.Format(format)
			if format == "auto" {
				fmtUsed = eventlog.FormatFromPath(tracePath)
			}
			records, err := eventlog.Decode(f, fmtUsed)
			if err != nil {
				logger.Error().Err(err).Str("trace", tracePath).Msg("decode trace")
				return fmt.Errorf("decode trace: %w", err)
			}

			mock := clock.NewMock()
			session := hook.New(hook.Options{
				Clock:  mock,
				Logger: logger.With().Str("service", "session").Logger(),
			})
			if len(records) == 0 || records[0].Op != eventlog.OpStart {
				session.Start(obscure)
			}

			res, err := eventlog.Replay(session, mock, records)
			if err != nil {
				return fmt.Errorf("replay: %w", err)
			}

			if session.Active() {
				elapsed, err := session.Stop()
				if err != nil {
					return fmt.Errorf("stop session: %w", err)
				}
				res.Stops = append(res.Stops, elapsed)
			}

			logger.Info().
				Int("records", res.Records).
				Int("wipes", len(res.Wipes)).
				Msg("replay complete")

			for n, wiped := range res.Wipes {
				_, _ = fmt.Fprintf(i.Stdout, "wipe #%d\n", n+1)
				printReport(i.Stdout, wiped, table.SortBy(sortBy), int(limit))
				_, _ = fmt.Fprintln(i.Stdout)
			}

			items := session.Items()
			printReport(i.Stdout, items, table.SortBy(sortBy), int(limit))
			elapsed := session.Elapsed()
			_, _ = fmt.Fprintf(i.Stdout, "\nelapsed: %.6fs\n", elapsed.Seconds())

			if pprofPath != "" {
				err = writePprof(pprofPath, time.Now().Add(-elapsed.Std()), items, elapsed)
				if err != nil {
					return err
				}
				logger.Info().Str("path", pprofPath).Msg("wrote pprof profile")
			}
			return nil
		},
	}
}
