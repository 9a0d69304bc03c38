package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/Emyrk/callhook/hook/clock"
	"github.com/Emyrk/callhook/hook/profiling"
	"github.com/Emyrk/callhook/hook/table"
)

// printReport writes items as an aligned table, largest first.
func printReport(w io.Writer, items []table.Item, by table.SortBy, limit int) {
	table.Sort(items, by)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "KEY\tCALLS\tTIME (s)\tAVG (ms)")
	for _, it := range items {
		avg := 0.0
		if it.Calls > 0 {
			avg = it.Time() * 1e3 / float64(it.Calls)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%.6f\t%.3f\n", it.Key, it.Calls, it.Time(), avg)
	}
	_ = tw.Flush()
}

func writePprof(path string, start time.Time, items []table.Item, elapsed clock.Duration) error {
	converter := profiling.New(start)
	converter.Convert(items, elapsed)
	data, err := converter.Encode()
	if err != nil {
		return fmt.Errorf("encode pprof: %w", err)
	}

	err = os.WriteFile(path, data, 0o644)
	if err != nil {
		return fmt.Errorf("write pprof: %w", err)
	}
	return nil
}
