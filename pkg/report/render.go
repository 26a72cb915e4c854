package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
)

// Render writes a human-readable summary of run to w.
func Render(w io.Writer, run *Run) error {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false
	tbl.Style().Options.DrawBorder = false

	tbl.AppendHeader(table.Row{"Resource", "Status", "Mode", "Expected", "Fetched", "New", "Dups", "Gap", "Log", "Took"})
	for _, r := range run.Resources {
		mode := r.Mode
		if r.Strategy != "" && r.Strategy != "prefix" {
			mode += "/" + r.Strategy
		}
		tbl.AppendRow(table.Row{
			r.Resource,
			string(r.Status),
			mode,
			humanize.Comma(int64(r.Expected)),
			humanize.Comma(int64(r.Fetched)),
			humanize.Comma(int64(r.Written)),
			humanize.Comma(int64(r.Duplicates)),
			humanize.Comma(int64(r.Shortfall)),
			humanize.Bytes(uint64(r.LogBytes)),
			r.Duration().Round(time.Millisecond).String(),
		})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Run %s\n", run.RunID)
	b.WriteString(tbl.Render())
	fmt.Fprintf(&b, "\n%d resources: %d ok / %d incomplete / %d failed\n",
		len(run.Resources), len(run.Completed), len(run.Incomplete), len(run.Failed))

	for _, r := range run.Resources {
		if r.Error != "" {
			fmt.Fprintf(&b, "%s failed: %s\n", r.Resource, r.Error)
		}
		for _, warn := range r.Warnings {
			line := fmt.Sprintf("%s [%s/%s] %s", r.Resource, warn.Source, warn.Kind, warn.Message)
			if warn.Shortfall > 0 {
				line += fmt.Sprintf(" (about %s records unreachable)", humanize.Comma(int64(warn.Shortfall)))
			}
			b.WriteString(line + "\n")
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}
