package night

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rustyeddy/nightguard/rules"
)

// WriteArrangement prints the cutoffs for window w as a table.
func WriteArrangement(out io.Writer, rs []rules.Rule, w Window) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Night %s\n", w)
	fmt.Fprintln(tw, "SYMBOL\tCUTOFF\tSTRATEGIES")
	for _, r := range rs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Symbol, w.CutoffAt(r.Cutoff).Format("2006-01-02 15:04:05"), r.Strategies)
	}
	return tw.Flush()
}
