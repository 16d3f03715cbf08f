package journal

import (
	"fmt"
	"strings"
	"time"
)

// FormatRecordOrg renders a Record as an Org-mode heading with the
// structured fields in a PROPERTIES drawer.
func FormatRecordOrg(r Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "** %s %s (%s)\n", r.Symbol, r.Outcome, shortID(r.PositionID))
	b.WriteString(":PROPERTIES:\n")
	fmt.Fprintf(&b, ":POSITION_ID: %s\n", r.PositionID)
	fmt.Fprintf(&b, ":SESSION: %s\n", r.Session)
	fmt.Fprintf(&b, ":RUN_ID: %s\n", r.RunID)
	fmt.Fprintf(&b, ":SYMBOL: %s\n", r.Symbol)
	fmt.Fprintf(&b, ":STRATEGY: %d\n", r.StrategyID)
	fmt.Fprintf(&b, ":VOLUME: %s\n", r.Volume)
	fmt.Fprintf(&b, ":ENTRY_TIME: %s\n", orgTime(r.EntryTime))
	fmt.Fprintf(&b, ":ENTRY_PRICE: %s\n", r.EntryPrice.StringFixed(5))
	fmt.Fprintf(&b, ":STOP_AT: %s\n", orgTime(r.StopAt))
	switch {
	case r.Outcome == OutcomeSimulated:
		fmt.Fprintf(&b, ":SIM_EXIT_TIME: %s\n", orgTime(r.SimExitTime))
		fmt.Fprintf(&b, ":SIM_EXIT_PRICE: %s\n", r.SimExitPrice.StringFixed(5))
		fmt.Fprintf(&b, ":SIM_PROFIT: %s\n", r.SimProfit.StringFixed(2))
	case !r.ExitTime.IsZero():
		fmt.Fprintf(&b, ":EXIT_TIME: %s\n", orgTime(r.ExitTime))
		fmt.Fprintf(&b, ":EXIT_PRICE: %s\n", r.ExitPrice.StringFixed(5))
		fmt.Fprintf(&b, ":PROFIT: %s\n", r.Profit.StringFixed(2))
		fmt.Fprintf(&b, ":COMMISSION: %s\n", r.Commission.StringFixed(2))
		fmt.Fprintf(&b, ":SWAP: %s\n", r.Swap.StringFixed(2))
	}
	if r.Comment != "" {
		fmt.Fprintf(&b, ":COMMENT: %s\n", r.Comment)
	}
	b.WriteString(":END:\n")
	return b.String()
}

// FormatRecordsOrg renders multiple records separated by blank lines.
func FormatRecordsOrg(recs []Record) string {
	var b strings.Builder
	for i, r := range recs {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(FormatRecordOrg(r))
	}
	return b.String()
}

func orgTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func shortID(full string) string {
	if len(full) <= 8 {
		return full
	}
	return full[:8]
}
