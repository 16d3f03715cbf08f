package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rustyeddy/nightguard/broker"
	"github.com/rustyeddy/nightguard/broker/sim"
	"github.com/rustyeddy/nightguard/clock"
	"github.com/rustyeddy/nightguard/closer"
	"github.com/rustyeddy/nightguard/internal/logging"
	"github.com/rustyeddy/nightguard/journal"
	"github.com/rustyeddy/nightguard/night"
	"github.com/rustyeddy/nightguard/rules"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run one simulated night",
	Long: `Run a complete night against the simulator on an accelerated clock.

The demo opens four positions, two EURUSD (strategies 5 and 7) and two
GBPUSD (strategy 101, one opened before the 21:00 window start), then
guards the night with:

  EURUSD  22:00  ALL
  GBPUSD  23:30  [101 102]

The early GBPUSD position is left open; the other three are closed at
their cutoff and written to the report.

Examples:
  nightguard demo
  nightguard demo --dry-run
  nightguard demo --rejects 3 --out /tmp/demo.csv`,
	Args: cobra.NoArgs,
	RunE: runDemo,
}

var (
	demoDryRun  bool
	demoRejects int
	demoOut     string
	demoVerbose bool
)

func init() {
	rootCmd.AddCommand(demoCmd)

	demoCmd.Flags().BoolVar(&demoDryRun, "dry-run", false, "simulate closes instead of submitting them")
	demoCmd.Flags().IntVar(&demoRejects, "rejects", 0, "reject the first N close attempts of one EURUSD position")
	demoCmd.Flags().StringVar(&demoOut, "out", "", "report CSV (default: a temporary file)")
	demoCmd.Flags().BoolVarP(&demoVerbose, "verbose", "v", false, "show the guard's log")
}

func runDemo(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	level := "warn"
	if demoVerbose {
		level = "info"
	}
	log, err := logging.New(level, "console")
	if err != nil {
		return err
	}
	defer log.Sync()

	path := demoOut
	if path == "" {
		dir, err := os.MkdirTemp("", "nightguard-demo-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		path = filepath.Join(dir, "report.csv")
	}

	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(day.Add(20 * time.Hour))

	engine := sim.NewEngine(clk)
	engine.CommissionPerSide = decimal.RequireFromString("-0.35")
	engine.SetQuote("EURUSD", decimal.RequireFromString("1.08500"), decimal.RequireFromString("1.08520"))
	engine.SetQuote("GBPUSD", decimal.RequireFromString("1.27000"), decimal.RequireFromString("1.27030"))

	open := []broker.Position{
		{ID: "1001", Symbol: "EURUSD", StrategyID: 5, Side: broker.Buy, EntryTime: day.Add(21*time.Hour + 10*time.Minute), EntryPrice: decimal.RequireFromString("1.08400")},
		{ID: "1002", Symbol: "EURUSD", StrategyID: 7, Side: broker.Sell, EntryTime: day.Add(21*time.Hour + 10*time.Minute), EntryPrice: decimal.RequireFromString("1.08600")},
		{ID: "1003", Symbol: "GBPUSD", StrategyID: 101, Side: broker.Buy, EntryTime: day.Add(20*time.Hour + 50*time.Minute), EntryPrice: decimal.RequireFromString("1.26500")},
		{ID: "1004", Symbol: "GBPUSD", StrategyID: 101, Side: broker.Sell, EntryTime: day.Add(23 * time.Hour), EntryPrice: decimal.RequireFromString("1.27100")},
	}
	for _, p := range open {
		p.Volume = decimal.NewFromInt(10000)
		engine.Open(p)
	}
	if demoRejects > 0 {
		engine.Reject("1001", demoRejects)
	}

	rs := night.StaticRules{
		{Symbol: "EURUSD", Cutoff: rules.MustTimeOfDay("22:00"), Strategies: rules.All()},
		{Symbol: "GBPUSD", Cutoff: rules.MustTimeOfDay("23:30"), Strategies: rules.NewStrategySet(101, 102)},
	}

	j, err := journal.NewCSV(path)
	if err != nil {
		return err
	}
	defer j.Close()

	copts := closer.DefaultOptions()
	copts.DryRun = demoDryRun
	if demoDryRun {
		copts.Session = "DEMO-DRY"
	}

	sopts := night.DefaultOptions()
	sopts.Window = night.Config{
		Start:        rules.MustTimeOfDay("21:00"),
		End:          rules.MustTimeOfDay("00:00:01"),
		EndDayOffset: 1,
	}
	sopts.Scheduler.SafetyMargin = 0

	w := night.ComputeWindow(clk.Now(), sopts.Window)
	if err := night.WriteArrangement(out, rs, w); err != nil {
		return err
	}
	fmt.Fprintln(out)

	var sum night.Summary
	runner := night.NewRunner(clk, engine, rs, closer.New(engine, clk, copts, log), j, night.RunnerOptions{
		Session: sopts,
		Once:    true,
		OnNight: func(s night.Summary) { sum = s },
	}, log)
	if err := runner.Run(context.Background()); err != nil {
		return err
	}

	fmt.Fprintf(out, "Submitted %d close orders, %d rows reported (%d unresolved)\n\n",
		engine.TotalSubmitCalls(), len(sum.Records), sum.Unresolved)
	fmt.Fprintln(out, journal.FormatRecordsOrg(sum.Records))
	for _, p := range open {
		if engine.IsOpen(p.ID) {
			fmt.Fprintf(out, "still open: %s %s strategy %d\n", p.ID, p.Symbol, p.StrategyID)
		}
	}
	if demoOut != "" {
		fmt.Fprintf(out, "\nReport: %s\n", demoOut)
	}
	return nil
}
