package night_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rustyeddy/nightguard/broker"
	"github.com/rustyeddy/nightguard/broker/sim"
	"github.com/rustyeddy/nightguard/clock"
	"github.com/rustyeddy/nightguard/closer"
	"github.com/rustyeddy/nightguard/journal"
	"github.com/rustyeddy/nightguard/night"
	"github.com/rustyeddy/nightguard/rules"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(h, m int) time.Time {
	return time.Date(2026, 3, 10, h, m, 0, 0, time.UTC)
}

type world struct {
	clock  *clock.Fake
	engine *sim.Engine
	path   string
}

func newWorld(t *testing.T) world {
	t.Helper()

	clk := clock.NewFake(ts(20, 0))
	e := sim.NewEngine(clk)
	e.SetQuote("EURUSD", decimal.RequireFromString("1.0850"), decimal.RequireFromString("1.0852"))
	e.SetQuote("GBPUSD", decimal.RequireFromString("1.2700"), decimal.RequireFromString("1.2703"))

	open := func(id, symbol string, strategy int64, side broker.Side, entry time.Time, price string) {
		e.Open(broker.Position{
			ID:         id,
			Symbol:     symbol,
			StrategyID: strategy,
			Side:       side,
			Volume:     decimal.RequireFromString("0.10"),
			EntryTime:  entry,
			EntryPrice: decimal.RequireFromString(price),
		})
	}
	open("eur-5", "EURUSD", 5, broker.Buy, ts(21, 10), "1.0840")
	open("eur-7", "EURUSD", 7, broker.Sell, ts(21, 10), "1.0860")
	open("gbp-early", "GBPUSD", 101, broker.Buy, ts(20, 50), "1.2650")
	open("gbp-late", "GBPUSD", 101, broker.Sell, ts(23, 0), "1.2710")

	return world{clock: clk, engine: e, path: filepath.Join(t.TempDir(), "report.csv")}
}

func (w world) run(t *testing.T, opts closer.Options) night.Summary {
	t.Helper()

	src := night.StaticRules{
		{Symbol: "EURUSD", Cutoff: rules.MustTimeOfDay("22:00"), Strategies: rules.All()},
		{Symbol: "GBPUSD", Cutoff: rules.MustTimeOfDay("23:30"), Strategies: rules.NewStrategySet(101, 102)},
	}

	j, err := journal.NewCSV(w.path)
	require.NoError(t, err)
	defer j.Close()

	sessOpts := night.DefaultOptions()
	sessOpts.Window = night.Config{
		Start:        rules.MustTimeOfDay("21:00"),
		End:          rules.MustTimeOfDay("00:00:01"),
		EndDayOffset: 1,
	}
	sessOpts.Scheduler.SafetyMargin = 0

	var sum night.Summary
	r := night.NewRunner(w.clock, w.engine, src, closer.New(w.engine, w.clock, opts, nil), j, night.RunnerOptions{
		Session: sessOpts,
		Once:    true,
		OnNight: func(s night.Summary) { sum = s },
	}, nil)
	require.NoError(t, r.Run(context.Background()))
	return sum
}

func TestNight_ClosesAtCutoffs(t *testing.T) {
	t.Parallel()

	w := newWorld(t)
	sum := w.run(t, closer.DefaultOptions())

	assert.Equal(t, 2, sum.Delivered)
	assert.False(t, w.engine.IsOpen("eur-5"))
	assert.False(t, w.engine.IsOpen("eur-7"))
	assert.False(t, w.engine.IsOpen("gbp-late"))
	assert.True(t, w.engine.IsOpen("gbp-early"), "pre-window position must be left alone")
	assert.Zero(t, w.engine.SubmitCalls("gbp-early"))

	rows, err := journal.ReadCSV(w.path)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	stops := map[string]time.Time{
		"eur-5":    ts(22, 0),
		"eur-7":    ts(22, 0),
		"gbp-late": ts(23, 30),
	}
	for _, r := range rows {
		want, ok := stops[r.PositionID]
		require.True(t, ok, "unexpected row %s", r.PositionID)
		assert.True(t, want.Equal(r.StopAt), "%s stop_at %s", r.PositionID, r.StopAt)
		assert.Equal(t, journal.OutcomeClosed, r.Outcome)
		assert.False(t, r.ExitTime.Before(r.StopAt), "%s closed before its cutoff", r.PositionID)
		assert.False(t, r.ExitTime.After(sum.Window.End))
		assert.Equal(t, sum.RunID, r.RunID)
		assert.Equal(t, closer.DefaultSession, r.Session)
	}
}

func TestNight_DryRunNeverSubmits(t *testing.T) {
	t.Parallel()

	w := newWorld(t)
	opts := closer.DefaultOptions()
	opts.DryRun = true
	opts.Session = "DRY"
	sum := w.run(t, opts)

	assert.Zero(t, w.engine.TotalSubmitCalls())
	for _, id := range []string{"eur-5", "eur-7", "gbp-early", "gbp-late"} {
		assert.True(t, w.engine.IsOpen(id), id)
	}

	require.Len(t, sum.Records, 3)
	for _, r := range sum.Records {
		assert.Equal(t, journal.OutcomeSimulated, r.Outcome)
		assert.Equal(t, "DRY", r.Session)
		assert.True(t, r.ExitTime.IsZero())
		assert.False(t, r.SimExitTime.Before(r.StopAt))
		assert.False(t, r.SimExitPrice.IsZero())
	}
}

func TestNight_FailedCloseIsReportedUnresolved(t *testing.T) {
	t.Parallel()

	w := newWorld(t)
	w.engine.Reject("eur-7", -1)
	sum := w.run(t, closer.DefaultOptions())

	assert.True(t, w.engine.IsOpen("eur-7"))
	assert.Equal(t, closer.DefaultAttempts, w.engine.SubmitCalls("eur-7"))
	assert.Equal(t, 1, sum.Unresolved)

	rows, err := journal.ReadCSV(w.path)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	byID := make(map[string]journal.Record, len(rows))
	for _, r := range rows {
		byID[r.PositionID] = r
	}
	r, ok := byID["eur-7"]
	require.True(t, ok, "position left open must be in the report")
	assert.Equal(t, journal.OutcomeUnresolved, r.Outcome)
	assert.True(t, ts(21, 10).Equal(r.EntryTime))
	assert.True(t, r.ExitTime.IsZero())
	assert.Equal(t, journal.OutcomeClosed, byID["eur-5"].Outcome)
	assert.Equal(t, journal.OutcomeClosed, byID["gbp-late"].Outcome)
}
