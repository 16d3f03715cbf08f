// Package closer finds the open positions a cutoff applies to and closes
// them, or in dry-run mode records what closing them would have yielded.
package closer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rustyeddy/nightguard/broker"
	"github.com/rustyeddy/nightguard/clock"
	"github.com/rustyeddy/nightguard/internal/logging"
	"github.com/rustyeddy/nightguard/internal/metrics"
	"github.com/rustyeddy/nightguard/journal"
	"github.com/rustyeddy/nightguard/night"
	"github.com/rustyeddy/nightguard/rules"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultSession         = "ST"
	DefaultAttempts        = 5
	DefaultBackoff         = time.Second
	DefaultWorkers         = 8
	DefaultConfirmAttempts = 3
)

type Options struct {
	DryRun bool
	// Session tags report rows so separate dry runs do not collide.
	Session string
	// Comment is attached to close orders.
	Comment  string
	Attempts int
	Backoff  time.Duration
	// Workers bounds concurrent per-position closes.
	Workers int
	// ConfirmAttempts is how many snapshots are checked for a closed
	// position to disappear.
	ConfirmAttempts int
}

func DefaultOptions() Options {
	return Options{
		Session:         DefaultSession,
		Attempts:        DefaultAttempts,
		Backoff:         DefaultBackoff,
		Workers:         DefaultWorkers,
		ConfirmAttempts: DefaultConfirmAttempts,
	}
}

type Closer struct {
	gw     broker.Gateway
	clock  clock.Clock
	opts   Options
	log    *zap.Logger
	ledger *Ledger
	sem    chan struct{}

	mu      sync.Mutex
	pending *errgroup.Group
}

func New(gw broker.Gateway, clk clock.Clock, opts Options, log *zap.Logger) *Closer {
	if opts.Session == "" {
		opts.Session = DefaultSession
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.Backoff < 0 {
		opts.Backoff = 0
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.ConfirmAttempts <= 0 {
		opts.ConfirmAttempts = DefaultConfirmAttempts
	}
	return &Closer{
		gw:     gw,
		clock:  clk,
		opts:   opts,
		log:    logging.OrNop(log),
		ledger: NewLedger(),
		sem:    make(chan struct{}, opts.Workers),
	}
}

func (c *Closer) Options() Options { return c.opts }

func (c *Closer) Ledger() *Ledger { return c.ledger }

// Matches reports whether p falls under a cutoff for symbol and strategies
// in a night that started at start.
func Matches(p broker.Position, symbol string, strategies rules.StrategySet, start time.Time) bool {
	if p.Symbol != symbol {
		return false
	}
	if !strategies.Contains(p.StrategyID) {
		return false
	}
	return !p.EntryTime.Before(start)
}

// Close handles one cutoff. It takes a single snapshot of open positions,
// claims every match and hands each to its own worker, then returns without
// waiting for them; Wait or Reconcile collects the workers. A failed snapshot
// is logged and treated as no positions. The only error returned is context
// cancellation.
func (c *Closer) Close(ctx context.Context, w night.Window, symbol string, strategies rules.StrategySet, stopAt time.Time) error {
	log := c.log.With(
		zap.String("symbol", symbol),
		zap.Stringer("strategies", strategies),
		zap.Time("stop_at", stopAt),
	)

	positions, err := c.gw.OpenPositions(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("open positions unavailable, nothing closed", zap.Error(err))
		return nil
	}

	g := c.workers()
	matched := 0
	for _, p := range positions {
		if !Matches(p, symbol, strategies, w.Start) {
			continue
		}
		if !c.ledger.Claim(p.ID) {
			log.Debug("position already managed", zap.String("position_id", p.ID))
			continue
		}
		matched++
		p := p // per-iteration copy (go1.21 loop semantics)
		g.Go(func() error {
			select {
			case c.sem <- struct{}{}:
			case <-ctx.Done():
				c.ledger.release(p.ID)
				return ctx.Err()
			}
			defer func() { <-c.sem }()

			var m Managed
			var err error
			if c.opts.DryRun {
				m = c.simulate(ctx, p, stopAt)
			} else {
				m, err = c.closeLive(ctx, p, stopAt)
			}
			c.ledger.Put(m)
			metrics.ObserveClose(p.Symbol, string(m.Outcome))
			return err
		})
	}

	log.Info("cutoff reached",
		zap.Int("open", len(positions)),
		zap.Int("matched", matched),
		zap.Bool("dry_run", c.opts.DryRun),
	)
	return nil
}

func (c *Closer) workers() *errgroup.Group {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		c.pending = new(errgroup.Group)
	}
	return c.pending
}

// Wait blocks until every worker started by Close has finished and returns
// the first error among them.
func (c *Closer) Wait() error {
	c.mu.Lock()
	g := c.pending
	c.pending = nil
	c.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

func (c *Closer) simulate(ctx context.Context, p broker.Position, stopAt time.Time) Managed {
	m := newManaged(p, stopAt)
	m.Outcome = journal.OutcomeSimulated
	m.SimProfit = p.UnrealizedProfit
	m.SimExitTime = c.clock.Now()

	q, err := c.gw.CurrentPrice(ctx, p.Symbol)
	if err != nil {
		c.log.Warn("price unavailable, simulated exit price left empty",
			zap.String("symbol", p.Symbol),
			zap.String("position_id", p.ID),
			zap.Error(err),
		)
	} else {
		m.SimExitPrice = q.ClosePrice(p.Side)
	}

	c.log.Info("simulated close",
		zap.String("symbol", p.Symbol),
		zap.String("position_id", p.ID),
		zap.Int64("strategy", p.StrategyID),
		zap.String("session", c.opts.Session),
		zap.Stringer("price", m.SimExitPrice),
		zap.Stringer("profit", m.SimProfit),
	)
	return m
}

// closeLive submits the close with retry. The position is recorded as
// unresolved if every attempt fails; it then stays open for manual handling.
func (c *Closer) closeLive(ctx context.Context, p broker.Position, stopAt time.Time) (Managed, error) {
	m := newManaged(p, stopAt)
	m.Outcome = journal.OutcomeUnresolved

	log := c.log.With(
		zap.String("symbol", p.Symbol),
		zap.String("position_id", p.ID),
		zap.Int64("strategy", p.StrategyID),
	)
	req := broker.CloseRequest{
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Side:       p.Side,
		Volume:     p.Volume,
		StrategyID: p.StrategyID,
		Comment:    c.opts.Comment,
	}

	for attempt := 1; attempt <= c.opts.Attempts; attempt++ {
		m.Attempts = attempt
		res, err := c.gw.SubmitClose(ctx, req)
		metrics.ObserveCloseAttempt(p.Symbol, err)
		if err == nil {
			m.Outcome = journal.OutcomeClosed
			log.Info("position closed",
				zap.Int("attempt", attempt),
				zap.Stringer("price", res.Price),
				zap.Time("at", res.Time),
			)
			return m, c.confirm(ctx, p.ID, log)
		}

		var rej *broker.RejectedError
		if errors.As(err, &rej) {
			log.Warn("close rejected", zap.Int("attempt", attempt), zap.Int("code", rej.Code), zap.String("message", rej.Message))
		} else {
			log.Warn("close failed", zap.Int("attempt", attempt), zap.Error(err))
		}

		if attempt == c.opts.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return m, ctx.Err()
		case <-c.clock.After(c.opts.Backoff):
		}
	}

	log.Error("close unresolved, position left open", zap.Int("attempts", m.Attempts))
	return m, nil
}

// confirm polls snapshots until id is no longer open.
func (c *Closer) confirm(ctx context.Context, id string, log *zap.Logger) error {
	for i := 0; i < c.opts.ConfirmAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.clock.After(c.opts.Backoff):
			}
		}
		open, err := c.gw.OpenPositions(ctx)
		if err != nil {
			log.Debug("confirm snapshot unavailable", zap.Error(err))
			continue
		}
		if !contains(open, id) {
			return nil
		}
	}
	log.Warn("closed position still listed as open")
	return nil
}

func contains(ps []broker.Position, id string) bool {
	for _, p := range ps {
		if p.ID == id {
			return true
		}
	}
	return false
}

// Reconcile waits for outstanding workers, merges tonight's managed positions
// with the broker's deal history and empties the ledger. Dry-run and
// unresolved positions are reported even without a deal pair; a closed
// position whose deal is missing from the history is logged and left out.
func (c *Closer) Reconcile(ctx context.Context, w night.Window) ([]journal.Record, error) {
	if err := c.Wait(); err != nil {
		c.ledger.Reset()
		return nil, err
	}
	managed := c.ledger.Snapshot()
	defer c.ledger.Reset()
	if len(managed) == 0 {
		return nil, nil
	}

	pairs, err := c.deals(ctx, w)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.Error("deal history unavailable, live positions not reported", zap.Error(err))
	}
	byID := make(map[string]broker.DealPair, len(pairs))
	for _, d := range pairs {
		byID[d.PositionID] = d
	}

	out := make([]journal.Record, 0, len(managed))
	for _, m := range managed {
		if pair, ok := byID[m.PositionID]; ok {
			out = append(out, m.Record(c.opts.Session, &pair))
			continue
		}
		switch m.Outcome {
		case journal.OutcomeSimulated:
			out = append(out, m.Record(c.opts.Session, nil))
			continue
		case journal.OutcomeUnresolved:
			c.log.Error("position left open for manual handling",
				zap.String("symbol", m.Symbol),
				zap.String("position_id", m.PositionID),
				zap.Int("attempts", m.Attempts),
			)
			out = append(out, m.Record(c.opts.Session, nil))
			continue
		}
		c.log.Warn("closed position has no closing deal in history",
			zap.String("symbol", m.Symbol),
			zap.String("position_id", m.PositionID),
			zap.String("outcome", string(m.Outcome)),
		)
	}
	return out, nil
}

// deals reads the night's closing deals. Closes retried past the window end
// still belong to the night, so the range runs to now when that is later.
func (c *Closer) deals(ctx context.Context, w night.Window) ([]broker.DealPair, error) {
	to := w.End
	if now := c.clock.Now(); now.After(to) {
		to = now
	}
	var err error
	for attempt := 1; attempt <= c.opts.Attempts; attempt++ {
		var pairs []broker.DealPair
		pairs, err = c.gw.HistoricalDeals(ctx, w.Start, to)
		if err == nil {
			return pairs, nil
		}
		c.log.Warn("deal history failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt == c.opts.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.clock.After(c.opts.Backoff):
		}
	}
	return nil, err
}
