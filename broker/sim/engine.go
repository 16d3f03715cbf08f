// Package sim is an in-memory broker gateway. It keeps open positions, quotes
// and a deal history, fills closes at the current bid/ask, and can be told to
// reject submissions so retry paths can be exercised.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/nightguard/broker"
	"github.com/rustyeddy/nightguard/clock"
	"github.com/rustyeddy/nightguard/internal/id"
	"github.com/shopspring/decimal"
)

// Return codes used by the simulated trade server. They follow the MT5
// numbering so logs read the same as against a real terminal.
const (
	CodeRequote        = 10004
	CodeAutoTradingOff = 10027
	CodePositionClosed = 10036
)

var ErrNoQuote = errors.New("no quote for symbol")

type Engine struct {
	mu    sync.Mutex
	clock clock.Clock

	quotes    map[string]broker.Quote
	positions map[string]*broker.Position
	deals     []broker.DealPair

	rejects     map[string]int // position id -> remaining rejections (<0 forever)
	rejectCode  int
	submitCalls map[string]int

	loginFailures int
	unavailable   bool

	// CommissionPerSide is charged on both the entry and exit deal.
	CommissionPerSide decimal.Decimal
}

func NewEngine(clk clock.Clock) *Engine {
	return &Engine{
		clock:       clk,
		quotes:      make(map[string]broker.Quote),
		positions:   make(map[string]*broker.Position),
		rejects:     make(map[string]int),
		rejectCode:  CodeRequote,
		submitCalls: make(map[string]int),
	}
}

func (e *Engine) Now() time.Time { return e.clock.Now() }

// SetQuote updates the current bid/ask of a symbol.
func (e *Engine) SetQuote(symbol string, bid, ask decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quotes[symbol] = broker.Quote{Symbol: symbol, Bid: bid, Ask: ask, Time: e.clock.Now()}
}

// Open adds an open position and returns its id. A missing id is assigned.
func (e *Engine) Open(p broker.Position) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.ID == "" {
		p.ID = id.New()
	}
	if p.EntryTime.IsZero() {
		p.EntryTime = e.clock.Now()
	}
	e.positions[p.ID] = &p
	return p.ID
}

// Reject makes the next n closes of the position fail. n < 0 rejects forever.
func (e *Engine) Reject(positionID string, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rejects[positionID] = n
}

// FailLogins makes the next n Login calls fail with ErrUnavailable.
func (e *Engine) FailLogins(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loginFailures = n
}

// SetUnavailable simulates a dropped terminal connection for queries.
func (e *Engine) SetUnavailable(down bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unavailable = down
}

// SubmitCalls reports how many close submissions were made for a position.
func (e *Engine) SubmitCalls(positionID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.submitCalls[positionID]
}

// TotalSubmitCalls reports close submissions across all positions.
func (e *Engine) TotalSubmitCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.submitCalls {
		n += c
	}
	return n
}

// IsOpen reports whether the position is still open.
func (e *Engine) IsOpen(positionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.positions[positionID]
	return ok
}

func (e *Engine) Login(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loginFailures > 0 {
		e.loginFailures--
		return fmt.Errorf("sim login: %w", broker.ErrUnavailable)
	}
	return nil
}

func (e *Engine) OpenPositions(ctx context.Context) ([]broker.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unavailable {
		return nil, fmt.Errorf("sim positions: %w", broker.ErrUnavailable)
	}

	out := make([]broker.Position, 0, len(e.positions))
	for _, p := range e.positions {
		cp := *p
		if q, ok := e.quotes[p.Symbol]; ok {
			cp.UnrealizedProfit = profit(cp, q.ClosePrice(cp.Side))
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (e *Engine) CurrentPrice(ctx context.Context, symbol string) (broker.Quote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.quotes[symbol]
	if !ok {
		return broker.Quote{}, fmt.Errorf("%w: %s", ErrNoQuote, symbol)
	}
	return q, nil
}

func (e *Engine) SubmitClose(ctx context.Context, req broker.CloseRequest) (broker.CloseResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.submitCalls[req.PositionID]++

	if n, ok := e.rejects[req.PositionID]; ok && n != 0 {
		if n > 0 {
			e.rejects[req.PositionID] = n - 1
		}
		return broker.CloseResult{}, &broker.RejectedError{Code: e.rejectCode, Message: "requote"}
	}

	p, ok := e.positions[req.PositionID]
	if !ok {
		return broker.CloseResult{}, &broker.RejectedError{Code: CodePositionClosed, Message: "position already closed"}
	}
	q, ok := e.quotes[p.Symbol]
	if !ok {
		return broker.CloseResult{}, fmt.Errorf("%w: %s", ErrNoQuote, p.Symbol)
	}

	now := e.clock.Now()
	price := q.ClosePrice(p.Side)

	e.deals = append(e.deals, broker.DealPair{
		PositionID: p.ID,
		Symbol:     p.Symbol,
		StrategyID: p.StrategyID,
		Comment:    p.Comment,
		Volume:     p.SignedVolume(),
		Entry: broker.Deal{
			Time:       p.EntryTime,
			Price:      p.EntryPrice,
			Commission: e.CommissionPerSide,
		},
		Exit: broker.Deal{
			Time:       now,
			Price:      price,
			Profit:     profit(*p, price),
			Commission: e.CommissionPerSide,
			Reason:     req.Comment,
		},
	})
	delete(e.positions, p.ID)

	return broker.CloseResult{PositionID: p.ID, Price: price, Time: now}, nil
}

func (e *Engine) HistoricalDeals(ctx context.Context, from, to time.Time) ([]broker.DealPair, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unavailable {
		return nil, fmt.Errorf("sim deals: %w", broker.ErrUnavailable)
	}

	var out []broker.DealPair
	for _, d := range e.deals {
		if d.Exit.Time.Before(from) || d.Exit.Time.After(to) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func profit(p broker.Position, exit decimal.Decimal) decimal.Decimal {
	return p.SignedVolume().Mul(exit.Sub(p.EntryPrice))
}
