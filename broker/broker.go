package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnavailable marks login and connectivity failures. At startup it is
// fatal; mid-session it means "no data this attempt".
var ErrUnavailable = errors.New("broker unavailable")

// Gateway is everything the night guard needs from a trading terminal.
// Implementations must be safe for concurrent use.
type Gateway interface {
	// Now is the broker-synchronized current time.
	Now() time.Time
	OpenPositions(ctx context.Context) ([]Position, error)
	// HistoricalDeals returns entry/exit deal pairs for positions closed
	// within [from, to].
	HistoricalDeals(ctx context.Context, from, to time.Time) ([]DealPair, error)
	SubmitClose(ctx context.Context, req CloseRequest) (CloseResult, error)
	CurrentPrice(ctx context.Context, symbol string) (Quote, error)
}

// Loginer is implemented by gateways that need an explicit session.
type Loginer interface {
	Login(ctx context.Context) error
}

type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Sell {
		return "sell"
	}
	return "buy"
}

type Position struct {
	ID               string
	Symbol           string
	StrategyID       int64
	Comment          string
	Side             Side
	Volume           decimal.Decimal // always positive
	EntryTime        time.Time
	EntryPrice       decimal.Decimal
	UnrealizedProfit decimal.Decimal
}

// SignedVolume is positive for longs and negative for shorts.
func (p Position) SignedVolume() decimal.Decimal {
	if p.Side == Sell {
		return p.Volume.Neg()
	}
	return p.Volume
}

type Quote struct {
	Symbol string
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Time   time.Time
}

func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// ClosePrice is the price a position of the given side would close at:
// longs close on the bid, shorts on the ask.
func (q Quote) ClosePrice(side Side) decimal.Decimal {
	if side == Sell {
		return q.Ask
	}
	return q.Bid
}

type Deal struct {
	Time       time.Time
	Price      decimal.Decimal
	Profit     decimal.Decimal
	Commission decimal.Decimal
	Swap       decimal.Decimal
	Reason     string
}

// DealPair is a closed position reconstructed from its entry and exit deals.
type DealPair struct {
	PositionID string
	Symbol     string
	StrategyID int64
	Comment    string
	Volume     decimal.Decimal // signed by direction
	Entry      Deal
	Exit       Deal
}

func (d DealPair) Commission() decimal.Decimal {
	return d.Entry.Commission.Add(d.Exit.Commission)
}

type CloseRequest struct {
	PositionID string
	Symbol     string
	Side       Side // side of the position being closed
	Volume     decimal.Decimal
	StrategyID int64
	Comment    string
}

type CloseResult struct {
	PositionID string
	Price      decimal.Decimal
	Time       time.Time
}

// RejectedError is returned by SubmitClose when the broker answered with a
// non-success code.
type RejectedError struct {
	Code    int
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("order rejected: code %d", e.Code)
	}
	return fmt.Sprintf("order rejected: code %d: %s", e.Code, e.Message)
}

// Clock adapts a Gateway to clock.Clock: time comes from the broker, timers
// from the host.
type Clock struct {
	Gateway Gateway
}

func (c Clock) Now() time.Time { return c.Gateway.Now() }

func (c Clock) After(d time.Duration) <-chan time.Time { return time.After(d) }
