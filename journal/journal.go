// Package journal is the append-only report of positions managed overnight.
package journal

import (
	"time"

	"github.com/shopspring/decimal"
)

type Outcome string

const (
	// OutcomeClosed: the guard's close order filled.
	OutcomeClosed Outcome = "closed"
	// OutcomeUnresolved: every close attempt failed; the position was
	// closed later by someone else and is not credited to the guard.
	OutcomeUnresolved Outcome = "unresolved"
	// OutcomeSimulated: dry run, the Sim* columns hold what a close would
	// have produced.
	OutcomeSimulated Outcome = "simulated"
)

// Record is one report row: a managed position merged with its deal history.
type Record struct {
	PositionID string
	Session    string
	RunID      string
	Symbol     string
	StrategyID int64
	Comment    string
	Volume     decimal.Decimal // signed by direction
	EntryTime  time.Time
	ExitTime   time.Time // zero while the position is open
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	Profit     decimal.Decimal
	Commission decimal.Decimal
	Swap       decimal.Decimal
	StopAt     time.Time // cutoff that matched the position
	Outcome    Outcome

	SimExitTime  time.Time
	SimExitPrice decimal.Decimal
	SimProfit    decimal.Decimal
}

// Key identifies a row. Dry runs under different session names never collide.
func (r Record) Key() string {
	return r.PositionID + "/" + r.Session
}

// Journal appends records. Records whose key is already present are skipped,
// so re-appending a night is harmless. Append reports how many rows were new.
type Journal interface {
	Append(recs []Record) (int, error)
	Close() error
}

// Reader lists records whose StopAt falls in [from, to).
type Reader interface {
	List(from, to time.Time) ([]Record, error)
}
