package closer

import (
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/nightguard/broker"
	"github.com/rustyeddy/nightguard/journal"
	"github.com/shopspring/decimal"
)

// Managed is a position the guard acted on tonight. It is written by the
// worker that holds its claim.
type Managed struct {
	PositionID string
	Symbol     string
	StrategyID int64
	Comment    string
	Volume     decimal.Decimal // signed
	EntryTime  time.Time
	EntryPrice decimal.Decimal
	StopAt     time.Time
	Outcome    journal.Outcome
	Attempts   int

	SimExitPrice decimal.Decimal
	SimExitTime  time.Time
	SimProfit    decimal.Decimal
}

func newManaged(p broker.Position, stopAt time.Time) Managed {
	return Managed{
		PositionID: p.ID,
		Symbol:     p.Symbol,
		StrategyID: p.StrategyID,
		Comment:    p.Comment,
		Volume:     p.SignedVolume(),
		EntryTime:  p.EntryTime,
		EntryPrice: p.EntryPrice,
		StopAt:     stopAt,
	}
}

// Record merges m with its deal pair. pair may be nil for dry-run positions
// that are still open.
func (m Managed) Record(session string, pair *broker.DealPair) journal.Record {
	r := journal.Record{
		PositionID:   m.PositionID,
		Session:      session,
		Symbol:       m.Symbol,
		StrategyID:   m.StrategyID,
		Comment:      m.Comment,
		Volume:       m.Volume,
		EntryTime:    m.EntryTime,
		EntryPrice:   m.EntryPrice,
		StopAt:       m.StopAt,
		Outcome:      m.Outcome,
		SimExitTime:  m.SimExitTime,
		SimExitPrice: m.SimExitPrice,
		SimProfit:    m.SimProfit,
	}
	if pair != nil {
		r.EntryTime = pair.Entry.Time
		r.EntryPrice = pair.Entry.Price
		r.ExitTime = pair.Exit.Time
		r.ExitPrice = pair.Exit.Price
		r.Profit = pair.Exit.Profit
		r.Commission = pair.Commission()
		r.Swap = pair.Exit.Swap
	}
	return r
}

// Ledger holds the night's managed positions keyed by position id.
type Ledger struct {
	mu   sync.Mutex
	m    map[string]Managed
	busy map[string]bool // a worker owns the position
}

func NewLedger() *Ledger {
	return &Ledger{m: make(map[string]Managed), busy: make(map[string]bool)}
}

// Claim reserves id for the caller. It reports false while another worker
// owns the position or once it has been closed or simulated. A position left
// unresolved by an earlier cutoff can be claimed again; its entry stays until
// the new worker puts its result.
func (l *Ledger) Claim(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy[id] {
		return false
	}
	if m, ok := l.m[id]; ok {
		if m.Outcome != journal.OutcomeUnresolved {
			return false
		}
	} else {
		l.m[id] = Managed{PositionID: id}
	}
	l.busy[id] = true
	return true
}

// Put stores the worker's result and releases the claim.
func (l *Ledger) Put(m Managed) {
	l.mu.Lock()
	l.m[m.PositionID] = m
	delete(l.busy, m.PositionID)
	l.mu.Unlock()
}

// release drops a claim whose worker never ran.
func (l *Ledger) release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.busy, id)
	if l.m[id].Outcome == "" {
		delete(l.m, id)
	}
}

func (l *Ledger) Get(id string) (Managed, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.m[id]
	return m, ok
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

// Snapshot returns the managed positions sorted by id.
func (l *Ledger) Snapshot() []Managed {
	l.mu.Lock()
	out := make([]Managed, 0, len(l.m))
	for _, m := range l.m {
		out = append(out, m)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out
}

func (l *Ledger) Reset() {
	l.mu.Lock()
	l.m = make(map[string]Managed)
	l.busy = make(map[string]bool)
	l.mu.Unlock()
}
