// Package rules loads the per-symbol cutoff table.
//
// The table is a CSV with a header row:
//
//	Symbol,StopT,Magics,Magic_start,Magic_end
//	EURUSD,22:00,,,
//	GBPUSD,23:30,101;102,,
//	USDJPY,23:45,,9000,9010
//
// Magics is a ';'-separated list of strategy ids; Magic_start/Magic_end is an
// inclusive range. Both may be given and are unioned. A row with neither
// manages every strategy on that symbol.
package rules

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
)

// AllStrategies is the only sentinel for "manage every strategy". It never
// collides with a real strategy id and appears alone in a StrategySet.
const AllStrategies int64 = -3418239482

// maxRange bounds Magic_start..Magic_end so a typo can't allocate millions of ids.
const maxRange = 100_000

var ErrInvalidRow = errors.New("invalid rule row")

// ParseError names the offending row of a rule table.
type ParseError struct {
	Line   int
	Symbol string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("rules line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("rules line %d (%s): %v", e.Line, e.Symbol, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// StrategySet is a sorted, de-duplicated set of strategy ids.
type StrategySet []int64

// All returns the set matching every strategy.
func All() StrategySet { return StrategySet{AllStrategies} }

// NewStrategySet sorts and de-duplicates ids. Any occurrence of the sentinel
// collapses the set to All.
func NewStrategySet(ids ...int64) StrategySet {
	seen := make(map[int64]struct{}, len(ids))
	out := make(StrategySet, 0, len(ids))
	for _, id := range ids {
		if id == AllStrategies {
			return All()
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s StrategySet) IsAll() bool {
	return len(s) == 1 && s[0] == AllStrategies
}

func (s StrategySet) Contains(id int64) bool {
	if s.IsAll() {
		return true
	}
	i := sort.Search(len(s), func(i int) bool { return s[i] >= id })
	return i < len(s) && s[i] == id
}

func (s StrategySet) String() string {
	if s.IsAll() {
		return "ALL"
	}
	parts := make([]string, len(s))
	for i, id := range s {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Rule is one row of the table. Rules are immutable once loaded.
type Rule struct {
	Symbol     string
	Cutoff     TimeOfDay
	Strategies StrategySet
}

// LoadFile reads a rule table from disk.
func LoadFile(path string) ([]Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rules: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load parses a rule table. Duplicate symbols are last-wins. The result is
// sorted by cutoff, then symbol.
func Load(r io.Reader) ([]Rule, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	header, err := cr.Read()
	if err == io.EOF {
		return nil, &ParseError{Line: 1, Err: fmt.Errorf("%w: empty table", ErrInvalidRow)}
	}
	if err != nil {
		return nil, &ParseError{Line: 1, Err: err}
	}
	cols, err := columns(header)
	if err != nil {
		return nil, &ParseError{Line: 1, Err: err}
	}

	bySymbol := make(map[string]Rule)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			line := 0
			if errors.As(err, &pe) {
				line = pe.Line
			}
			return nil, &ParseError{Line: line, Err: err}
		}
		line, _ := cr.FieldPos(0)
		if blank(rec) {
			continue
		}
		rule, err := parseRow(rec, cols)
		if err != nil {
			return nil, &ParseError{Line: line, Symbol: field(rec, cols.symbol), Err: err}
		}
		bySymbol[rule.Symbol] = rule
	}

	out := make([]Rule, 0, len(bySymbol))
	for _, r := range bySymbol {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Cutoff != b.Cutoff {
			return a.Cutoff.Before(b.Cutoff)
		}
		return a.Symbol < b.Symbol
	})
	return out, nil
}

type columnIndex struct {
	symbol, stop, magics, start, end int
}

func columns(header []string) (columnIndex, error) {
	ci := columnIndex{symbol: -1, stop: -1, magics: -1, start: -1, end: -1}
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))) {
		case "symbol":
			ci.symbol = i
		case "stopt", "stop_time", "cutoff":
			ci.stop = i
		case "magics":
			ci.magics = i
		case "magic_start":
			ci.start = i
		case "magic_end":
			ci.end = i
		}
	}
	if ci.symbol < 0 || ci.stop < 0 {
		return ci, fmt.Errorf("%w: header needs Symbol and StopT columns", ErrInvalidRow)
	}
	return ci, nil
}

func parseRow(rec []string, cols columnIndex) (Rule, error) {
	symbol := strings.ToUpper(field(rec, cols.symbol))
	if symbol == "" {
		return Rule{}, fmt.Errorf("%w: missing symbol", ErrInvalidRow)
	}
	cutoff, err := ParseTimeOfDay(field(rec, cols.stop))
	if err != nil {
		return Rule{}, fmt.Errorf("%w: %v", ErrInvalidRow, err)
	}

	var ids []int64
	if list := field(rec, cols.magics); list != "" {
		for _, part := range strings.Split(strings.TrimSuffix(list, ";"), ";") {
			v, err := parseID(part)
			if err != nil {
				return Rule{}, err
			}
			ids = append(ids, v)
		}
	}

	if s := field(rec, cols.start); s != "" {
		start, err := parseID(s)
		if err != nil {
			return Rule{}, err
		}
		end := start
		if e := field(rec, cols.end); e != "" {
			if end, err = parseID(e); err != nil {
				return Rule{}, err
			}
		}
		if end < start {
			return Rule{}, fmt.Errorf("%w: Magic_end %d before Magic_start %d", ErrInvalidRow, end, start)
		}
		if end-start >= maxRange {
			return Rule{}, fmt.Errorf("%w: magic range %d..%d too wide", ErrInvalidRow, start, end)
		}
		for v := start; v <= end; v++ {
			ids = append(ids, v)
		}
	} else if field(rec, cols.end) != "" {
		return Rule{}, fmt.Errorf("%w: Magic_end without Magic_start", ErrInvalidRow)
	}

	set := All()
	if len(ids) > 0 {
		set = NewStrategySet(ids...)
	}
	return Rule{Symbol: symbol, Cutoff: cutoff, Strategies: set}, nil
}

// parseID accepts integers and integral floats ("101.0"), which is what
// spreadsheet exports produce.
func parseID(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: bad strategy id %q", ErrInvalidRow, s)
	}
	// float64(math.MinInt64) is exactly -2^63; 2^63 itself does not fit.
	if f < math.MinInt64 || f >= -math.MinInt64 {
		return 0, fmt.Errorf("%w: strategy id %q out of range", ErrInvalidRow, s)
	}
	return int64(f), nil
}

func field(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func blank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
