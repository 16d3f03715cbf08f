package journal

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

var Header = []string{
	"position_id", "session", "run_id", "symbol", "strategy_id", "comment",
	"volume", "entry_time", "exit_time", "entry_price", "exit_price",
	"profit", "commission", "swap", "stop_at", "outcome",
	"sim_exit_time", "sim_exit_price", "sim_profit",
}

// CSVJournal appends rows to a single CSV file, creating it with a header
// on first use.
type CSVJournal struct {
	path string
	f    *os.File
	w    *csv.Writer
	keys map[string]struct{}
}

func NewCSV(path string) (*CSVJournal, error) {
	keys := make(map[string]struct{})

	existing, err := ReadCSV(path)
	switch {
	case err == nil:
		for _, r := range existing {
			keys[r.Key()] = struct{}{}
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open report: %w", err)
	}
	w := csv.NewWriter(f)

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size() == 0 {
		if err := w.Write(Header); err != nil {
			f.Close()
			return nil, err
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return nil, err
		}
	}

	return &CSVJournal{path: path, f: f, w: w, keys: keys}, nil
}

func (j *CSVJournal) Append(recs []Record) (int, error) {
	n := 0
	for _, r := range recs {
		if _, ok := j.keys[r.Key()]; ok {
			continue
		}
		if err := j.w.Write(toRow(r)); err != nil {
			return n, err
		}
		j.keys[r.Key()] = struct{}{}
		n++
	}
	j.w.Flush()
	return n, j.w.Error()
}

func (j *CSVJournal) List(from, to time.Time) ([]Record, error) {
	all, err := ReadCSV(j.path)
	if err != nil {
		return nil, err
	}
	return between(all, from, to), nil
}

func (j *CSVJournal) Close() error {
	j.w.Flush()
	if err := j.w.Error(); err != nil {
		j.f.Close()
		return err
	}
	return j.f.Close()
}

// ReadCSV loads every row of a report file.
func ReadCSV(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read report header: %w", err)
	}
	if len(header) != len(Header) {
		return nil, fmt.Errorf("report %s: header has %d columns, want %d", path, len(header), len(Header))
	}

	var out []Record
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		rec, err := fromRow(row)
		if err != nil {
			line, _ := r.FieldPos(0)
			return nil, fmt.Errorf("report %s line %d: %w", path, line, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func toRow(r Record) []string {
	row := []string{
		r.PositionID,
		r.Session,
		r.RunID,
		r.Symbol,
		strconv.FormatInt(r.StrategyID, 10),
		r.Comment,
		r.Volume.String(),
		ts(r.EntryTime),
		ts(r.ExitTime),
		r.EntryPrice.String(),
		r.ExitPrice.String(),
		r.Profit.String(),
		r.Commission.String(),
		r.Swap.String(),
		ts(r.StopAt),
		string(r.Outcome),
		"", "", "",
	}
	if r.ExitTime.IsZero() {
		// no closing deal: leave the exit columns blank
		for i := 10; i <= 13; i++ {
			row[i] = ""
		}
	}
	if !r.SimExitTime.IsZero() {
		row[16] = ts(r.SimExitTime)
		row[17] = r.SimExitPrice.String()
		row[18] = r.SimProfit.String()
	}
	return row
}

func fromRow(row []string) (Record, error) {
	if len(row) != len(Header) {
		return Record{}, fmt.Errorf("row has %d columns, want %d", len(row), len(Header))
	}

	var (
		rec Record
		err error
	)
	p := parser{}
	rec.PositionID = row[0]
	rec.Session = row[1]
	rec.RunID = row[2]
	rec.Symbol = row[3]
	rec.StrategyID, err = strconv.ParseInt(row[4], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("strategy_id: %w", err)
	}
	rec.Comment = row[5]
	rec.Volume = p.dec(row[6])
	rec.EntryTime = p.time(row[7])
	rec.ExitTime = p.time(row[8])
	rec.EntryPrice = p.dec(row[9])
	rec.ExitPrice = p.dec(row[10])
	rec.Profit = p.dec(row[11])
	rec.Commission = p.dec(row[12])
	rec.Swap = p.dec(row[13])
	rec.StopAt = p.time(row[14])
	rec.Outcome = Outcome(row[15])
	rec.SimExitTime = p.time(row[16])
	rec.SimExitPrice = p.dec(row[17])
	rec.SimProfit = p.dec(row[18])
	return rec, p.err
}

// parser keeps the first conversion error.
type parser struct{ err error }

func (p *parser) dec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil && p.err == nil {
		p.err = err
	}
	return d
}

func (p *parser) time(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil && p.err == nil {
		p.err = err
	}
	return t
}

func ts(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func between(recs []Record, from, to time.Time) []Record {
	var out []Record
	for _, r := range recs {
		if r.StopAt.Before(from) || !r.StopAt.Before(to) {
			continue
		}
		out = append(out, r)
	}
	return out
}
