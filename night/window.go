package night

import (
	"fmt"
	"time"

	"github.com/rustyeddy/nightguard/rules"
)

// Config places a night on the calendar. For night date D the window runs
// from Start on D+StartDayOffset to End on D+EndDayOffset, and cutoffs fall
// on D itself.
type Config struct {
	Start          rules.TimeOfDay
	StartDayOffset int
	End            rules.TimeOfDay
	EndDayOffset   int
}

// DefaultConfig covers positions opened from 23:00 the evening before the
// night date until just after the following midnight.
func DefaultConfig() Config {
	return Config{
		Start:          rules.TimeOfDay{Hour: 23},
		StartDayOffset: -1,
		End:            rules.TimeOfDay{Second: 1},
		EndDayOffset:   1,
	}
}

func (c Config) Validate() error {
	d := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	start := c.Start.On(d.AddDate(0, 0, c.StartDayOffset))
	end := c.End.On(d.AddDate(0, 0, c.EndDayOffset))
	if !end.After(start) {
		return fmt.Errorf("night end %s%+dd must be after start %s%+dd", c.End, c.EndDayOffset, c.Start, c.StartDayOffset)
	}
	return nil
}

// Window is one night. Positions opened at or after Start are eligible.
type Window struct {
	Date  time.Time // midnight of the night date, broker location
	Start time.Time
	End   time.Time
}

func (w Window) CutoffAt(t rules.TimeOfDay) time.Time {
	return t.On(w.Date)
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

func (w Window) String() string {
	return fmt.Sprintf("%s [%s, %s]", w.Date.Format("2006-01-02"), w.Start.Format(time.DateTime), w.End.Format(time.DateTime))
}

// ComputeWindow returns the earliest night whose end is after now. A night
// dated Saturday has no market behind it and moves to Monday.
func ComputeWindow(now time.Time, c Config) Window {
	back := c.EndDayOffset
	if back < 0 {
		back = -back
	}
	d := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, -back-1)
	for !windowFor(d, c).End.After(now) {
		d = d.AddDate(0, 0, 1)
	}
	if d.Weekday() == time.Saturday {
		d = d.AddDate(0, 0, 2)
	}
	return windowFor(d, c)
}

func windowFor(d time.Time, c Config) Window {
	return Window{
		Date:  d,
		Start: c.Start.On(d.AddDate(0, 0, c.StartDayOffset)),
		End:   c.End.On(d.AddDate(0, 0, c.EndDayOffset)),
	}
}
