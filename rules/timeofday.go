package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is a wall-clock time without a date, at second resolution.
type TimeOfDay struct {
	Hour, Minute, Second int
}

// ParseTimeOfDay accepts HH:MM or HH:MM:SS.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return TimeOfDay{}, fmt.Errorf("time of day %q: want HH:MM or HH:MM:SS", s)
	}
	var vals [3]int
	limits := [3]int{23, 59, 59}
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || v < 0 || v > limits[i] {
			return TimeOfDay{}, fmt.Errorf("time of day %q: bad field %q", s, p)
		}
		vals[i] = v
	}
	return TimeOfDay{Hour: vals[0], Minute: vals[1], Second: vals[2]}, nil
}

// MustTimeOfDay is ParseTimeOfDay for literals.
func MustTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

// On places the time of day on the calendar date of d, in d's location.
func (t TimeOfDay) On(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hour, t.Minute, t.Second, 0, d.Location())
}

// Of extracts the time of day of ts.
func Of(ts time.Time) TimeOfDay {
	return TimeOfDay{Hour: ts.Hour(), Minute: ts.Minute(), Second: ts.Second()}
}

func (t TimeOfDay) Before(o TimeOfDay) bool {
	return t.seconds() < o.seconds()
}

func (t TimeOfDay) seconds() int {
	return t.Hour*3600 + t.Minute*60 + t.Second
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
