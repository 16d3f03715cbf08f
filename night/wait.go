package night

import (
	"context"
	"time"

	"github.com/rustyeddy/nightguard/clock"
)

// WaitOptions tunes WaitUntil. Each sleep is remaining-Guard clamped to
// [MinSleep, MaxSleep] and never longer than what remains.
type WaitOptions struct {
	Guard    time.Duration
	MinSleep time.Duration
	MaxSleep time.Duration
}

func DefaultWaitOptions() WaitOptions {
	return WaitOptions{
		Guard:    10 * time.Second,
		MinSleep: time.Second,
		MaxSleep: 10 * time.Minute,
	}
}

// WaitUntil blocks until clk reads t or later. The clock is re-read after
// every sleep instead of trusting elapsed wall time, so broker clock
// corrections are picked up.
func WaitUntil(ctx context.Context, clk clock.Clock, t time.Time, opts WaitOptions) error {
	for {
		remaining := t.Sub(clk.Now())
		if remaining <= 0 {
			return nil
		}

		d := remaining - opts.Guard
		if opts.MaxSleep > 0 && d > opts.MaxSleep {
			d = opts.MaxSleep
		}
		if d < opts.MinSleep {
			d = opts.MinSleep
		}
		if d > remaining || d <= 0 {
			d = remaining
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(d):
		}
	}
}
