// Package clock provides the time source every nightly component reads.
//
// Broker servers run on their own clock (often GMT+2/+3) and the decisions
// made here (night boundaries, cutoffs, overdue checks) are all relative to
// that clock, not the host's. Components therefore never call time.Now
// directly; they take a Clock.
package clock

import (
	"sync"
	"time"
)

// Clock reports broker-synchronized time and arms timers against it.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real is the host clock shifted by a fixed offset to broker time.
type Real struct {
	Offset   time.Duration
	Location *time.Location
}

func (r Real) Now() time.Time {
	now := time.Now().Add(r.Offset)
	if r.Location != nil {
		now = now.In(r.Location)
	}
	return now
}

func (r Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Fake is a manually driven clock. After advances the clock by d and fires
// immediately, so a program waiting for a far-off deadline runs through it
// without real sleeping.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set moves the clock to t. Moving backwards is allowed and simulates a
// broker clock correction.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d > 0 {
		f.now = f.now.Add(d)
	}
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- f.Advance(d)
	return ch
}
