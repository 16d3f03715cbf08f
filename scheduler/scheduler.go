// Package scheduler delivers time-ordered tasks for one night.
//
// All tasks are enqueued up front into a min-heap ordered by (due, seq). A
// single delivery loop peeks the earliest task and either waits for it,
// fires it, fires it late with a warning, or drops it when it is older than
// the overdue threshold. The wait is interrupted by every Enqueue so an
// earlier task inserted mid-wait is never delivered behind a later one.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/rustyeddy/nightguard/clock"
	"github.com/rustyeddy/nightguard/internal/logging"
	"github.com/rustyeddy/nightguard/internal/metrics"
	"github.com/rustyeddy/nightguard/rules"
	"go.uber.org/zap"
)

const (
	DefaultSafetyMargin     = time.Second
	DefaultOverdueThreshold = 5 * time.Minute
	DefaultMaxSleep         = time.Minute
	DefaultBuffer           = 64
)

type Options struct {
	// SafetyMargin fires a task this long before its due time to absorb
	// execution latency. Zero fires exactly on time.
	SafetyMargin time.Duration
	// OverdueThreshold is how late a task may be and still run.
	OverdueThreshold time.Duration
	// MaxSleep caps a single wait so the broker clock is re-read regularly.
	MaxSleep time.Duration
	// Buffer is the capacity of the output channel.
	Buffer int
}

func DefaultOptions() Options {
	return Options{
		SafetyMargin:     DefaultSafetyMargin,
		OverdueThreshold: DefaultOverdueThreshold,
		MaxSleep:         DefaultMaxSleep,
		Buffer:           DefaultBuffer,
	}
}

type Scheduler struct {
	clock clock.Clock
	opts  Options
	log   *zap.Logger

	mu    sync.Mutex
	queue taskHeap
	seq   uint64

	wake chan struct{}
	out  chan Task
}

func New(clk clock.Clock, opts Options, log *zap.Logger) *Scheduler {
	if opts.SafetyMargin < 0 {
		opts.SafetyMargin = 0
	}
	if opts.OverdueThreshold <= 0 {
		opts.OverdueThreshold = DefaultOverdueThreshold
	}
	if opts.MaxSleep <= 0 {
		opts.MaxSleep = DefaultMaxSleep
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	return &Scheduler{
		clock: clk,
		opts:  opts,
		log:   logging.OrNop(log),
		wake:  make(chan struct{}, 1),
		out:   make(chan Task, opts.Buffer),
	}
}

// Tasks is the ordered output stream. It is closed when Run returns.
func (s *Scheduler) Tasks() <-chan Task { return s.out }

// Len reports how many tasks are still queued.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Enqueue adds a task and wakes the delivery loop so it can re-evaluate its
// wait. It returns the task with its sequence number set.
func (s *Scheduler) Enqueue(t Task) Task {
	s.mu.Lock()
	s.seq++
	t.seq = s.seq
	heap.Push(&s.queue, t)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return t
}

// Schedule enqueues one close task per rule at the rule's cutoff on
// nightDate, followed by the END task at end. Rules with no strategies, or
// whose cutoff is not strictly before end, are skipped so END stays last.
// It returns the number of close tasks enqueued.
func (s *Scheduler) Schedule(rs []rules.Rule, nightDate, end time.Time) int {
	n := 0
	for _, r := range rs {
		if len(r.Strategies) == 0 {
			s.log.Warn("rule has no strategies, skipped", zap.String("symbol", r.Symbol))
			continue
		}
		due := r.Cutoff.On(nightDate)
		if !due.Before(end) {
			s.log.Warn("cutoff falls after night end, skipped",
				zap.String("symbol", r.Symbol),
				zap.Time("due_at", due),
				zap.Time("night_end", end),
			)
			continue
		}
		s.Enqueue(CloseTask(due, r.Symbol, r.Strategies))
		n++
	}
	s.Enqueue(EndTask(end))
	return n
}

// Run is the delivery loop. It returns nil after delivering the END task,
// or ctx.Err() when cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.out)

	for {
		task, now, wait, ok := s.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wake:
			}
			continue
		}

		if wait > 0 {
			if wait > s.opts.MaxSleep {
				wait = s.opts.MaxSleep
			}
			s.log.Debug("waiting for task",
				zap.Stringer("task", task),
				zap.Duration("wait", wait),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wake:
			case <-s.clock.After(wait):
			}
			continue
		}

		lateness := now.Sub(task.DueAt)
		switch {
		case lateness > s.opts.OverdueThreshold && task.Kind != KindEnd:
			// END is exempt: a night that never ends would never be reported.
			s.log.Warn("task overdue, skipped",
				zap.Stringer("task", task),
				zap.Duration("overdue", lateness),
				zap.Time("now", now),
			)
			metrics.ObserveTask(task.Kind.String(), metrics.TaskDropped, lateness)
			continue
		case lateness > 0:
			s.log.Warn("task overdue, executing now",
				zap.Stringer("task", task),
				zap.Duration("overdue", lateness),
			)
			metrics.ObserveTask(task.Kind.String(), metrics.TaskLate, lateness)
		default:
			metrics.ObserveTask(task.Kind.String(), metrics.TaskOnTime, 0)
		}

		select {
		case s.out <- task:
		case <-ctx.Done():
			return ctx.Err()
		}
		if task.Kind == KindEnd {
			return nil
		}
	}
}

// next pops the earliest task if it is due (within the safety margin), or
// reports how long to wait for it. ok is false when the queue is empty.
func (s *Scheduler) next() (task Task, now time.Time, wait time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return Task{}, time.Time{}, 0, false
	}
	now = s.clock.Now()
	top := s.queue[0]
	if remaining := top.DueAt.Sub(now); remaining > s.opts.SafetyMargin {
		return top, now, remaining - s.opts.SafetyMargin, true
	}
	return heap.Pop(&s.queue).(Task), now, 0, true
}
