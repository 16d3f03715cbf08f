package night

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rustyeddy/nightguard/clock"
	"github.com/rustyeddy/nightguard/internal/id"
	"github.com/rustyeddy/nightguard/internal/logging"
	"github.com/rustyeddy/nightguard/internal/metrics"
	"github.com/rustyeddy/nightguard/journal"
	"github.com/rustyeddy/nightguard/rules"
	"github.com/rustyeddy/nightguard/scheduler"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type State int

const (
	StateInit State = iota
	StateWaiting
	StateActive
	StateClosing
	StateFinalized
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateWaiting:
		return "WAITING_FOR_WINDOW"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateFinalized:
		return "FINALIZED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// RuleSource yields tonight's rules. It is consulted once per session so an
// edited rules file takes effect the following night.
type RuleSource interface {
	Rules(ctx context.Context) ([]rules.Rule, error)
}

// RuleFile loads rules from a CSV file.
type RuleFile string

func (f RuleFile) Rules(ctx context.Context) ([]rules.Rule, error) {
	return rules.LoadFile(string(f))
}

// StaticRules is a fixed rule set.
type StaticRules []rules.Rule

func (s StaticRules) Rules(ctx context.Context) ([]rules.Rule, error) {
	return s, nil
}

// Closer acts on due cutoffs and reconciles the night. Close may leave work
// running under ctx; Reconcile waits for it.
type Closer interface {
	Close(ctx context.Context, w Window, symbol string, strategies rules.StrategySet, stopAt time.Time) error
	Reconcile(ctx context.Context, w Window) ([]journal.Record, error)
}

type Options struct {
	Window    Config
	Wait      WaitOptions
	Scheduler scheduler.Options
}

func DefaultOptions() Options {
	return Options{
		Window:    DefaultConfig(),
		Wait:      DefaultWaitOptions(),
		Scheduler: scheduler.DefaultOptions(),
	}
}

// Summary describes a finished night.
type Summary struct {
	RunID      string
	Window     Window
	Scheduled  int // close tasks enqueued
	Delivered  int // close tasks delivered
	Records    []journal.Record
	Appended   int // rows new to the journal
	Unresolved int
}

// Session runs a single night. It is not reusable.
type Session struct {
	clock   clock.Clock
	rules   RuleSource
	closer  Closer
	journal journal.Journal
	opts    Options
	log     *zap.Logger
	// after is the end of the previous night run by the same Runner. The
	// window is never computed from an earlier instant.
	after time.Time

	mu    sync.Mutex
	state State
}

func NewSession(clk clock.Clock, src RuleSource, cl Closer, j journal.Journal, opts Options, log *zap.Logger) *Session {
	return &Session{
		clock:   clk,
		rules:   src,
		closer:  cl,
		journal: j,
		opts:    opts,
		log:     logging.OrNop(log),
		state:   StateInit,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	s.log.Debug("session state", zap.Stringer("from", prev), zap.Stringer("to", st))
}

func (s *Session) fail(err error) error {
	s.setState(StateFailed)
	return err
}

// Run drives the night from INIT to FINALIZED. Rule errors and journal
// errors are fatal; so is cancellation of ctx.
func (s *Session) Run(ctx context.Context) (Summary, error) {
	if st := s.State(); st != StateInit {
		return Summary{}, fmt.Errorf("session already %s", st)
	}

	began := s.clock.Now()
	from := began
	if from.Before(s.after) {
		from = s.after
	}
	w := ComputeWindow(from, s.opts.Window)
	sum := Summary{RunID: id.NewAt(began), Window: w}
	log := s.log.With(zap.String("run_id", sum.RunID))
	s.log = log

	rs, err := s.rules.Rules(ctx)
	if err != nil {
		return sum, s.fail(fmt.Errorf("load rules: %w", err))
	}

	s.setState(StateWaiting)
	if w.Start.After(began) {
		log.Info("waiting for night window", zap.Time("start", w.Start), zap.Time("end", w.End))
		if err := WaitUntil(ctx, s.clock, w.Start, s.opts.Wait); err != nil {
			return sum, s.fail(err)
		}
	}

	s.setState(StateActive)
	sched := scheduler.New(s.clock, s.opts.Scheduler, log)
	sum.Scheduled = sched.Schedule(rs, w.Date, w.End)
	log.Info("night started",
		zap.Stringer("window", w),
		zap.Int("tasks", sum.Scheduled),
	)
	logArrangement(log, rs, w)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		for task := range sched.Tasks() {
			switch task.Kind {
			case scheduler.KindClosePosition:
				sum.Delivered++
				// ctx, not gctx: close workers outlive the delivery loop.
				if err := s.closer.Close(ctx, w, task.Close.Symbol, task.Close.Strategies, task.DueAt); err != nil {
					return fmt.Errorf("close %s: %w", task.Close.Symbol, err)
				}
			case scheduler.KindEnd:
				return nil
			}
		}
		if err := gctx.Err(); err != nil {
			return err
		}
		return errors.New("task stream ended without END")
	})
	if err := g.Wait(); err != nil {
		return sum, s.fail(err)
	}

	s.setState(StateClosing)
	recs, err := s.closer.Reconcile(ctx, w)
	if err != nil {
		return sum, s.fail(fmt.Errorf("reconcile: %w", err))
	}
	for i := range recs {
		recs[i].RunID = sum.RunID
		if recs[i].Outcome == journal.OutcomeUnresolved {
			sum.Unresolved++
		}
	}
	sum.Records = recs

	n, err := s.journal.Append(recs)
	if err != nil {
		return sum, s.fail(fmt.Errorf("append report: %w", err))
	}
	sum.Appended = n
	metrics.AddReportRows(n)

	s.setState(StateFinalized)
	metrics.ObserveSession(s.clock.Now().Sub(began))
	log.Info("night finished",
		zap.Int("delivered", sum.Delivered),
		zap.Int("reported", len(recs)),
		zap.Int("appended", n),
		zap.Int("unresolved", sum.Unresolved),
	)
	return sum, nil
}

func logArrangement(log *zap.Logger, rs []rules.Rule, w Window) {
	for _, r := range rs {
		log.Info("tonight",
			zap.String("symbol", r.Symbol),
			zap.Time("cutoff", w.CutoffAt(r.Cutoff)),
			zap.Stringer("strategies", r.Strategies),
		)
	}
}
