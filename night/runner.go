package night

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/nightguard/broker"
	"github.com/rustyeddy/nightguard/clock"
	"github.com/rustyeddy/nightguard/internal/logging"
	"github.com/rustyeddy/nightguard/journal"
	"go.uber.org/zap"
)

const (
	DefaultLoginAttempts = 30
	DefaultLoginBackoff  = time.Minute
)

type RunnerOptions struct {
	Session Options
	// LoginAttempts bounds how long the runner waits for the broker to
	// come up. Each failed attempt sleeps LoginBackoff.
	LoginAttempts int
	LoginBackoff  time.Duration
	// Once stops after a single night.
	Once bool
	// OnNight, if set, is called with every finished night.
	OnNight func(Summary)
}

// Runner logs in and then runs one session per night until ctx is done.
type Runner struct {
	clock   clock.Clock
	loginer broker.Loginer
	rules   RuleSource
	closer  Closer
	journal journal.Journal
	opts    RunnerOptions
	log     *zap.Logger
}

// NewRunner builds a runner. loginer may be nil for gateways that need no
// session.
func NewRunner(clk clock.Clock, loginer broker.Loginer, src RuleSource, cl Closer, j journal.Journal, opts RunnerOptions, log *zap.Logger) *Runner {
	if opts.LoginAttempts <= 0 {
		opts.LoginAttempts = DefaultLoginAttempts
	}
	if opts.LoginBackoff <= 0 {
		opts.LoginBackoff = DefaultLoginBackoff
	}
	return &Runner{
		clock:   clk,
		loginer: loginer,
		rules:   src,
		closer:  cl,
		journal: j,
		opts:    opts,
		log:     logging.OrNop(log),
	}
}

func (r *Runner) Run(ctx context.Context) error {
	if err := r.login(ctx); err != nil {
		return err
	}

	var last time.Time
	for {
		sess := NewSession(r.clock, r.rules, r.closer, r.journal, r.opts.Session, r.log)
		// END may fire up to the safety margin before the window closes;
		// the next session must not pick the same night again.
		sess.after = last
		sum, err := sess.Run(ctx)
		if err != nil {
			return err
		}
		last = sum.Window.End
		if r.opts.OnNight != nil {
			r.opts.OnNight(sum)
		}
		if r.opts.Once {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// login retries while the broker reports itself unavailable, which is what
// a closed market looks like. Any other login error is fatal at once.
func (r *Runner) login(ctx context.Context) error {
	if r.loginer == nil {
		return nil
	}

	var err error
	for attempt := 1; attempt <= r.opts.LoginAttempts; attempt++ {
		err = r.loginer.Login(ctx)
		if err == nil {
			r.log.Info("logged in", zap.Int("attempt", attempt), zap.Time("broker_time", r.clock.Now()))
			return nil
		}
		if !errors.Is(err, broker.ErrUnavailable) {
			return fmt.Errorf("login: %w", err)
		}
		if attempt == r.opts.LoginAttempts {
			break
		}

		r.log.Warn("broker unavailable, waiting for market to open",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", r.opts.LoginBackoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(r.opts.LoginBackoff):
		}
	}
	return fmt.Errorf("login failed after %d attempts: %w", r.opts.LoginAttempts, err)
}
