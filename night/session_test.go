package night

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rustyeddy/nightguard/broker"
	"github.com/rustyeddy/nightguard/clock"
	"github.com/rustyeddy/nightguard/journal"
	"github.com/rustyeddy/nightguard/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closeCall struct {
	symbol     string
	strategies rules.StrategySet
	stopAt     time.Time
	now        time.Time
}

type fakeCloser struct {
	clock clock.Clock

	mu          sync.Mutex
	calls       []closeCall
	reconciled  int
	records     []journal.Record
	closeErr    error
	reconcileFn func(Window) ([]journal.Record, error)
}

func (f *fakeCloser) Close(ctx context.Context, w Window, symbol string, strategies rules.StrategySet, stopAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, closeCall{symbol: symbol, strategies: strategies, stopAt: stopAt, now: f.clock.Now()})
	return f.closeErr
}

func (f *fakeCloser) Reconcile(ctx context.Context, w Window) ([]journal.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciled++
	if f.reconcileFn != nil {
		return f.reconcileFn(w)
	}
	return f.records, nil
}

type fakeJournal struct {
	mu       sync.Mutex
	appended [][]journal.Record
	err      error
}

func (f *fakeJournal) Append(recs []journal.Record) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.appended = append(f.appended, recs)
	return len(recs), nil
}

func (f *fakeJournal) Close() error { return nil }

type errRules struct{ err error }

func (e errRules) Rules(ctx context.Context) ([]rules.Rule, error) { return nil, e.err }

func tonightRules() StaticRules {
	return StaticRules{
		{Symbol: "EURUSD", Cutoff: rules.MustTimeOfDay("22:00"), Strategies: rules.All()},
		{Symbol: "GBPUSD", Cutoff: rules.MustTimeOfDay("23:30"), Strategies: rules.NewStrategySet(101, 102)},
	}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Window = eveningConfig()
	opts.Scheduler.SafetyMargin = 0
	return opts
}

func TestSession_RunsNightInOrder(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(at(10, 20, 0, 0))
	cl := &fakeCloser{
		clock:   clk,
		records: []journal.Record{{PositionID: "1", Session: "ST", Outcome: journal.OutcomeClosed}, {PositionID: "2", Session: "ST", Outcome: journal.OutcomeUnresolved}},
	}
	j := &fakeJournal{}

	s := NewSession(clk, tonightRules(), cl, j, testOptions(), nil)
	assert.Equal(t, StateInit, s.State())

	sum, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateFinalized, s.State())

	require.Len(t, cl.calls, 2)
	assert.Equal(t, "EURUSD", cl.calls[0].symbol)
	assert.True(t, cl.calls[0].strategies.IsAll())
	assert.True(t, at(10, 22, 0, 0).Equal(cl.calls[0].stopAt))
	assert.False(t, cl.calls[0].now.Before(cl.calls[0].stopAt), "closed before cutoff")

	assert.Equal(t, "GBPUSD", cl.calls[1].symbol)
	assert.True(t, at(10, 23, 30, 0).Equal(cl.calls[1].stopAt))
	assert.False(t, cl.calls[1].now.Before(cl.calls[1].stopAt))

	assert.Equal(t, 1, cl.reconciled)
	assert.False(t, clk.Now().Before(at(11, 0, 0, 1)), "reconciled before night end")

	assert.Equal(t, 2, sum.Scheduled)
	assert.Equal(t, 2, sum.Delivered)
	assert.Equal(t, 2, sum.Appended)
	assert.Equal(t, 1, sum.Unresolved)
	assert.NotEmpty(t, sum.RunID)
	require.Len(t, j.appended, 1)
	for _, r := range j.appended[0] {
		assert.Equal(t, sum.RunID, r.RunID)
	}
	assert.True(t, at(10, 21, 0, 0).Equal(sum.Window.Start))
}

func TestSession_NotReusable(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(at(10, 20, 0, 0))
	s := NewSession(clk, StaticRules{}, &fakeCloser{clock: clk}, &fakeJournal{}, testOptions(), nil)

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	_, err = s.Run(context.Background())
	require.Error(t, err)
}

func TestSession_RuleErrorIsFatal(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(at(10, 20, 0, 0))
	cl := &fakeCloser{clock: clk}
	boom := errors.New("bad rules")

	s := NewSession(clk, errRules{err: boom}, cl, &fakeJournal{}, testOptions(), nil)
	_, err := s.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StateFailed, s.State())
	assert.Empty(t, cl.calls)
	assert.Zero(t, cl.reconciled)
}

func TestSession_CloserErrorFails(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(at(10, 20, 0, 0))
	cl := &fakeCloser{clock: clk, closeErr: context.Canceled}

	s := NewSession(clk, tonightRules(), cl, &fakeJournal{}, testOptions(), nil)
	_, err := s.Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, s.State())
	assert.Len(t, cl.calls, 1)
	assert.Zero(t, cl.reconciled)
}

func TestSession_JournalErrorFails(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(at(10, 20, 0, 0))
	j := &fakeJournal{err: errors.New("disk full")}

	s := NewSession(clk, tonightRules(), &fakeCloser{clock: clk}, j, testOptions(), nil)
	_, err := s.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, s.State())
}

func TestSession_CancelledWhileWaiting(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Real clock: whether the wait or the delivery loop is reached first,
	// both must observe ctx.
	now := time.Now()
	opts := testOptions()
	opts.Window = Config{
		Start:          rules.Of(now.Add(2 * time.Hour)),
		StartDayOffset: 0,
		End:            rules.Of(now.Add(2 * time.Hour)),
		EndDayOffset:   1,
	}
	cl := &fakeCloser{clock: clock.Real{}}
	s := NewSession(clock.Real{Location: now.Location()}, tonightRules(), cl, &fakeJournal{}, opts, nil)

	_, err := s.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, s.State())
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "WAITING_FOR_WINDOW", StateWaiting.String())
	assert.Equal(t, "FINALIZED", StateFinalized.String())
	assert.Equal(t, "State(42)", State(42).String())
}

type fakeLoginer struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (f *fakeLoginer) Login(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func unavailable(n int) []error {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = broker.ErrUnavailable
	}
	return errs
}

func TestRunner_WaitsForMarketThenRunsOnce(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(at(10, 19, 0, 0))
	login := &fakeLoginer{errs: unavailable(3)}
	cl := &fakeCloser{clock: clk}

	var nights []Summary
	r := NewRunner(clk, login, tonightRules(), cl, &fakeJournal{}, RunnerOptions{
		Session:       testOptions(),
		LoginAttempts: 5,
		LoginBackoff:  time.Minute,
		Once:          true,
		OnNight:       func(s Summary) { nights = append(nights, s) },
	}, nil)

	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, 4, login.calls)
	require.Len(t, nights, 1)
	assert.Len(t, cl.calls, 2)
}

func TestRunner_LoginBudgetExhausted(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(at(10, 19, 0, 0))
	login := &fakeLoginer{errs: unavailable(10)}
	cl := &fakeCloser{clock: clk}

	r := NewRunner(clk, login, tonightRules(), cl, &fakeJournal{}, RunnerOptions{
		Session:       testOptions(),
		LoginAttempts: 3,
		Once:          true,
	}, nil)

	err := r.Run(context.Background())
	require.ErrorIs(t, err, broker.ErrUnavailable)
	assert.Equal(t, 3, login.calls)
	assert.Empty(t, cl.calls)
}

func TestRunner_LoginRejectedIsFatal(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(at(10, 19, 0, 0))
	login := &fakeLoginer{errs: []error{errors.New("invalid token")}}

	r := NewRunner(clk, login, tonightRules(), &fakeCloser{clock: clk}, &fakeJournal{}, RunnerOptions{
		Session: testOptions(),
		Once:    true,
	}, nil)

	require.Error(t, r.Run(context.Background()))
	assert.Equal(t, 1, login.calls)
}

func TestRunner_RunsConsecutiveNights(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(at(10, 20, 0, 0))
	cl := &fakeCloser{clock: clk}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var dates []time.Time
	r := NewRunner(clk, nil, tonightRules(), cl, &fakeJournal{}, RunnerOptions{
		Session: testOptions(),
		OnNight: func(s Summary) {
			dates = append(dates, s.Window.Date)
			if len(dates) == 2 {
				cancel()
			}
		},
	}, nil)

	require.ErrorIs(t, r.Run(ctx), context.Canceled)
	require.Len(t, dates, 2)
	assert.True(t, at(10, 0, 0, 0).Equal(dates[0]))
	assert.True(t, at(11, 0, 0, 0).Equal(dates[1]))
	assert.Len(t, cl.calls, 4)
}

func TestRunner_ConsecutiveNightsWithDefaultMargin(t *testing.T) {
	t.Parallel()

	// END fires one safety margin before the window closes.
	clk := clock.NewFake(at(10, 20, 0, 0))
	cl := &fakeCloser{clock: clk}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var dates []time.Time
	r := NewRunner(clk, nil, tonightRules(), cl, &fakeJournal{}, RunnerOptions{
		Session: DefaultOptions(),
		OnNight: func(s Summary) {
			dates = append(dates, s.Window.Date)
			if len(dates) == 3 {
				cancel()
			}
		},
	}, nil)

	require.ErrorIs(t, r.Run(ctx), context.Canceled)
	require.Len(t, dates, 3)
	assert.True(t, at(10, 0, 0, 0).Equal(dates[0]))
	assert.True(t, at(11, 0, 0, 0).Equal(dates[1]))
	assert.True(t, at(12, 0, 0, 0).Equal(dates[2]))

	require.Len(t, cl.calls, 6)
	assert.True(t, at(11, 22, 0, 0).Equal(cl.calls[2].stopAt))
	assert.True(t, at(12, 23, 30, 0).Equal(cl.calls[5].stopAt))
}
