package scheduler

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/rustyeddy/nightguard/clock"
	"github.com/rustyeddy/nightguard/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 5, 20, 0, 0, 0, time.UTC)

func fakeScheduler(t *testing.T, opts Options) (*Scheduler, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(t0)
	return New(clk, opts, nil), clk
}

func drain(ch <-chan Task) []Task {
	var out []Task
	for task := range ch {
		out = append(out, task)
	}
	return out
}

func symbols(tasks []Task) []string {
	var out []string
	for _, task := range tasks {
		if task.Kind == KindEnd {
			out = append(out, "END")
			continue
		}
		out = append(out, task.Close.Symbol)
	}
	return out
}

func TestDeliversInDueOrder(t *testing.T) {
	t.Parallel()

	s, _ := fakeScheduler(t, Options{})

	offsets := []int{50, 10, 40, 20, 30, 5, 45, 15}
	rng := rand.New(rand.NewSource(7))
	rng.Shuffle(len(offsets), func(i, j int) { offsets[i], offsets[j] = offsets[j], offsets[i] })
	for _, m := range offsets {
		s.Enqueue(CloseTask(t0.Add(time.Duration(m)*time.Minute), "S", rules.All()))
	}
	s.Enqueue(EndTask(t0.Add(2 * time.Hour)))

	require.NoError(t, s.Run(context.Background()))
	got := drain(s.Tasks())
	require.Len(t, got, len(offsets)+1)
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].DueAt.Before(got[i-1].DueAt), "task %d delivered out of order", i)
	}
	assert.Equal(t, KindEnd, got[len(got)-1].Kind)
}

func TestEqualDueIsFIFO(t *testing.T) {
	t.Parallel()

	s, _ := fakeScheduler(t, Options{})
	due := t0.Add(time.Hour)
	for _, sym := range []string{"EURUSD", "AUDUSD", "GBPUSD", "USDJPY"} {
		s.Enqueue(CloseTask(due, sym, rules.All()))
	}
	s.Enqueue(CloseTask(t0.Add(30*time.Minute), "FIRST", rules.All()))
	s.Enqueue(EndTask(due.Add(time.Hour)))

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t,
		[]string{"FIRST", "EURUSD", "AUDUSD", "GBPUSD", "USDJPY", "END"},
		symbols(drain(s.Tasks())),
	)
}

func TestEnqueueAssignsIncreasingSeq(t *testing.T) {
	t.Parallel()

	s, _ := fakeScheduler(t, Options{})
	a := s.Enqueue(EndTask(t0))
	b := s.Enqueue(EndTask(t0))
	assert.Less(t, a.Seq(), b.Seq())
	assert.Equal(t, 2, s.Len())
}

func TestOverduePolicy(t *testing.T) {
	t.Parallel()

	s, _ := fakeScheduler(t, Options{OverdueThreshold: 5 * time.Minute})
	s.Enqueue(CloseTask(t0.Add(-10*time.Minute), "STALE", rules.All()))
	s.Enqueue(CloseTask(t0.Add(-5*time.Minute-time.Second), "JUST_STALE", rules.All()))
	s.Enqueue(CloseTask(t0.Add(-time.Minute), "LATE", rules.All()))
	s.Enqueue(CloseTask(t0.Add(time.Minute), "ON_TIME", rules.All()))
	s.Enqueue(EndTask(t0.Add(time.Hour)))

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []string{"LATE", "ON_TIME", "END"}, symbols(drain(s.Tasks())))
}

func TestOverdueEndStillEndsNight(t *testing.T) {
	t.Parallel()

	s, _ := fakeScheduler(t, Options{OverdueThreshold: time.Minute})
	s.Enqueue(EndTask(t0.Add(-time.Hour)))

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []string{"END"}, symbols(drain(s.Tasks())))
}

func TestSafetyMarginFiresEarly(t *testing.T) {
	t.Parallel()

	s, clk := fakeScheduler(t, Options{SafetyMargin: time.Second})
	s.Enqueue(EndTask(t0.Add(time.Hour)))

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, t0.Add(time.Hour-time.Second), clk.Now())
}

func TestMaxSleepRereadsClock(t *testing.T) {
	t.Parallel()

	clk := &countingClock{Fake: clock.NewFake(t0)}
	s := New(clk, Options{MaxSleep: 10 * time.Minute}, nil)
	s.Enqueue(EndTask(t0.Add(time.Hour)))

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 6, clk.afters)
	assert.Equal(t, t0.Add(time.Hour), clk.Now())
}

type countingClock struct {
	*clock.Fake
	afters int
}

func (c *countingClock) After(d time.Duration) <-chan time.Time {
	c.afters++
	return c.Fake.After(d)
}

func TestEarlierEnqueuePreemptsWait(t *testing.T) {
	t.Parallel()

	s := New(clock.Real{}, Options{SafetyMargin: 0}, nil)
	start := time.Now()
	s.Enqueue(CloseTask(start.Add(400*time.Millisecond), "LATER", rules.All()))
	s.Enqueue(EndTask(start.Add(600 * time.Millisecond)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	s.Enqueue(CloseTask(start.Add(150*time.Millisecond), "EARLIER", rules.All()))

	got := drain(s.Tasks())
	require.NoError(t, <-errc)
	assert.Equal(t, []string{"EARLIER", "LATER", "END"}, symbols(got))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestLateTaskIsDeliveredImmediately(t *testing.T) {
	t.Parallel()

	s := New(clock.Real{}, Options{OverdueThreshold: time.Minute}, nil)
	s.Enqueue(CloseTask(time.Now().Add(-2*time.Second), "LATE", rules.All()))
	s.Enqueue(EndTask(time.Now().Add(time.Hour)))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	start := time.Now()
	select {
	case task := <-s.Tasks():
		assert.Equal(t, "LATE", task.Close.Symbol)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("late task was not delivered")
	}

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	_, open := <-s.Tasks()
	assert.False(t, open)
}

func TestRunWaitsForFirstEnqueue(t *testing.T) {
	t.Parallel()

	s := New(clock.Real{}, Options{}, nil)
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	s.Enqueue(EndTask(time.Now()))

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not wake on enqueue")
	}
}

func TestSchedule(t *testing.T) {
	t.Parallel()

	s, _ := fakeScheduler(t, Options{})
	night := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 6, 0, 0, 1, 0, time.UTC)

	rs := []rules.Rule{
		{Symbol: "EURUSD", Cutoff: rules.MustTimeOfDay("22:00"), Strategies: rules.All()},
		{Symbol: "GBPUSD", Cutoff: rules.MustTimeOfDay("23:30"), Strategies: rules.NewStrategySet(101, 102)},
		{Symbol: "EMPTY", Cutoff: rules.MustTimeOfDay("22:30"), Strategies: rules.StrategySet{}},
	}
	n := s.Schedule(rs, night, end)
	assert.Equal(t, 2, n)

	require.NoError(t, s.Run(context.Background()))
	got := drain(s.Tasks())
	require.Len(t, got, 3)
	assert.Equal(t, time.Date(2024, 3, 5, 22, 0, 0, 0, time.UTC), got[0].DueAt)
	assert.Equal(t, rules.NewStrategySet(101, 102), got[1].Close.Strategies)
	assert.Equal(t, KindEnd, got[2].Kind)
	assert.Equal(t, end, got[2].DueAt)
}

func TestScheduleSkipsCutoffAtOrAfterEnd(t *testing.T) {
	t.Parallel()

	s, _ := fakeScheduler(t, Options{})
	night := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 5, 23, 0, 0, 0, time.UTC)

	n := s.Schedule([]rules.Rule{
		{Symbol: "AT_END", Cutoff: rules.MustTimeOfDay("23:00"), Strategies: rules.All()},
		{Symbol: "AFTER", Cutoff: rules.MustTimeOfDay("23:30"), Strategies: rules.All()},
	}, night, end)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, s.Len())
}

func TestKindString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "close_position", KindClosePosition.String())
	assert.Equal(t, "end", KindEnd.String())
	assert.Equal(t, "kind(9)", Kind(9).String())
}
