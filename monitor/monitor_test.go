package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pairhedge/pairhedge/binance"
	"github.com/pairhedge/pairhedge/internal/clock"
	"github.com/pairhedge/pairhedge/internal/testutil"
)

// scriptedOrders serves one scripted snapshot per poll, the last repeating,
// and can inject per-poll latency into the fake clock and errors at chosen
// poll indexes.
type scriptedOrders struct {
	fake    *clock.Fake
	latency time.Duration

	mu        sync.Mutex
	snapshots []binance.Order
	errAt     map[int]error
	pollTimes []time.Time
}

func (s *scriptedOrders) GetOrder(context.Context, string, int64) (binance.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.pollTimes)
	s.pollTimes = append(s.pollTimes, s.fake.Now())
	if s.latency > 0 {
		s.fake.Advance(s.latency)
	}
	if err, ok := s.errAt[idx]; ok {
		return binance.Order{}, err
	}
	i := idx
	if i >= len(s.snapshots) {
		i = len(s.snapshots) - 1
	}
	return s.snapshots[i], nil
}

func (s *scriptedOrders) polls() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.pollTimes...)
}

func snap(status binance.OrderStatus, executed float64) binance.Order {
	return testutil.Order(testutil.WithStatus(status), testutil.WithExecuted(executed))
}

func newFakeMonitor(t *testing.T, script *scriptedOrders) (*Monitor, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	script.fake = fake
	return New(script, WithClock(fake)), fake
}

func TestWaitForTerminalReturnsOnFill(t *testing.T) {
	t.Parallel()

	script := &scriptedOrders{snapshots: []binance.Order{
		snap(binance.StatusNew, 0),
		snap(binance.StatusPartiallyFilled, 0.002),
		snap(binance.StatusFilled, 0.005),
	}}
	m, _ := newFakeMonitor(t, script)

	res, err := m.WaitForTerminal(context.Background(), "BTCUSDT", 7, time.Minute)
	require.NoError(t, err)
	require.True(t, res.Filled)
	require.False(t, res.TimedOut)
	require.Equal(t, binance.StatusFilled, res.Order.Status)
	require.Len(t, script.polls(), 3)
}

func TestWaitForTerminalDetectsCancel(t *testing.T) {
	t.Parallel()

	script := &scriptedOrders{snapshots: []binance.Order{
		snap(binance.StatusCanceled, 0.001),
	}}
	m, _ := newFakeMonitor(t, script)

	res, err := m.WaitForTerminal(context.Background(), "BTCUSDT", 7, time.Minute)
	require.NoError(t, err)
	require.False(t, res.Filled)
	require.False(t, res.TimedOut)
	require.Equal(t, binance.StatusCanceled, res.Order.Status)
}

func TestWaitForTerminalTimesOut(t *testing.T) {
	t.Parallel()

	script := &scriptedOrders{snapshots: []binance.Order{
		snap(binance.StatusNew, 0),
	}}
	m, fake := newFakeMonitor(t, script)
	start := fake.Now()
	deadline := start.Add(10 * time.Second)

	res, err := m.WaitForTerminal(context.Background(), "BTCUSDT", 7, 10*time.Second)
	require.NoError(t, err)
	require.True(t, res.TimedOut)
	require.False(t, res.Filled)
	require.Equal(t, binance.StatusNew, res.Order.Status, "last snapshot survives a timeout")

	// 3s wait interval inside a 10s budget: polls at 0, 3, 6, 9 and then the
	// capped sleep wakes exactly at the deadline with no further poll.
	polls := script.polls()
	require.Len(t, polls, 4)
	for _, at := range polls {
		require.True(t, at.Before(deadline), "poll at %v is not before deadline %v", at, deadline)
	}
	require.Equal(t, deadline, fake.Now(), "watch must end exactly at its deadline")
}

func TestWaitForTerminalNeverPollsPastDeadlineUnderLatency(t *testing.T) {
	t.Parallel()

	script := &scriptedOrders{
		latency:   2 * time.Second,
		snapshots: []binance.Order{snap(binance.StatusNew, 0)},
	}
	m, fake := newFakeMonitor(t, script)
	deadline := fake.Now().Add(10 * time.Second)

	res, err := m.WaitForTerminal(context.Background(), "BTCUSDT", 7, 10*time.Second)
	require.NoError(t, err)
	require.True(t, res.TimedOut)

	for _, at := range script.polls() {
		require.True(t, at.Before(deadline), "poll at %v is not before deadline %v", at, deadline)
	}
}

func TestWaitForTerminalZeroBudgetNeverPolls(t *testing.T) {
	t.Parallel()

	script := &scriptedOrders{snapshots: []binance.Order{snap(binance.StatusNew, 0)}}
	m, _ := newFakeMonitor(t, script)

	res, err := m.WaitForTerminal(context.Background(), "BTCUSDT", 7, 0)
	require.NoError(t, err)
	require.True(t, res.TimedOut)
	require.Empty(t, script.polls())
}

func TestWaitForTerminalRetriesErrorsOnErrorInterval(t *testing.T) {
	t.Parallel()

	script := &scriptedOrders{
		snapshots: []binance.Order{
			snap(binance.StatusNew, 0),
			snap(binance.StatusFilled, 0.005),
		},
		errAt: map[int]error{0: errors.New("connection reset")},
	}
	m, fake := newFakeMonitor(t, script)

	res, err := m.WaitForTerminal(context.Background(), "BTCUSDT", 7, 30*time.Second)
	require.NoError(t, err)
	require.True(t, res.Filled)
	require.Len(t, script.polls(), 2)

	slept := fake.Slept()
	require.NotEmpty(t, slept)
	require.Equal(t, 5*time.Second, slept[0], "a failed poll backs off on the error interval")
}

func TestStreamFillsEmitsMonotoneIncrements(t *testing.T) {
	t.Parallel()

	script := &scriptedOrders{snapshots: []binance.Order{
		snap(binance.StatusPartiallyFilled, 0.001),
		snap(binance.StatusPartiallyFilled, 0.001),
		snap(binance.StatusPartiallyFilled, 0.003),
		snap(binance.StatusFilled, 0.005),
	}}
	m, _ := newFakeMonitor(t, script)

	stream := m.StreamFills(context.Background(), "BTCUSDT", 7, time.Minute)
	var got []FillIncrement
	for inc := range stream.Increments() {
		got = append(got, inc)
	}
	res, err := stream.Result()
	require.NoError(t, err)
	require.True(t, res.Filled)
	require.False(t, res.TimedOut)
	require.InDelta(t, 0.005, res.TotalExecuted, 1e-12)

	require.Len(t, got, 3, "the repeated snapshot must not be double-counted")
	require.InDelta(t, 0.001, got[0].Delta, 1e-12)
	require.InDelta(t, 0.002, got[1].Delta, 1e-12)
	require.InDelta(t, 0.002, got[2].Delta, 1e-12)

	var sum float64
	prev := 0.0
	for _, inc := range got {
		require.Greater(t, inc.Delta, 0.0)
		require.GreaterOrEqual(t, inc.Cumulative, prev, "cumulative totals must be monotone")
		prev = inc.Cumulative
		sum += inc.Delta
	}
	require.InDelta(t, res.TotalExecuted, sum, 1e-12, "deltas must add up to the executed total")
}

func TestStreamFillsIgnoresRegressedSnapshots(t *testing.T) {
	t.Parallel()

	script := &scriptedOrders{snapshots: []binance.Order{
		snap(binance.StatusPartiallyFilled, 0.003),
		snap(binance.StatusPartiallyFilled, 0.002),
		snap(binance.StatusFilled, 0.003),
	}}
	m, _ := newFakeMonitor(t, script)

	stream := m.StreamFills(context.Background(), "BTCUSDT", 7, time.Minute)
	var got []FillIncrement
	for inc := range stream.Increments() {
		got = append(got, inc)
	}
	res, err := stream.Result()
	require.NoError(t, err)
	require.True(t, res.Filled)
	require.Len(t, got, 1, "a regressed executed quantity must not emit")
	require.InDelta(t, 0.003, res.TotalExecuted, 1e-12, "the high-water mark stands")
}

func TestStreamFillsTimesOutWithPartialTotal(t *testing.T) {
	t.Parallel()

	script := &scriptedOrders{snapshots: []binance.Order{
		snap(binance.StatusPartiallyFilled, 0.003),
	}}
	m, _ := newFakeMonitor(t, script)

	stream := m.StreamFills(context.Background(), "BTCUSDT", 7, 10*time.Second)
	var got []FillIncrement
	for inc := range stream.Increments() {
		got = append(got, inc)
	}
	res, err := stream.Result()
	require.NoError(t, err)
	require.True(t, res.TimedOut)
	require.False(t, res.Filled)
	require.Len(t, got, 1)
	require.InDelta(t, 0.003, res.TotalExecuted, 1e-12)
}

func TestStreamFillsStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	script := &scriptedOrders{snapshots: []binance.Order{
		snap(binance.StatusPartiallyFilled, 0.001),
	}}
	m, _ := newFakeMonitor(t, script)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stream := m.StreamFills(ctx, "BTCUSDT", 7, time.Minute)
	for range stream.Increments() {
	}
	_, err := stream.Result()
	require.ErrorIs(t, err, context.Canceled)
}
