// Package monitor tracks exchange orders by polling until they reach a
// terminal status or a wall-clock deadline. Fill deltas observed along the
// way are delivered as an increment stream so hedging can start while the
// order is still filling.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/pairhedge/pairhedge/binance"
	"github.com/pairhedge/pairhedge/internal/clock"
)

const (
	defaultStreamInterval = 2 * time.Second
	defaultWaitInterval   = 3 * time.Second
	defaultErrorInterval  = 5 * time.Second
)

// OrderGetter is the one exchange capability the monitor needs.
type OrderGetter interface {
	GetOrder(ctx context.Context, symbol string, orderID int64) (binance.Order, error)
}

// Monitor polls orders on behalf of the coordinator. An order is polled only
// while non-terminal, and never at or past the watch deadline.
type Monitor struct {
	orders OrderGetter
	clk    clock.Clock
	logger *slog.Logger

	streamInterval time.Duration
	waitInterval   time.Duration
	errorInterval  time.Duration
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithClock injects the time source.
func WithClock(clk clock.Clock) Option {
	return func(m *Monitor) {
		if clk != nil {
			m.clk = clk
		}
	}
}

// WithLogger scopes the monitor's log output.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithIntervals overrides the three polling intervals: stream while fills are
// flowing, wait for plain terminal watches, error after a failed poll.
func WithIntervals(stream, wait, errInterval time.Duration) Option {
	return func(m *Monitor) {
		if stream > 0 {
			m.streamInterval = stream
		}
		if wait > 0 {
			m.waitInterval = wait
		}
		if errInterval > 0 {
			m.errorInterval = errInterval
		}
	}
}

// New creates a Monitor over the given order source.
func New(orders OrderGetter, opts ...Option) *Monitor {
	m := &Monitor{
		orders:         orders,
		clk:            clock.System(),
		logger:         slog.Default(),
		streamInterval: defaultStreamInterval,
		waitInterval:   defaultWaitInterval,
		errorInterval:  defaultErrorInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithGroup("monitor")
	return m
}

// WaitResult is the outcome of a terminal watch. Order holds the last
// observed snapshot and stays zero when no poll succeeded before timeout.
type WaitResult struct {
	Filled   bool
	TimedOut bool
	Order    binance.Order
}

// WaitForTerminal polls until the order reaches a terminal status or maxWait
// elapses, whichever comes first. Transient poll errors are retried on the
// error interval and never count as terminal. The returned error is non-nil
// only when ctx ends the watch early.
func (m *Monitor) WaitForTerminal(ctx context.Context, symbol string, orderID int64, maxWait time.Duration) (WaitResult, error) {
	deadline := m.clk.Now().Add(maxWait)
	logger := m.logger.With(slog.String("symbol", symbol), slog.Int64("order_id", orderID))

	var res WaitResult
	for {
		if !m.clk.Now().Before(deadline) {
			res.TimedOut = true
			return res, nil
		}

		order, err := m.orders.GetOrder(ctx, symbol, orderID)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		interval := m.waitInterval
		if err != nil {
			logger.Warn("order poll failed", slog.String("error", err.Error()))
			interval = m.errorInterval
		} else {
			res.Order = order
			if order.Status.Terminal() {
				res.Filled = order.Status == binance.StatusFilled
				return res, nil
			}
		}

		if err := m.sleepUntil(ctx, deadline, interval); err != nil {
			return res, err
		}
	}
}

// FillIncrement is one newly observed fill delta. Delta is always positive;
// Cumulative is the running executed total after applying it.
type FillIncrement struct {
	Delta      float64
	Cumulative float64
	Order      binance.Order
}

// StreamResult is the final outcome of a fill stream. TotalExecuted is the
// high-water executed quantity the stream observed.
type StreamResult struct {
	Filled        bool
	TimedOut      bool
	TotalExecuted float64
	Order         binance.Order
}

// FillStream delivers fill increments while a watch runs. The increment
// channel is unbuffered: the monitor does not poll again until the consumer
// has taken the pending increment, so hedging an increment naturally paces
// the stream.
type FillStream struct {
	increments chan FillIncrement
	done       chan struct{}
	res        StreamResult
	err        error
}

// Increments returns the delta channel. It is closed when the stream ends.
func (s *FillStream) Increments() <-chan FillIncrement { return s.increments }

// Result blocks until the stream ends. On a ctx error the partial result is
// still meaningful: TotalExecuted holds everything observed so far.
func (s *FillStream) Result() (StreamResult, error) {
	<-s.done
	return s.res, s.err
}

// StreamFills watches the order and emits an increment for every executed
// quantity increase, including the one carried by the terminal snapshot. The
// stream ends on a terminal status, on the deadline, or on ctx cancellation.
func (m *Monitor) StreamFills(ctx context.Context, symbol string, orderID int64, maxWait time.Duration) *FillStream {
	s := &FillStream{
		increments: make(chan FillIncrement),
		done:       make(chan struct{}),
	}
	go m.streamLoop(ctx, symbol, orderID, maxWait, s)
	return s
}

func (m *Monitor) streamLoop(ctx context.Context, symbol string, orderID int64, maxWait time.Duration, s *FillStream) {
	deadline := m.clk.Now().Add(maxWait)
	logger := m.logger.With(slog.String("symbol", symbol), slog.Int64("order_id", orderID))

	var res StreamResult
	var lastSeen float64
	finish := func(err error) {
		res.TotalExecuted = lastSeen
		s.res = res
		s.err = err
		close(s.increments)
		close(s.done)
	}

	for {
		if !m.clk.Now().Before(deadline) {
			res.TimedOut = true
			finish(nil)
			return
		}

		order, err := m.orders.GetOrder(ctx, symbol, orderID)
		if ctxErr := ctx.Err(); ctxErr != nil {
			finish(ctxErr)
			return
		}
		interval := m.streamInterval
		if err != nil {
			logger.Warn("order poll failed", slog.String("error", err.Error()))
			interval = m.errorInterval
		} else {
			res.Order = order
			// A snapshot reporting less than already seen would mean a
			// negative delta; the high-water mark stands and nothing is
			// emitted.
			if delta := order.Executed - lastSeen; delta > 0 {
				lastSeen = order.Executed
				inc := FillIncrement{Delta: delta, Cumulative: lastSeen, Order: order}
				select {
				case s.increments <- inc:
				case <-ctx.Done():
					finish(ctx.Err())
					return
				}
			}
			if order.Status.Terminal() {
				res.Filled = order.Status == binance.StatusFilled
				finish(nil)
				return
			}
		}

		if err := m.sleepUntil(ctx, deadline, interval); err != nil {
			finish(err)
			return
		}
	}
}

// sleepUntil sleeps for interval, capped so the wake-up lands no later than
// the deadline.
func (m *Monitor) sleepUntil(ctx context.Context, deadline time.Time, interval time.Duration) error {
	if remaining := deadline.Sub(m.clk.Now()); remaining < interval {
		interval = remaining
	}
	if interval <= 0 {
		return ctx.Err()
	}
	return m.clk.Sleep(ctx, interval)
}
