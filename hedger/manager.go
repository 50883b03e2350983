package hedger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pairhedge/pairhedge/alert"
	"github.com/pairhedge/pairhedge/log"
)

// ManagerConfig tunes the cycle loop and the shutdown sequence.
type ManagerConfig struct {
	// CooldownMin/CooldownMax bound the randomized pause between successful
	// cycles.
	CooldownMin time.Duration
	CooldownMax time.Duration
	// FailureBackoff is the fixed pause after a failed cycle.
	FailureBackoff time.Duration
	// ShutdownTimeout bounds the whole teardown sequence.
	ShutdownTimeout time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.CooldownMin <= 0 {
		c.CooldownMin = 30 * time.Second
	}
	if c.CooldownMax <= 0 {
		c.CooldownMax = 90 * time.Second
	}
	if c.FailureBackoff <= 0 {
		c.FailureBackoff = 60 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 2 * time.Minute
	}
	return c
}

// Manager owns the endless cycle loop and the graceful teardown. It borrows
// the coordinator's clock, randomness, logger, and notifier so the whole
// engine shares one set of collaborators.
type Manager struct {
	co  *Coordinator
	cfg ManagerConfig

	logger       *slog.Logger
	seq          atomic.Uint32
	sessionStart time.Time

	shuttingDown atomic.Bool
	shutdownDone chan struct{}
}

// NewManager wraps a coordinator in the run loop.
func NewManager(co *Coordinator, cfg ManagerConfig) *Manager {
	return &Manager{
		co:           co,
		cfg:          cfg.withDefaults(),
		logger:       co.logger.WithGroup("manager"),
		sessionStart: co.clk.Now(),
		shutdownDone: make(chan struct{}),
	}
}

// Run prepares the venues once, then loops hedge cycles until the context is
// canceled. A failed cycle is logged, alerted, and backed off; only
// preparation failures and cancellation end the loop. Cancellation returns
// nil so the caller can run Shutdown and exit clean.
func (m *Manager) Run(ctx context.Context) error {
	m.sessionStart = m.co.clk.Now()
	if err := m.co.Prepare(ctx); err != nil {
		return fmt.Errorf("preparing venues: %w", err)
	}
	m.logger.Info("engine started",
		slog.String("symbol", m.co.cfg.Symbol),
		slog.Int("venues", len(m.co.venues)))

	for {
		if ctx.Err() != nil {
			return nil
		}
		seq := m.seq.Add(1)
		err := m.co.RunCycle(ctx, seq)
		switch {
		case err == nil:
			cooldown := uniformDuration(m.co.rng, m.cfg.CooldownMin, m.cfg.CooldownMax)
			m.logger.Info("cooldown before next cycle",
				slog.Uint64("cycle", uint64(seq)),
				slog.Duration("cooldown", cooldown))
			if err := m.co.clk.Sleep(ctx, cooldown); err != nil {
				return nil
			}
		case ctx.Err() != nil:
			return nil
		default:
			m.logger.Error("cycle failed",
				slog.Uint64("cycle", uint64(seq)),
				log.Err(err))
			m.co.notifier.Notify(ctx, alert.Event{
				Subject: "hedge cycle failed",
				Detail:  fmt.Sprintf("cycle %d: %v", seq, err),
				At:      m.co.clk.Now(),
			})
			m.co.ReportPositions(ctx)
			if err := m.co.clk.Sleep(ctx, m.cfg.FailureBackoff); err != nil {
				return nil
			}
		}
	}
}

// Shutdown runs the teardown sequence exactly once: cancel open orders on
// every venue, unwind positions through the coordinator's closing guard, and
// log the session income summary. Concurrent and repeated calls wait for the
// first run to finish instead of starting another. The parent context is
// typically already canceled by the triggering signal, so teardown runs on
// its own deadline detached from the parent's cancellation.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.shuttingDown.CompareAndSwap(false, true) {
		select {
		case <-m.shutdownDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer close(m.shutdownDone)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ShutdownTimeout)
	defer cancel()

	m.logger.Info("shutdown started")
	var errs []error
	if err := m.co.CancelAllOrders(ctx); err != nil {
		m.logger.Warn("canceling open orders during shutdown", log.Err(err))
		errs = append(errs, fmt.Errorf("canceling open orders: %w", err))
	}
	if err := m.co.Unwind(ctx, 0, "shutdown"); err != nil {
		m.logger.Error("shutdown unwind failed", log.Err(err))
		m.co.notifier.Notify(ctx, alert.Event{
			Subject: "shutdown unwind failed",
			Detail:  err.Error(),
			At:      m.co.clk.Now(),
		})
		errs = append(errs, fmt.Errorf("unwinding: %w", err))
	}
	for _, s := range m.co.IncomeSummaries(ctx, m.sessionStart) {
		attrs := []any{
			slog.String("account", s.Account),
			slog.Float64("total", s.Total),
		}
		for typ, amount := range s.ByType {
			attrs = append(attrs, slog.Float64(typ, amount))
		}
		m.logger.Info("session income", attrs...)
	}
	m.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
