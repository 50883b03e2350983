package hedger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pairhedge/pairhedge/alert"
	"github.com/pairhedge/pairhedge/binance"
	"github.com/pairhedge/pairhedge/cid"
	"github.com/pairhedge/pairhedge/internal/clock"
	"github.com/pairhedge/pairhedge/log"
)

// Config is the immutable cycle configuration.
type Config struct {
	Symbol   string
	Leverage int
	Sizing   SizingPolicy

	// RehangAttempts bounds how many times the primary limit order is placed
	// before the residual is force-closed with market orders.
	RehangAttempts int
	// OrderWait bounds each fill stream.
	OrderWait time.Duration
	// HoldMin/HoldMax bound the randomized position hold.
	HoldMin time.Duration
	HoldMax time.Duration
	// Tolerance is the acceptable executed-vs-hedged divergence in units.
	Tolerance float64
	// MinBalance gates cycle entry on every account's free USDT. Zero
	// disables the gate.
	MinBalance float64
}

func (c Config) withDefaults() Config {
	if c.Leverage <= 0 {
		c.Leverage = 10
	}
	if c.RehangAttempts <= 0 {
		c.RehangAttempts = 3
	}
	if c.OrderWait <= 0 {
		c.OrderWait = 45 * time.Second
	}
	if c.HoldMin <= 0 {
		c.HoldMin = 5 * time.Minute
	}
	if c.HoldMax <= 0 {
		c.HoldMax = 15 * time.Minute
	}
	if c.Tolerance <= 0 {
		c.Tolerance = 0.001
	}
	return c
}

// Coordinator drives hedge cycles over a fixed set of venues. The first venue
// set stays for the process lifetime; per-cycle roles are drawn fresh.
type Coordinator struct {
	cfg    Config
	venues []Venue

	rng      Rand
	clk      clock.Clock
	logger   *slog.Logger
	notifier alert.Notifier
	recorder Recorder

	// orderSeq numbers orders placed outside a cycle's own counter, such as
	// unwind closes.
	orderSeq atomic.Uint32

	closeMu   sync.Mutex
	closing   bool
	closeDone chan struct{}
}

// CoordinatorOption customizes a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithRand injects the randomness source.
func WithRand(r Rand) CoordinatorOption {
	return func(co *Coordinator) {
		if r != nil {
			co.rng = r
		}
	}
}

// WithClock injects the time source.
func WithClock(clk clock.Clock) CoordinatorOption {
	return func(co *Coordinator) {
		if clk != nil {
			co.clk = clk
		}
	}
}

// WithLogger scopes the coordinator's log output.
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(co *Coordinator) {
		if logger != nil {
			co.logger = logger
		}
	}
}

// WithNotifier wires the alert collaborator.
func WithNotifier(n alert.Notifier) CoordinatorOption {
	return func(co *Coordinator) {
		if n != nil {
			co.notifier = n
		}
	}
}

// WithRecorder wires the audit journal.
func WithRecorder(rec Recorder) CoordinatorOption {
	return func(co *Coordinator) {
		if rec != nil {
			co.recorder = rec
		}
	}
}

// NewCoordinator builds the coordinator over two or more venues.
func NewCoordinator(cfg Config, venues []Venue, opts ...CoordinatorOption) (*Coordinator, error) {
	if cfg.Symbol == "" {
		return nil, errors.New("symbol is required")
	}
	if len(venues) < 2 {
		return nil, fmt.Errorf("at least two venues required, got %d", len(venues))
	}
	if len(venues) > 255 {
		return nil, fmt.Errorf("too many venues: %d", len(venues))
	}
	co := &Coordinator{
		cfg:      cfg.withDefaults(),
		venues:   venues,
		rng:      defaultRand(),
		clk:      clock.System(),
		logger:   slog.Default(),
		notifier: alert.Nop{},
		recorder: NopRecorder{},
	}
	for _, opt := range opts {
		opt(co)
	}
	co.logger = co.logger.WithGroup("hedger")
	return co, nil
}

// Cycle is the mutable state of one open→hold→close round. Created per loop
// iteration, never persisted.
type Cycle struct {
	Seq     uint32
	Primary int
	Helpers []int
	Target  float64
	// Shares is the per-helper split of Target; Obligations is what each
	// helper still owes, decreasing as hedges execute. Both align with
	// Helpers.
	Shares      []float64
	Obligations []float64
	// Executed is the primary's filled total; Hedged the helpers' combined
	// filled total.
	Executed  float64
	Hedged    float64
	Rehangs   int
	StartedAt time.Time

	nextSeq uint16
}

func (cy *Cycle) nextOrderSeq() uint16 {
	cy.nextSeq++
	return cy.nextSeq
}

func (cy *Cycle) totalObligation() float64 {
	var total float64
	for _, ob := range cy.Obligations {
		total += ob
	}
	return total
}

func (co *Coordinator) clientID(cy *Cycle, venueIdx int, role cid.Role, attempt int) string {
	return cid.New(co.clk.Now(), cy.Seq, uint8(venueIdx), role, uint8(attempt), cy.nextOrderSeq()).String()
}

// Prepare syncs every venue's clock and sets the symbol leverage. Called once
// at startup; a failure here is fatal, unlike cycle-level errors.
func (co *Coordinator) Prepare(ctx context.Context) error {
	return co.eachVenue(ctx, func(ctx context.Context, v Venue) error {
		if err := v.Exchange.SyncClock(ctx); err != nil {
			return fmt.Errorf("syncing clock: %w", err)
		}
		if err := v.Exchange.SetLeverage(ctx, co.cfg.Symbol, co.cfg.Leverage); err != nil {
			return fmt.Errorf("setting leverage: %w", err)
		}
		return nil
	})
}

// RunCycle drives one full open→hold→close round. Any error aborts this
// cycle only; the caller decides what happens next.
func (co *Coordinator) RunCycle(ctx context.Context, seq uint32) error {
	logger := co.logger.With(slog.Uint64("cycle", uint64(seq)))
	started := co.clk.Now()

	if err := co.checkBalances(ctx); err != nil {
		return err
	}

	primary := co.rng.IntN(len(co.venues))
	helpers := make([]int, 0, len(co.venues)-1)
	for i := range co.venues {
		if i != primary {
			helpers = append(helpers, i)
		}
	}

	refPrice, err := co.venues[primary].Exchange.Price(ctx, co.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("fetching reference price: %w", err)
	}
	constraints := co.venues[primary].Exchange.Constraints()
	target, err := drawTarget(co.rng, co.cfg.Sizing, len(helpers), refPrice, constraints)
	if err != nil {
		return fmt.Errorf("sizing cycle: %w", err)
	}
	shares, err := splitTarget(co.rng, target, len(helpers), co.cfg.Sizing.MinQuantity, constraints)
	if err != nil {
		return fmt.Errorf("splitting target: %w", err)
	}

	cy := &Cycle{
		Seq:         seq,
		Primary:     primary,
		Helpers:     helpers,
		Target:      target,
		Shares:      shares,
		Obligations: append([]float64(nil), shares...),
		StartedAt:   started,
	}
	logger.Info("cycle opened",
		slog.String("primary", co.venues[primary].Label()),
		slog.Float64("reference_price", refPrice),
		slog.Float64("target", target),
		slog.Any("shares", shares))

	status, err := co.hedge(ctx, cy, logger)
	if err != nil {
		co.finishCycle(ctx, cy, CycleStatusFailed, err.Error(), logger)
		return err
	}
	logger.Info("hedge phase complete",
		slog.String("status", status),
		slog.Float64("executed", cy.Executed),
		slog.Float64("hedged", cy.Hedged),
		slog.Int("rehangs", cy.Rehangs))

	hold := uniformDuration(co.rng, co.cfg.HoldMin, co.cfg.HoldMax)
	logger.Info("holding position", slog.Duration("hold", hold))
	if err := co.clk.Sleep(ctx, hold); err != nil {
		co.finishCycle(ctx, cy, status, "hold interrupted by shutdown", logger)
		return err
	}

	if err := co.Unwind(ctx, seq, "cycle"); err != nil {
		co.finishCycle(ctx, cy, CycleStatusFailed, err.Error(), logger)
		return fmt.Errorf("unwinding: %w", err)
	}

	report, err := co.Reconcile(ctx, cy)
	if err != nil {
		co.finishCycle(ctx, cy, CycleStatusFailed, err.Error(), logger)
		return fmt.Errorf("reconciling: %w", err)
	}
	var anomaly string
	if !report.Converged {
		anomaly = fmt.Sprintf("reconcile diverged: residual %.6f after corrective %.6f", report.Residual, report.Corrective)
		logger.Warn("reconciliation did not converge",
			slog.Float64("residual", report.Residual),
			slog.Float64("corrective", report.Corrective))
		co.notifier.Notify(ctx, alert.Event{
			Subject: "reconciliation diverged",
			Detail:  fmt.Sprintf("cycle %d: %s", seq, anomaly),
			At:      co.clk.Now(),
		})
	}

	co.recordIncome(ctx, cy, logger)
	co.finishCycle(ctx, cy, status, anomaly, logger)
	logger.Info("cycle closed", slog.String("status", status))
	return nil
}

// hedge runs the rehang loop: LIMIT buy on the primary at the best bid,
// streaming each fill increment into proportional helper market sells. A
// timed out attempt cancels the order, captures any last-moment fill, and
// retries with the unfilled remainder at a fresh bid. Exhausted attempts
// force-close the residual on both sides at market.
func (co *Coordinator) hedge(ctx context.Context, cy *Cycle, logger *slog.Logger) (string, error) {
	primary := co.venues[cy.Primary]
	constraints := primary.Exchange.Constraints()
	remaining := cy.Target

	for attempt := 1; attempt <= co.cfg.RehangAttempts; attempt++ {
		cy.Rehangs = attempt - 1

		bid, err := primary.Exchange.BestBid(ctx, co.cfg.Symbol)
		if err != nil {
			return "", fmt.Errorf("fetching best bid: %w", err)
		}
		order, err := primary.Exchange.PlaceLimit(ctx, co.cfg.Symbol, binance.Buy, remaining, bid.Price,
			co.clientID(cy, cy.Primary, cid.RolePrimary, attempt))
		if err != nil {
			return "", fmt.Errorf("placing primary limit: %w", err)
		}
		co.recordOrder(ctx, cy, cy.Primary, order, logger)

		stream := primary.Watcher.StreamFills(ctx, co.cfg.Symbol, order.OrderID, co.cfg.OrderWait)
		for inc := range stream.Increments() {
			cy.Executed += inc.Delta
			co.dispatchIncrement(ctx, cy, inc.Delta, attempt, logger)
		}
		res, err := stream.Result()
		if err != nil {
			return "", err
		}

		if res.Filled {
			co.correctShortfall(ctx, cy, attempt, logger)
			return CycleStatusHedged, nil
		}

		// Timed out. Cancel, then refetch once: a fill can land between the
		// stream's last poll and the cancel.
		if err := primary.Exchange.CancelOrder(ctx, co.cfg.Symbol, order.OrderID); err != nil {
			logger.Warn("canceling timed out primary order", log.Err(err))
		}
		streamed := res.TotalExecuted
		final, err := primary.Exchange.GetOrder(ctx, co.cfg.Symbol, order.OrderID)
		if err != nil {
			logger.Warn("refetching primary order after cancel", log.Err(err))
		} else if late := final.Executed - streamed; late > 0 {
			cy.Executed += late
			co.dispatchIncrement(ctx, cy, late, attempt, logger)
			streamed = final.Executed
		}

		remaining -= streamed
		if remaining < 0 {
			remaining = 0
		}
		if remaining <= co.cfg.Tolerance || constraints.FloorQuantity(remaining) <= 0 {
			co.correctShortfall(ctx, cy, attempt, logger)
			return CycleStatusHedged, nil
		}
		logger.Info("rehanging primary order",
			slog.Int("attempt", attempt),
			slog.Float64("filled_this_attempt", streamed),
			slog.Float64("remaining", remaining))
	}

	cy.Rehangs = co.cfg.RehangAttempts - 1
	if err := co.forceClose(ctx, cy, remaining, logger); err != nil {
		return "", err
	}
	return CycleStatusForced, nil
}

// dispatchIncrement fans a primary fill delta out to the helpers in
// proportion to their outstanding obligations. The arithmetic runs in whole
// lot steps and the last live helper takes the exact integer remainder, so
// dispatched quantities sum to the delta with nothing lost to rounding; a
// sub-step delta stays in the obligations for the corrective or the
// reconciler.
func (co *Coordinator) dispatchIncrement(ctx context.Context, cy *Cycle, delta float64, attempt int, logger *slog.Logger) {
	c := co.venues[cy.Primary].Exchange.Constraints()
	deltaSteps := c.QuantitySteps(delta)
	if deltaSteps <= 0 {
		return
	}

	obSteps := make([]int64, len(cy.Helpers))
	var totalSteps int64
	for j, ob := range cy.Obligations {
		obSteps[j] = c.QuantitySteps(ob)
		totalSteps += obSteps[j]
	}
	if totalSteps <= 0 {
		logger.Warn("fill increment with no outstanding obligation", slog.Float64("delta", delta))
		return
	}
	if deltaSteps > totalSteps {
		logger.Warn("fill increment exceeds outstanding obligations",
			slog.Float64("delta", delta),
			slog.Int64("obligation_steps", totalSteps))
		deltaSteps = totalSteps
	}

	live := make([]int, 0, len(cy.Helpers))
	for j, steps := range obSteps {
		if steps > 0 {
			live = append(live, j)
		}
	}

	type sell struct {
		venueIdx int
		quantity float64
		clientID string
		order    binance.Order
		err      error
	}
	sells := make([]sell, 0, len(live))
	var assigned int64
	for k, j := range live {
		var s int64
		if k == len(live)-1 {
			s = deltaSteps - assigned
		} else {
			s = deltaSteps * obSteps[j] / totalSteps
			assigned += s
		}
		if s > obSteps[j] {
			s = obSteps[j]
		}
		if s <= 0 {
			continue
		}
		venueIdx := cy.Helpers[j]
		sells = append(sells, sell{
			venueIdx: venueIdx,
			quantity: c.StepsToQuantity(s),
			clientID: co.clientID(cy, venueIdx, cid.RoleHedge, attempt),
		})
	}
	if len(sells) == 0 {
		return
	}

	var g errgroup.Group
	for i := range sells {
		s := &sells[i]
		g.Go(func() error {
			s.order, s.err = co.venues[s.venueIdx].Exchange.PlaceMarket(ctx, co.cfg.Symbol, binance.Sell, s.quantity, s.clientID)
			return nil
		})
	}
	_ = g.Wait()

	for i := range sells {
		s := &sells[i]
		if s.err != nil {
			logger.Warn("helper hedge order failed",
				slog.String("account", co.venues[s.venueIdx].Label()),
				slog.Float64("quantity", s.quantity),
				log.Err(s.err))
			continue
		}
		co.recordOrder(ctx, cy, s.venueIdx, s.order, logger)
		cy.Hedged += s.order.Executed
		for j, idx := range cy.Helpers {
			if idx == s.venueIdx {
				cy.Obligations[j] -= s.order.Executed
				if cy.Obligations[j] < 0 {
					cy.Obligations[j] = 0
				}
			}
		}
	}
}

// correctShortfall closes any executed-vs-hedged gap above tolerance with one
// market sell on the most-lagging helper. A gap below one lot step is left to
// the reconciler.
func (co *Coordinator) correctShortfall(ctx context.Context, cy *Cycle, attempt int, logger *slog.Logger) {
	shortfall := cy.Executed - cy.Hedged
	if shortfall <= co.cfg.Tolerance {
		return
	}

	lagging := 0
	for j := range cy.Obligations {
		if cy.Obligations[j] > cy.Obligations[lagging] {
			lagging = j
		}
	}
	venueIdx := cy.Helpers[lagging]
	qty := co.venues[venueIdx].Exchange.Constraints().FloorQuantity(shortfall)
	if qty <= 0 {
		logger.Debug("hedge shortfall below one lot step", slog.Float64("shortfall", shortfall))
		return
	}

	order, err := co.venues[venueIdx].Exchange.PlaceMarket(ctx, co.cfg.Symbol, binance.Sell, qty,
		co.clientID(cy, venueIdx, cid.RoleCorrective, attempt))
	if err != nil {
		logger.Warn("corrective sell failed",
			slog.String("account", co.venues[venueIdx].Label()),
			slog.Float64("quantity", qty),
			log.Err(err))
		return
	}
	co.recordOrder(ctx, cy, venueIdx, order, logger)
	cy.Hedged += order.Executed
	cy.Obligations[lagging] -= order.Executed
	if cy.Obligations[lagging] < 0 {
		cy.Obligations[lagging] = 0
	}
	logger.Info("corrective sell placed",
		slog.String("account", co.venues[venueIdx].Label()),
		slog.Float64("quantity", qty))
}

// forceClose throws simultaneous market orders at the residual after the
// rehang budget is spent: the primary buys its unfilled remainder, each
// helper sells its outstanding obligation.
func (co *Coordinator) forceClose(ctx context.Context, cy *Cycle, remaining float64, logger *slog.Logger) error {
	logger.Warn("force closing residual target",
		slog.Float64("remaining", remaining),
		slog.Float64("unhedged", cy.totalObligation()))

	type leg struct {
		venueIdx int
		side     binance.Side
		quantity float64
		clientID string
		order    binance.Order
		err      error
		skip     bool
	}
	legs := make([]leg, 0, 1+len(cy.Helpers))

	primaryQty := co.venues[cy.Primary].Exchange.Constraints().FloorQuantity(remaining)
	if primaryQty > 0 {
		legs = append(legs, leg{
			venueIdx: cy.Primary,
			side:     binance.Buy,
			quantity: primaryQty,
			clientID: co.clientID(cy, cy.Primary, cid.RoleForce, co.cfg.RehangAttempts),
		})
	}
	for j, idx := range cy.Helpers {
		qty := co.venues[idx].Exchange.Constraints().FloorQuantity(cy.Obligations[j])
		if qty <= 0 {
			continue
		}
		legs = append(legs, leg{
			venueIdx: idx,
			side:     binance.Sell,
			quantity: qty,
			clientID: co.clientID(cy, idx, cid.RoleForce, co.cfg.RehangAttempts),
		})
	}
	if len(legs) == 0 {
		return nil
	}

	var g errgroup.Group
	for i := range legs {
		l := &legs[i]
		g.Go(func() error {
			l.order, l.err = co.venues[l.venueIdx].Exchange.PlaceMarket(ctx, co.cfg.Symbol, l.side, l.quantity, l.clientID)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for i := range legs {
		l := &legs[i]
		if l.err != nil {
			errs = append(errs, fmt.Errorf("%s: force %s %v: %w", co.venues[l.venueIdx].Label(), l.side, l.quantity, l.err))
			continue
		}
		co.recordOrder(ctx, cy, l.venueIdx, l.order, logger)
		if l.venueIdx == cy.Primary {
			cy.Executed += l.order.Executed
		} else {
			cy.Hedged += l.order.Executed
			for j, idx := range cy.Helpers {
				if idx == l.venueIdx {
					cy.Obligations[j] -= l.order.Executed
					if cy.Obligations[j] < 0 {
						cy.Obligations[j] = 0
					}
				}
			}
		}
	}
	return errors.Join(errs...)
}

// Unwind flattens every venue's position for the symbol. Exactly one unwind
// runs at a time: a concurrent request waits for the in-flight one to finish
// instead of starting a second.
func (co *Coordinator) Unwind(ctx context.Context, cycleSeq uint32, reason string) error {
	co.closeMu.Lock()
	if co.closing {
		done := co.closeDone
		co.closeMu.Unlock()
		co.logger.Info("unwind already in flight, waiting", slog.String("reason", reason))
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	co.closing = true
	done := make(chan struct{})
	co.closeDone = done
	co.closeMu.Unlock()

	defer func() {
		co.closeMu.Lock()
		co.closing = false
		co.closeDone = nil
		co.closeMu.Unlock()
		close(done)
	}()

	co.logger.Info("unwinding positions", slog.String("reason", reason))

	type unwindResult struct {
		res binance.CloseResult
		err error
	}
	results := make([]unwindResult, len(co.venues))
	var g errgroup.Group
	for i, v := range co.venues {
		seq := uint16(co.orderSeq.Add(1))
		g.Go(func() error {
			clientID := cid.New(co.clk.Now(), cycleSeq, uint8(i), cid.RoleUnwind, 0, seq).String()
			res, err := v.Exchange.ClosePosition(ctx, co.cfg.Symbol, clientID)
			results[i] = unwindResult{res: res, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for i, r := range results {
		label := co.venues[i].Label()
		switch {
		case r.err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", label, r.err))
		case r.res.AlreadyFlat:
			co.logger.Info("position already flat", slog.String("account", label))
		default:
			co.logger.Info("position closed",
				slog.String("account", label),
				slog.Float64("quantity", r.res.Closed))
			if cycleSeq > 0 {
				err := co.recorder.RecordOrder(ctx, OrderRecord{
					CycleSeq:      cycleSeq,
					Account:       label,
					ClientOrderID: r.res.Order.ClientOrderID,
					OrderID:       r.res.Order.OrderID,
					Side:          string(r.res.Order.Side),
					Type:          string(r.res.Order.Type),
					Quantity:      r.res.Order.Quantity,
					Price:         r.res.Order.AvgPrice,
					Executed:      r.res.Order.Executed,
					Status:        string(r.res.Order.Status),
					PlacedAt:      co.clk.Now(),
				})
				if err != nil {
					co.logger.Warn("recording unwind order", log.Err(err))
				}
			}
		}
	}
	return errors.Join(errs...)
}

// CancelAllOrders cancels every venue's open orders for the symbol.
func (co *Coordinator) CancelAllOrders(ctx context.Context) error {
	return co.eachVenue(ctx, func(ctx context.Context, v Venue) error {
		return v.Exchange.CancelAllOrders(ctx, co.cfg.Symbol)
	})
}

// ReportPositions logs every venue's live position for operator visibility
// after a cycle failure. Read errors are logged, never returned.
func (co *Coordinator) ReportPositions(ctx context.Context) {
	positions, err := co.positions(ctx)
	if err != nil {
		co.logger.Warn("position report incomplete", log.Err(err))
	}
	for i, pos := range positions {
		co.logger.Info("live position",
			slog.String("account", co.venues[i].Label()),
			slog.Float64("amount", pos.Amount),
			slog.Float64("entry_price", pos.EntryPrice),
			slog.Float64("unrealized_pnl", pos.UnrealizedPnL))
	}
}

// IncomeSummary is one account's aggregated income over a window.
type IncomeSummary struct {
	Account string
	Total   float64
	ByType  map[string]float64
}

// IncomeSummaries aggregates each venue's income on the symbol since the
// given time. Per-venue fetch failures are logged and skipped; the summary is
// reporting, not accounting.
func (co *Coordinator) IncomeSummaries(ctx context.Context, since time.Time) []IncomeSummary {
	records, err := collectVenues(ctx, co.venues, func(ctx context.Context, v Venue) ([]binance.Income, error) {
		return v.Exchange.Income(ctx, co.cfg.Symbol, since)
	})
	if err != nil {
		co.logger.Warn("income summary incomplete", log.Err(err))
	}

	summaries := make([]IncomeSummary, 0, len(co.venues))
	for i, recs := range records {
		s := IncomeSummary{Account: co.venues[i].Label(), ByType: make(map[string]float64)}
		for _, rec := range recs {
			s.Total += rec.Amount
			s.ByType[rec.Type] += rec.Amount
		}
		summaries = append(summaries, s)
	}
	return summaries
}

func (co *Coordinator) checkBalances(ctx context.Context) error {
	if co.cfg.MinBalance <= 0 {
		return nil
	}
	balances, err := collectVenues(ctx, co.venues, func(ctx context.Context, v Venue) (float64, error) {
		return v.Exchange.AvailableUSDT(ctx)
	})
	if err != nil {
		return fmt.Errorf("checking balances: %w", err)
	}
	var short []string
	for i, free := range balances {
		if free < co.cfg.MinBalance {
			short = append(short, fmt.Sprintf("%s has %.2f, needs %.2f", co.venues[i].Label(), free, co.cfg.MinBalance))
		}
	}
	if len(short) > 0 {
		return fmt.Errorf("balance gate: %v", short)
	}
	return nil
}

func (co *Coordinator) positions(ctx context.Context) ([]binance.Position, error) {
	return collectVenues(ctx, co.venues, func(ctx context.Context, v Venue) (binance.Position, error) {
		return v.Exchange.Position(ctx, co.cfg.Symbol)
	})
}

// eachVenue runs op once per venue concurrently. One venue's failure never
// cancels another's in-flight call; failures come back joined, each labeled
// with its account.
func (co *Coordinator) eachVenue(ctx context.Context, op func(context.Context, Venue) error) error {
	errs := make([]error, len(co.venues))
	var g errgroup.Group
	for i, v := range co.venues {
		g.Go(func() error {
			if err := op(ctx, v); err != nil {
				errs[i] = fmt.Errorf("%s: %w", v.Label(), err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// collectVenues fans fn out over the venues and collects results aligned with
// the venue slice. A venue's failure leaves its zero value in place and joins
// the returned error.
func collectVenues[T any](ctx context.Context, venues []Venue, fn func(context.Context, Venue) (T, error)) ([]T, error) {
	out := make([]T, len(venues))
	errs := make([]error, len(venues))
	var g errgroup.Group
	for i, v := range venues {
		g.Go(func() error {
			res, err := fn(ctx, v)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", v.Label(), err)
				return nil
			}
			out[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return out, errors.Join(errs...)
}

func (co *Coordinator) recordOrder(ctx context.Context, cy *Cycle, venueIdx int, order binance.Order, logger *slog.Logger) {
	err := co.recorder.RecordOrder(ctx, OrderRecord{
		CycleSeq:      cy.Seq,
		Account:       co.venues[venueIdx].Label(),
		ClientOrderID: order.ClientOrderID,
		OrderID:       order.OrderID,
		Side:          string(order.Side),
		Type:          string(order.Type),
		Quantity:      order.Quantity,
		Price:         order.Price,
		Executed:      order.Executed,
		Status:        string(order.Status),
		PlacedAt:      co.clk.Now(),
	})
	if err != nil {
		logger.Warn("recording order", log.Err(err))
	}
}

func (co *Coordinator) finishCycle(ctx context.Context, cy *Cycle, status, anomaly string, logger *slog.Logger) {
	err := co.recorder.RecordCycle(ctx, CycleRecord{
		Seq:        cy.Seq,
		Symbol:     co.cfg.Symbol,
		Primary:    co.venues[cy.Primary].Label(),
		Target:     cy.Target,
		Executed:   cy.Executed,
		Hedged:     cy.Hedged,
		Rehangs:    cy.Rehangs,
		Status:     status,
		Anomaly:    anomaly,
		StartedAt:  cy.StartedAt,
		FinishedAt: co.clk.Now(),
	})
	if err != nil {
		logger.Warn("recording cycle", log.Err(err))
	}
}

func (co *Coordinator) recordIncome(ctx context.Context, cy *Cycle, logger *slog.Logger) {
	records, err := collectVenues(ctx, co.venues, func(ctx context.Context, v Venue) ([]binance.Income, error) {
		return v.Exchange.Income(ctx, co.cfg.Symbol, cy.StartedAt)
	})
	if err != nil {
		logger.Warn("fetching cycle income", log.Err(err))
	}
	for i, recs := range records {
		for _, rec := range recs {
			err := co.recorder.RecordIncome(ctx, IncomeRecord{
				CycleSeq: cy.Seq,
				Account:  co.venues[i].Label(),
				Type:     rec.Type,
				Amount:   rec.Amount,
				Asset:    rec.Asset,
				At:       rec.Time,
			})
			if err != nil {
				logger.Warn("recording income", log.Err(err))
			}
		}
	}
}
