package hedger

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/pairhedge/pairhedge/binance"
	"github.com/pairhedge/pairhedge/cid"
)

// ReconcileReport describes one reconciliation pass over the venues.
type ReconcileReport struct {
	// PrimaryAmount and HelperAmount are the signed position amounts read
	// before any corrective, helpers summed.
	PrimaryAmount float64
	HelperAmount  float64
	// Diff is the absolute divergence between the primary's magnitude and
	// the helpers' combined magnitude.
	Diff float64
	// Corrective is the market quantity placed to close the gap, zero when
	// the books already balanced. CorrectiveOn names the account it went to.
	Corrective   float64
	CorrectiveOn string
	// Residual is the divergence re-measured after the corrective.
	Residual  float64
	Converged bool
}

// Reconcile verifies the primary's position magnitude matches the helpers'
// combined magnitude. A divergence above tolerance gets one corrective market
// order on the lagging side, then one re-check; a divergence that survives
// the corrective is reported, not retried. A divergence below one lot step is
// treated as converged dust.
func (co *Coordinator) Reconcile(ctx context.Context, cy *Cycle) (ReconcileReport, error) {
	positions, err := co.positions(ctx)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("reading positions: %w", err)
	}

	report := ReconcileReport{PrimaryAmount: positions[cy.Primary].Amount}
	for _, j := range cy.Helpers {
		report.HelperAmount += positions[j].Amount
	}
	primaryAbs := math.Abs(report.PrimaryAmount)
	var helperAbs float64
	for _, j := range cy.Helpers {
		helperAbs += math.Abs(positions[j].Amount)
	}
	report.Diff = math.Abs(primaryAbs - helperAbs)

	if report.Diff <= co.cfg.Tolerance {
		report.Converged = true
		return report, nil
	}

	// The lagging side grows toward the other: the primary buys, a helper
	// sells short. With several helpers the one holding the smallest
	// magnitude takes the corrective.
	venueIdx := cy.Primary
	side := binance.Buy
	if primaryAbs > helperAbs {
		venueIdx = cy.Helpers[0]
		for _, j := range cy.Helpers[1:] {
			if math.Abs(positions[j].Amount) < math.Abs(positions[venueIdx].Amount) {
				venueIdx = j
			}
		}
		side = binance.Sell
	}

	qty := co.venues[venueIdx].Exchange.Constraints().FloorQuantity(report.Diff)
	if qty <= 0 {
		co.logger.Debug("reconcile divergence below one lot step",
			slog.Float64("diff", report.Diff))
		report.Converged = true
		return report, nil
	}

	co.logger.Info("reconcile corrective",
		slog.String("account", co.venues[venueIdx].Label()),
		slog.String("side", string(side)),
		slog.Float64("quantity", qty),
		slog.Float64("diff", report.Diff))
	order, err := co.venues[venueIdx].Exchange.PlaceMarket(ctx, co.cfg.Symbol, side, qty,
		co.clientID(cy, venueIdx, cid.RoleReconcile, 0))
	if err != nil {
		return report, fmt.Errorf("placing reconcile corrective: %w", err)
	}
	report.Corrective = qty
	report.CorrectiveOn = co.venues[venueIdx].Label()
	co.recordOrder(ctx, cy, venueIdx, order, co.logger)

	positions, err = co.positions(ctx)
	if err != nil {
		return report, fmt.Errorf("re-reading positions: %w", err)
	}
	primaryAbs = math.Abs(positions[cy.Primary].Amount)
	helperAbs = 0
	for _, j := range cy.Helpers {
		helperAbs += math.Abs(positions[j].Amount)
	}
	report.Residual = math.Abs(primaryAbs - helperAbs)
	report.Converged = report.Residual <= co.cfg.Tolerance
	return report, nil
}
