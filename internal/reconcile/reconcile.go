// Package reconcile periodically diffs local order and position state
// against the venue's authoritative view and corrects what it safely can.
package reconcile

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tradegate/internal/audit"
	"tradegate/internal/broker"
	"tradegate/internal/models"
	"tradegate/internal/orders"
	"tradegate/internal/portfolio"
)

// DiscrepancyKind classifies a divergence between local and venue state.
type DiscrepancyKind string

const (
	MissingOnBroker   DiscrepancyKind = "missing_on_broker"
	StatusMismatch    DiscrepancyKind = "status_mismatch"
	FilledQtyMismatch DiscrepancyKind = "filled_qty_mismatch"
	MissingLocally    DiscrepancyKind = "missing_locally"
	PositionMismatch  DiscrepancyKind = "position_mismatch"
)

// Discrepancy is one flagged divergence, with the local and venue values
// that disagreed.
type Discrepancy struct {
	Kind          DiscrepancyKind
	OrderID       string
	BrokerOrderID string
	Symbol        string
	Local         interface{}
	Venue         interface{}
	Corrected     bool
	Timestamp     time.Time
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	StartedAt        time.Time
	CompletedAt      time.Time
	OrdersChecked    int
	PositionsChecked int
	Discrepancies    []Discrepancy
}

// PositionEpsilon is the quantity tolerance under which local and venue
// positions are considered equal.
const PositionEpsilon = 1e-6

// Reconciler cross-checks local state against venue snapshots. Order
// corrections are routed through the state machine's Transition, so a
// correction racing a live fill is subject to the same validity rules as
// any other transition and can itself be rejected.
type Reconciler struct {
	machine   *orders.Machine
	positions *portfolio.Tracker
	audit     *audit.Log
	logger    zerolog.Logger

	now func() time.Time
}

// NewReconciler creates a reconciler over the state machine and tracker.
func NewReconciler(machine *orders.Machine, positions *portfolio.Tracker, auditLog *audit.Log, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		machine:   machine,
		positions: positions,
		audit:     auditLog,
		logger:    logger.With().Str("component", "reconcile").Logger(),
		now:       time.Now,
	}
}

// Reconcile diffs local non-terminal orders and tracked positions against
// the venue snapshots, correcting conservatively toward venue truth.
func (r *Reconciler) Reconcile(brokerOrders []models.BrokerOrder, brokerPositions []models.BrokerPosition) *Report {
	report := &Report{StartedAt: r.now()}

	r.audit.Record(audit.Event{
		Type: models.AuditReconStarted,
		Payload: map[string]interface{}{
			"broker_orders":    len(brokerOrders),
			"broker_positions": len(brokerPositions),
		},
	})

	byBrokerID := make(map[string]*models.BrokerOrder, len(brokerOrders))
	byClientID := make(map[string]*models.BrokerOrder, len(brokerOrders))
	for i := range brokerOrders {
		bo := &brokerOrders[i]
		if bo.BrokerOrderID != "" {
			byBrokerID[bo.BrokerOrderID] = bo
		}
		if bo.ClientOrderID != "" {
			byClientID[bo.ClientOrderID] = bo
		}
	}

	matched := make(map[*models.BrokerOrder]bool)
	for _, local := range r.machine.Open() {
		report.OrdersChecked++

		venue := byBrokerID[local.BrokerOrderID]
		if venue == nil {
			venue = byClientID[local.ClientOrderID]
		}
		if venue == nil {
			r.flagMissingOnBroker(report, local)
			continue
		}
		matched[venue] = true

		if venue.Status != local.Status {
			r.flagStatusMismatch(report, local, venue)
		}
		if venue.FilledQty != local.FilledQty {
			// Correcting filled qty would mean fabricating fills; report only.
			r.flag(report, Discrepancy{
				Kind:          FilledQtyMismatch,
				OrderID:       local.ID,
				BrokerOrderID: venue.BrokerOrderID,
				Symbol:        local.Symbol,
				Local:         local.FilledQty,
				Venue:         venue.FilledQty,
			})
		}
	}

	// Venue orders carrying our client-id scheme but unknown locally.
	for i := range brokerOrders {
		bo := &brokerOrders[i]
		if matched[bo] {
			continue
		}
		if !strings.HasPrefix(bo.ClientOrderID, "ord-") {
			continue
		}
		if r.machine.Known(bo.BrokerOrderID, bo.ClientOrderID) {
			continue
		}
		r.flag(report, Discrepancy{
			Kind:          MissingLocally,
			BrokerOrderID: bo.BrokerOrderID,
			Symbol:        bo.Symbol,
			Venue:         bo.Status,
		})
	}

	r.reconcilePositions(report, brokerPositions)

	report.CompletedAt = r.now()
	r.audit.Record(audit.Event{
		Type: models.AuditReconCompleted,
		Payload: map[string]interface{}{
			"orders_checked":    report.OrdersChecked,
			"positions_checked": report.PositionsChecked,
			"discrepancies":     len(report.Discrepancies),
		},
	})
	r.logger.Info().
		Int("orders_checked", report.OrdersChecked).
		Int("positions_checked", report.PositionsChecked).
		Int("discrepancies", len(report.Discrepancies)).
		Msg("reconciliation completed")

	return report
}

func (r *Reconciler) flagMissingOnBroker(report *Report, local *models.Order) {
	d := Discrepancy{
		Kind:    MissingOnBroker,
		OrderID: local.ID,
		Symbol:  local.Symbol,
		Local:   local.Status,
	}
	// An order the venue has no record of cannot be trusted to still be
	// live. Only SUBMITTED is corrected; later states imply the venue has
	// acknowledged it at some point and the snapshot may just be stale.
	if local.Status == models.OrderStateSubmitted {
		res, err := r.machine.Transition(local.ID, models.OrderStateRejected, orders.TransitionData{
			Reason: "reconciliation_missing",
		})
		d.Corrected = err == nil && res.Changed
	}
	r.flag(report, d)
}

func (r *Reconciler) flagStatusMismatch(report *Report, local *models.Order, venue *models.BrokerOrder) {
	prev := local.Status
	res, err := r.machine.Transition(local.ID, venue.Status, orders.TransitionData{
		Reason: "reconciliation_status_mismatch",
	})
	r.flag(report, Discrepancy{
		Kind:          StatusMismatch,
		OrderID:       local.ID,
		BrokerOrderID: venue.BrokerOrderID,
		Symbol:        local.Symbol,
		Local:         prev,
		Venue:         venue.Status,
		Corrected:     err == nil && res.Changed,
	})
}

func (r *Reconciler) reconcilePositions(report *Report, brokerPositions []models.BrokerPosition) {
	seen := make(map[string]bool, len(brokerPositions))
	for _, bp := range brokerPositions {
		report.PositionsChecked++
		seen[bp.Symbol] = true

		local, ok := r.positions.Get(bp.Symbol)
		localQty := 0
		if ok {
			localQty = local.Qty
		}
		if math.Abs(float64(localQty-bp.Qty)) <= PositionEpsilon {
			continue
		}

		// Venue is authoritative for positions.
		r.positions.SetPosition(bp.Symbol, bp.Qty, bp.AvgPrice)
		r.flag(report, Discrepancy{
			Kind:      PositionMismatch,
			Symbol:    bp.Symbol,
			Local:     localQty,
			Venue:     bp.Qty,
			Corrected: true,
		})
	}

	// Local positions the venue no longer reports are flat at the venue.
	for _, local := range r.positions.All() {
		if seen[local.Symbol] || local.Qty == 0 {
			continue
		}
		report.PositionsChecked++
		r.positions.SetPosition(local.Symbol, 0, 0)
		r.flag(report, Discrepancy{
			Kind:      PositionMismatch,
			Symbol:    local.Symbol,
			Local:     local.Qty,
			Venue:     0,
			Corrected: true,
		})
	}
}

func (r *Reconciler) flag(report *Report, d Discrepancy) {
	d.Timestamp = r.now()
	report.Discrepancies = append(report.Discrepancies, d)

	r.audit.Record(audit.Event{
		Type:    models.AuditReconDiscrepancy,
		Symbol:  d.Symbol,
		OrderID: d.OrderID,
		Payload: map[string]interface{}{
			"kind":      d.Kind,
			"local":     d.Local,
			"venue":     d.Venue,
			"corrected": d.Corrected,
		},
	})
	r.logger.Warn().
		Str("kind", string(d.Kind)).
		Str("symbol", d.Symbol).
		Str("order_id", d.OrderID).
		Bool("corrected", d.Corrected).
		Msg("reconciliation discrepancy")
}

// Run fetches venue snapshots and reconciles on the given interval until
// the context is canceled. Fetch failures are logged and the pass skipped;
// the next tick retries.
func (r *Reconciler) Run(ctx context.Context, venue broker.VenueClient, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			brokerOrders, err := venue.OpenOrders(ctx)
			if err != nil {
				r.logger.Error().Err(err).Msg("failed to fetch venue orders")
				continue
			}
			brokerPositions, err := venue.Positions(ctx)
			if err != nil {
				r.logger.Error().Err(err).Msg("failed to fetch venue positions")
				continue
			}
			r.Reconcile(brokerOrders, brokerPositions)
		}
	}
}
