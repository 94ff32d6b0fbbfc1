package reconcile

import (
	"testing"

	"github.com/rs/zerolog"

	"tradegate/internal/audit"
	"tradegate/internal/models"
	"tradegate/internal/orders"
	"tradegate/internal/portfolio"
	"tradegate/internal/store"
)

func newTestReconciler(t *testing.T) (*Reconciler, *orders.Machine, *portfolio.Tracker, *audit.Log) {
	t.Helper()
	log := audit.NewLog(1000, zerolog.Nop())
	tracker := portfolio.NewTracker()
	machine := orders.NewMachine(store.NewMemoryOrderStore(), tracker, log, zerolog.Nop())
	r := NewReconciler(machine, tracker, log, zerolog.Nop())
	return r, machine, tracker, log
}

func submittedOrder(t *testing.T, m *orders.Machine, key string, brokerOrderID string) *models.Order {
	t.Helper()
	intent := &models.Intent{
		ID:             "intent-" + key,
		ClientIntentID: key,
		Symbol:         "AAPL",
		Side:           models.OrderSideBuy,
		Qty:            100,
		Type:           models.OrderTypeMarket,
	}
	order, err := m.CreateOrder(intent, orders.ClientOrderID(key))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if _, err := m.Transition(order.ID, models.OrderStateSubmitted, orders.TransitionData{
		Reason:        "test",
		BrokerOrderID: brokerOrderID,
	}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	return order
}

func TestMissingOnBrokerRejectsSubmitted(t *testing.T) {
	r, m, _, _ := newTestReconciler(t)
	order := submittedOrder(t, m, "missing", "")

	report := r.Reconcile(nil, nil)

	if len(report.Discrepancies) != 1 {
		t.Fatalf("expected exactly 1 discrepancy, got %d", len(report.Discrepancies))
	}
	d := report.Discrepancies[0]
	if d.Kind != MissingOnBroker {
		t.Fatalf("kind: %s", d.Kind)
	}
	if !d.Corrected {
		t.Fatal("SUBMITTED order missing at the venue was not corrected")
	}
	if order.Status != models.OrderStateRejected {
		t.Fatalf("expected REJECTED, got %s", order.Status)
	}
	last := order.History[len(order.History)-1]
	if last.Reason != "reconciliation_missing" {
		t.Fatalf("reason: %q", last.Reason)
	}
}

func TestMissingOnBrokerLeavesAcceptedAlone(t *testing.T) {
	r, m, _, _ := newTestReconciler(t)
	order := submittedOrder(t, m, "accepted", "BRK-1")
	if _, err := m.Transition(order.ID, models.OrderStateAccepted, orders.TransitionData{}); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	report := r.Reconcile(nil, nil)

	if len(report.Discrepancies) != 1 || report.Discrepancies[0].Kind != MissingOnBroker {
		t.Fatalf("discrepancies: %+v", report.Discrepancies)
	}
	if report.Discrepancies[0].Corrected {
		t.Fatal("ACCEPTED order force-corrected; only SUBMITTED may be")
	}
	if order.Status != models.OrderStateAccepted {
		t.Fatalf("status mutated: %s", order.Status)
	}
}

func TestStatusMismatchCorrectedThroughTransition(t *testing.T) {
	r, m, _, _ := newTestReconciler(t)
	order := submittedOrder(t, m, "mismatch", "BRK-2")

	report := r.Reconcile([]models.BrokerOrder{{
		BrokerOrderID: "BRK-2",
		ClientOrderID: order.ClientOrderID,
		Symbol:        "AAPL",
		Status:        models.OrderStateCanceled,
		Qty:           100,
	}}, nil)

	if len(report.Discrepancies) != 1 {
		t.Fatalf("discrepancies: %+v", report.Discrepancies)
	}
	d := report.Discrepancies[0]
	if d.Kind != StatusMismatch || !d.Corrected {
		t.Fatalf("discrepancy: %+v", d)
	}
	if order.Status != models.OrderStateCanceled {
		t.Fatalf("status: %s", order.Status)
	}
}

func TestStatusMismatchAgainstTerminalOrderNotCorrected(t *testing.T) {
	r, m, _, _ := newTestReconciler(t)
	order := submittedOrder(t, m, "terminal-race", "BRK-3")
	// The order fills locally between the snapshot fetch and the diff.
	if _, err := m.RecordFill(order.ID, orders.FillData{Qty: 100, Price: 50}); err != nil {
		t.Fatalf("RecordFill: %v", err)
	}

	report := r.Reconcile([]models.BrokerOrder{{
		BrokerOrderID: "BRK-3",
		ClientOrderID: order.ClientOrderID,
		Symbol:        "AAPL",
		Status:        models.OrderStateAccepted,
		Qty:           100,
		FilledQty:     100,
	}}, nil)

	// FILLED is terminal, so it is not in Open() and nothing is flagged.
	if len(report.Discrepancies) != 0 {
		t.Fatalf("discrepancies against a terminal order: %+v", report.Discrepancies)
	}
	if order.Status != models.OrderStateFilled {
		t.Fatalf("terminal state overwritten: %s", order.Status)
	}
}

func TestFilledQtyMismatchReportedOnly(t *testing.T) {
	r, m, _, _ := newTestReconciler(t)
	order := submittedOrder(t, m, "qty-drift", "BRK-4")

	report := r.Reconcile([]models.BrokerOrder{{
		BrokerOrderID: "BRK-4",
		ClientOrderID: order.ClientOrderID,
		Symbol:        "AAPL",
		Status:        models.OrderStateSubmitted,
		Qty:           100,
		FilledQty:     40,
	}}, nil)

	if len(report.Discrepancies) != 1 {
		t.Fatalf("discrepancies: %+v", report.Discrepancies)
	}
	d := report.Discrepancies[0]
	if d.Kind != FilledQtyMismatch {
		t.Fatalf("kind: %s", d.Kind)
	}
	if d.Corrected {
		t.Fatal("filled-qty drift must be reported, never auto-corrected")
	}
	if order.FilledQty != 0 {
		t.Fatalf("local fill accounting mutated: %d", order.FilledQty)
	}
}

func TestMissingLocallyFlagged(t *testing.T) {
	r, _, _, _ := newTestReconciler(t)

	report := r.Reconcile([]models.BrokerOrder{
		{BrokerOrderID: "BRK-5", ClientOrderID: "ord-deadbeef00000000", Symbol: "AAPL", Status: models.OrderStateAccepted},
		{BrokerOrderID: "BRK-6", ClientOrderID: "other-system-1", Symbol: "AAPL", Status: models.OrderStateAccepted},
	}, nil)

	if len(report.Discrepancies) != 1 {
		t.Fatalf("discrepancies: %+v", report.Discrepancies)
	}
	if report.Discrepancies[0].Kind != MissingLocally {
		t.Fatalf("kind: %s", report.Discrepancies[0].Kind)
	}
}

func TestPositionMismatchVenueWins(t *testing.T) {
	r, _, tracker, _ := newTestReconciler(t)
	tracker.UpdatePosition("AAPL", 100, models.OrderSideBuy, 50)

	report := r.Reconcile(nil, []models.BrokerPosition{
		{Symbol: "AAPL", Qty: 80, AvgPrice: 50},
		{Symbol: "MSFT", Qty: -5, AvgPrice: 400},
	})

	if len(report.Discrepancies) != 2 {
		t.Fatalf("discrepancies: %+v", report.Discrepancies)
	}
	aapl, _ := tracker.Get("AAPL")
	if aapl.Qty != 80 {
		t.Fatalf("venue qty not applied: %d", aapl.Qty)
	}
	msft, ok := tracker.Get("MSFT")
	if !ok || msft.Qty != -5 {
		t.Fatalf("venue-only position not created: %+v", msft)
	}
}

func TestLocalOnlyPositionFlattened(t *testing.T) {
	r, _, tracker, _ := newTestReconciler(t)
	tracker.UpdatePosition("GME", 10, models.OrderSideBuy, 20)

	report := r.Reconcile(nil, nil)

	if len(report.Discrepancies) != 1 || report.Discrepancies[0].Kind != PositionMismatch {
		t.Fatalf("discrepancies: %+v", report.Discrepancies)
	}
	pos, _ := tracker.Get("GME")
	if pos.Qty != 0 {
		t.Fatalf("local-only position kept: %d", pos.Qty)
	}
}

func TestAuditBracketsTheRun(t *testing.T) {
	r, m, _, log := newTestReconciler(t)
	submittedOrder(t, m, "audited", "")

	r.Reconcile(nil, nil)

	if n := len(log.Query(audit.Filter{Type: models.AuditReconStarted})); n != 1 {
		t.Fatalf("started events: %d", n)
	}
	if n := len(log.Query(audit.Filter{Type: models.AuditReconCompleted})); n != 1 {
		t.Fatalf("completed events: %d", n)
	}
	if n := len(log.Query(audit.Filter{Type: models.AuditReconDiscrepancy})); n != 1 {
		t.Fatalf("discrepancy events: %d", n)
	}
}
