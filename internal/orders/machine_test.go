package orders

import (
	"fmt"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"tradegate/internal/audit"
	"tradegate/internal/errors"
	"tradegate/internal/models"
	"tradegate/internal/portfolio"
	"tradegate/internal/store"
)

func newTestMachine(t *testing.T) (*Machine, *portfolio.Tracker, *audit.Log) {
	t.Helper()
	tracker := portfolio.NewTracker()
	log := audit.NewLog(1000, zerolog.Nop())
	m := NewMachine(store.NewMemoryOrderStore(), tracker, log, zerolog.Nop())
	return m, tracker, log
}

func createTestOrder(t *testing.T, m *Machine, key string, qty int) *models.Order {
	t.Helper()
	intent := &models.Intent{
		ID:             "intent-" + key,
		ClientIntentID: key,
		Symbol:         "AAPL",
		Side:           models.OrderSideBuy,
		Qty:            qty,
		Type:           models.OrderTypeMarket,
	}
	order, err := m.CreateOrder(intent, ClientOrderID(key))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return order
}

func mustTransition(t *testing.T, m *Machine, orderID string, target models.OrderState) {
	t.Helper()
	res, err := m.Transition(orderID, target, TransitionData{Reason: "test"})
	if err != nil {
		t.Fatalf("Transition to %s: %v", target, err)
	}
	if !res.Changed {
		t.Fatalf("Transition to %s: expected a state change from %s", target, res.From)
	}
}

func TestTransitionUnknownOrder(t *testing.T) {
	m, _, _ := newTestMachine(t)

	_, err := m.Transition("nope", models.OrderStateSubmitted, TransitionData{})
	if !errors.Is(err, errors.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestTransitionSameStateIsNoOp(t *testing.T) {
	m, _, _ := newTestMachine(t)
	order := createTestOrder(t, m, "same-state", 100)

	res, err := m.Transition(order.ID, models.OrderStateNew, TransitionData{})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if res.Changed {
		t.Fatal("same-state transition must not report a change")
	}
	if len(order.History) != 0 {
		t.Fatalf("history grew on a no-op: %d entries", len(order.History))
	}
}

func TestTerminalStateRejectsTransitions(t *testing.T) {
	m, _, _ := newTestMachine(t)
	order := createTestOrder(t, m, "terminal", 100)
	mustTransition(t, m, order.ID, models.OrderStateSubmitted)
	mustTransition(t, m, order.ID, models.OrderStateCanceled)

	historyBefore := len(order.History)
	for _, target := range []models.OrderState{
		models.OrderStateNew, models.OrderStateSubmitted, models.OrderStateAccepted,
		models.OrderStateFilled, models.OrderStateRejected,
	} {
		res, err := m.Transition(order.ID, target, TransitionData{})
		if err != nil {
			t.Fatalf("Transition out of terminal to %s returned error: %v", target, err)
		}
		if res.Changed {
			t.Fatalf("terminal order transitioned to %s", target)
		}
	}
	if order.Status != models.OrderStateCanceled {
		t.Fatalf("terminal status mutated: %s", order.Status)
	}
	if len(order.History) != historyBefore {
		t.Fatal("history mutated by rejected transitions")
	}
	if order.CanceledAt.IsZero() {
		t.Fatal("canceled timestamp lost")
	}
}

func TestInvalidEdgeIsAbsorbed(t *testing.T) {
	m, _, log := newTestMachine(t)
	order := createTestOrder(t, m, "invalid-edge", 100)

	// NEW -> PARTIAL is not in the allowed-edge table.
	res, err := m.Transition(order.ID, models.OrderStatePartial, TransitionData{})
	if err != nil {
		t.Fatalf("invalid edge returned error: %v", err)
	}
	if res.Changed {
		t.Fatal("invalid edge committed")
	}

	events := log.Query(audit.Filter{Type: models.AuditInvalidTransition})
	if len(events) != 1 {
		t.Fatalf("expected 1 invalid-transition audit event, got %d", len(events))
	}
}

func TestPhaseTimestampsStamped(t *testing.T) {
	m, _, _ := newTestMachine(t)
	order := createTestOrder(t, m, "timestamps", 100)

	mustTransition(t, m, order.ID, models.OrderStateSubmitted)
	if order.SubmittedAt.IsZero() {
		t.Fatal("SubmittedAt not stamped")
	}
	mustTransition(t, m, order.ID, models.OrderStateAccepted)
	if order.AcceptedAt.IsZero() {
		t.Fatal("AcceptedAt not stamped")
	}
	if _, err := m.RecordFill(order.ID, FillData{Qty: 100, Price: 10}); err != nil {
		t.Fatalf("RecordFill: %v", err)
	}
	if order.FilledAt.IsZero() {
		t.Fatal("FilledAt not stamped")
	}
	if len(order.History) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(order.History))
	}
}

func TestVWAPAverageFillPrice(t *testing.T) {
	m, _, _ := newTestMachine(t)
	order := createTestOrder(t, m, "vwap", 150)
	mustTransition(t, m, order.ID, models.OrderStateSubmitted)
	mustTransition(t, m, order.ID, models.OrderStateAccepted)

	if _, err := m.RecordFill(order.ID, FillData{Qty: 50, Price: 150.00}); err != nil {
		t.Fatalf("first fill: %v", err)
	}
	if _, err := m.RecordFill(order.ID, FillData{Qty: 50, Price: 152.00}); err != nil {
		t.Fatalf("second fill: %v", err)
	}
	if order.AvgFillPrice != 151.00 {
		t.Fatalf("expected avg fill price 151.00, got %v", order.AvgFillPrice)
	}
	if order.Status != models.OrderStatePartial {
		t.Fatalf("expected PARTIAL after 100/150, got %s", order.Status)
	}

	if _, err := m.RecordFill(order.ID, FillData{Qty: 50, Price: 148.00}); err != nil {
		t.Fatalf("third fill: %v", err)
	}
	want := (50*150.00 + 50*152.00 + 50*148.00) / 150.0
	if order.AvgFillPrice != want {
		t.Fatalf("expected avg fill price %v over three fills, got %v", want, order.AvgFillPrice)
	}
	if order.Status != models.OrderStateFilled {
		t.Fatalf("expected FILLED, got %s", order.Status)
	}
}

func TestOverfillRejected(t *testing.T) {
	m, _, _ := newTestMachine(t)
	order := createTestOrder(t, m, "overfill", 100)
	mustTransition(t, m, order.ID, models.OrderStateSubmitted)
	mustTransition(t, m, order.ID, models.OrderStateAccepted)

	if _, err := m.RecordFill(order.ID, FillData{Qty: 80, Price: 10}); err != nil {
		t.Fatalf("RecordFill: %v", err)
	}
	_, err := m.RecordFill(order.ID, FillData{Qty: 30, Price: 10})
	if !errors.Is(err, errors.ErrOverfill) {
		t.Fatalf("expected ErrOverfill, got %v", err)
	}
	if order.FilledQty != 80 || order.RemainingQty != 20 {
		t.Fatalf("accounting mutated by rejected fill: filled=%d remaining=%d", order.FilledQty, order.RemainingQty)
	}
	if len(order.Fills) != 1 {
		t.Fatalf("rejected fill appended: %d fills", len(order.Fills))
	}
}

func TestHandleBrokerUpdateClientIDFallback(t *testing.T) {
	m, _, _ := newTestMachine(t)
	order := createTestOrder(t, m, "fallback", 100)
	mustTransition(t, m, order.ID, models.OrderStateSubmitted)

	// The ack arrives before any broker-id binding exists locally.
	res, err := m.HandleBrokerUpdate(models.ExecutionReport{
		Type:          models.ExecAccepted,
		BrokerOrderID: "BRK-1",
		ClientOrderID: order.ClientOrderID,
	})
	if err != nil {
		t.Fatalf("HandleBrokerUpdate: %v", err)
	}
	if !res.Changed {
		t.Fatal("ack not applied")
	}
	if order.BrokerOrderID != "BRK-1" {
		t.Fatalf("broker id not bound: %q", order.BrokerOrderID)
	}

	// Subsequent reports resolve by broker id alone.
	res, err = m.HandleBrokerUpdate(models.ExecutionReport{
		Type:          models.ExecFill,
		BrokerOrderID: "BRK-1",
		FillQty:       100,
		FillPrice:     42.5,
	})
	if err != nil {
		t.Fatalf("HandleBrokerUpdate fill: %v", err)
	}
	if !res.Changed || order.Status != models.OrderStateFilled {
		t.Fatalf("fill not applied, status %s", order.Status)
	}
}

func TestHandleBrokerUpdateUnknownOrderDropped(t *testing.T) {
	m, _, _ := newTestMachine(t)

	res, err := m.HandleBrokerUpdate(models.ExecutionReport{
		Type:          models.ExecFill,
		BrokerOrderID: "FOREIGN-1",
	})
	if err != nil {
		t.Fatalf("unknown order must be dropped, not error: %v", err)
	}
	if res.Changed {
		t.Fatal("unknown order report applied")
	}
}

func TestHandleBrokerUpdateUnrecognizedTypeDropped(t *testing.T) {
	m, _, _ := newTestMachine(t)
	order := createTestOrder(t, m, "unknown-type", 100)
	mustTransition(t, m, order.ID, models.OrderStateSubmitted)

	res, err := m.HandleBrokerUpdate(models.ExecutionReport{
		Type:          models.ExecType("trade_bust"),
		BrokerOrderID: "BRK-9",
		ClientOrderID: order.ClientOrderID,
	})
	if err != nil {
		t.Fatalf("unrecognized type must be dropped, not error: %v", err)
	}
	if res.Changed || order.Status != models.OrderStateSubmitted {
		t.Fatal("unrecognized report mutated the order")
	}
}

func TestConcurrentFillsSerialized(t *testing.T) {
	const (
		writers       = 16
		fillsPerGorou = 125
	)
	m, _, _ := newTestMachine(t)
	order := createTestOrder(t, m, "concurrent", writers*fillsPerGorou)
	mustTransition(t, m, order.ID, models.OrderStateSubmitted)
	mustTransition(t, m, order.ID, models.OrderStateAccepted)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < fillsPerGorou; j++ {
				if _, err := m.RecordFill(order.ID, FillData{Qty: 1, Price: 100}); err != nil {
					t.Errorf("RecordFill: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	want := writers * fillsPerGorou
	if order.FilledQty != want {
		t.Fatalf("filled qty %d after %d concurrent fills", order.FilledQty, want)
	}
	if len(order.Fills) != want {
		t.Fatalf("filled qty %d does not match %d booked fills", order.FilledQty, len(order.Fills))
	}
	if order.RemainingQty != 0 || order.Status != models.OrderStateFilled {
		t.Fatalf("remaining=%d status=%s after full concurrent fill", order.RemainingQty, order.Status)
	}
}

func TestResultFlagsInvalidEdges(t *testing.T) {
	m, _, _ := newTestMachine(t)
	order := createTestOrder(t, m, "invalid-flag", 100)

	// Same-state request: a benign no-op, not an invalid edge.
	res, err := m.Transition(order.ID, models.OrderStateNew, TransitionData{})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if res.Changed || res.Invalid {
		t.Fatalf("same-state no-op flagged: changed=%v invalid=%v", res.Changed, res.Invalid)
	}

	// NEW -> PARTIAL is not in the allowed-edge table.
	res, err = m.Transition(order.ID, models.OrderStatePartial, TransitionData{})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if res.Changed || !res.Invalid {
		t.Fatalf("invalid edge not flagged: changed=%v invalid=%v", res.Changed, res.Invalid)
	}

	// Any request out of a terminal state is invalid too.
	mustTransition(t, m, order.ID, models.OrderStateSubmitted)
	mustTransition(t, m, order.ID, models.OrderStateCanceled)
	res, err = m.Transition(order.ID, models.OrderStateAccepted, TransitionData{})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if res.Changed || !res.Invalid {
		t.Fatalf("out-of-terminal edge not flagged: changed=%v invalid=%v", res.Changed, res.Invalid)
	}
}

func TestRedeliveredExecutionReportBooksOnce(t *testing.T) {
	m, _, _ := newTestMachine(t)
	order := createTestOrder(t, m, "redelivery", 100)
	mustTransition(t, m, order.ID, models.OrderStateSubmitted)
	mustTransition(t, m, order.ID, models.OrderStateAccepted)

	report := models.ExecutionReport{
		Type:          models.ExecPartialFill,
		BrokerOrderID: "BRK-7",
		ClientOrderID: order.ClientOrderID,
		ExecID:        "EXEC-1",
		FillQty:       40,
		FillPrice:     50,
	}
	res, err := m.HandleBrokerUpdate(report)
	if err != nil {
		t.Fatalf("HandleBrokerUpdate: %v", err)
	}
	if !res.Changed || order.FilledQty != 40 {
		t.Fatalf("first delivery not booked: filled=%d", order.FilledQty)
	}

	res, err = m.HandleBrokerUpdate(report)
	if err != nil {
		t.Fatalf("HandleBrokerUpdate redelivery: %v", err)
	}
	if res.Changed {
		t.Fatal("redelivered report committed a change")
	}
	if order.FilledQty != 40 || len(order.Fills) != 1 {
		t.Fatalf("redelivered execution booked twice: filled=%d fills=%d", order.FilledQty, len(order.Fills))
	}

	// A distinct execution id is a new fill, not a redelivery.
	report.ExecID = "EXEC-2"
	report.FillQty = 60
	if _, err := m.HandleBrokerUpdate(report); err != nil {
		t.Fatalf("HandleBrokerUpdate second exec: %v", err)
	}
	if order.FilledQty != 100 || order.Status != models.OrderStateFilled {
		t.Fatalf("second execution not booked: filled=%d status=%s", order.FilledQty, order.Status)
	}
}

func TestCreateOrderIdempotent(t *testing.T) {
	m, _, _ := newTestMachine(t)
	first := createTestOrder(t, m, "dup", 100)
	second := createTestOrder(t, m, "dup", 100)

	if first.ID != second.ID {
		t.Fatalf("duplicate order created: %s vs %s", first.ID, second.ID)
	}
	if len(m.All()) != 1 {
		t.Fatalf("expected 1 order, got %d", len(m.All()))
	}
}

// Property: filled_qty + remaining_qty == qty after every fill sequence,
// and filled_qty never decreases.
func TestPropertyFillAccountingInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParametersWithSeed(1234)
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("filled+remaining==qty under any fill sequence", prop.ForAll(
		func(qty int, fillQtys []int) bool {
			m, _, _ := newTestMachine(t)
			order := createTestOrder(t, m, fmt.Sprintf("prop-%d-%d", qty, len(fillQtys)), qty)
			if _, err := m.Transition(order.ID, models.OrderStateSubmitted, TransitionData{}); err != nil {
				return false
			}
			if _, err := m.Transition(order.ID, models.OrderStateAccepted, TransitionData{}); err != nil {
				return false
			}

			prevFilled := 0
			for _, fq := range fillQtys {
				// Invalid and overfilling quantities are rejected and must
				// leave the accounting untouched; the invariant holds either way.
				m.RecordFill(order.ID, FillData{Qty: fq, Price: 100})
				if order.FilledQty+order.RemainingQty != order.Qty {
					return false
				}
				if order.FilledQty < prevFilled {
					return false
				}
				prevFilled = order.FilledQty
			}
			return true
		},
		gen.IntRange(1, 500),
		gen.SliceOf(gen.IntRange(-10, 200)),
	))

	properties.TestingRun(t)
}
