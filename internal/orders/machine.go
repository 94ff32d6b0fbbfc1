// Package orders implements the order lifecycle state machine and the
// intent registry that feeds it.
package orders

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tradegate/internal/audit"
	"tradegate/internal/errors"
	"tradegate/internal/models"
	"tradegate/internal/portfolio"
	"tradegate/internal/store"
)

// FillData carries an execution attached to a transition request. ExecID is
// the venue's execution identifier when one exists; redelivered reports with
// a seen ExecID are not booked twice.
type FillData struct {
	ExecID     string
	Qty        int
	Price      float64
	Commission float64
	Liquidity  string
}

// TransitionData carries optional attachments for a transition.
type TransitionData struct {
	Reason        string
	BrokerOrderID string
	Fill          *FillData
}

// Result reports the outcome of a transition request. Invalid edges and
// repeated deliveries are absorbed as unchanged results, not errors; the
// only error Transition returns is order-not-found. Invalid distinguishes an
// absorbed invalid or out-of-terminal edge from a benign same-state no-op.
type Result struct {
	Changed bool
	Invalid bool
	From    models.OrderState
	To      models.OrderState
	Reason  string
}

// TransitionObserver is notified after a state change is committed.
type TransitionObserver func(order *models.Order, from, to models.OrderState)

// FillObserver is notified after a fill is applied to an order.
type FillObserver func(order *models.Order, fill models.Fill)

// Machine owns order state. All mutation goes through Transition so that
// history, timestamps, fill accounting and audit stay consistent. mu
// serializes every mutating path end to end, covering the read, validation,
// mutation, persist, audit and observer steps; venue report handlers, the
// reconcile loop and direct callers all contend on it. Read accessors go
// straight to the store and never take mu, so observers running under it
// may call them.
type Machine struct {
	mu sync.Mutex

	orders    store.OrderStore
	positions *portfolio.Tracker
	audit     *audit.Log
	logger    zerolog.Logger

	observers        []TransitionObserver
	fillObservers    []FillObserver
	invalidObservers []TransitionObserver

	now func() time.Time
}

// NewMachine creates the state machine over the given order store.
func NewMachine(orders store.OrderStore, positions *portfolio.Tracker, auditLog *audit.Log, logger zerolog.Logger) *Machine {
	return &Machine{
		orders:    orders,
		positions: positions,
		audit:     auditLog,
		logger:    logger.With().Str("component", "orders").Logger(),
		now:       time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (m *Machine) SetClock(now func() time.Time) {
	m.now = now
}

// OnTransition registers an observer called after each committed transition.
func (m *Machine) OnTransition(fn TransitionObserver) {
	m.observers = append(m.observers, fn)
}

// OnFill registers an observer called after each applied fill.
func (m *Machine) OnFill(fn FillObserver) {
	m.fillObservers = append(m.fillObservers, fn)
}

// OnInvalidTransition registers an observer called when a transition request
// is absorbed as invalid or terminal.
func (m *Machine) OnInvalidTransition(fn TransitionObserver) {
	m.invalidObservers = append(m.invalidObservers, fn)
}

// CreateOrder materializes the order for an approved intent. It is
// idempotent on ClientOrderID: a repeated call returns the existing order.
func (m *Machine) CreateOrder(intent *models.Intent, clientOrderID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.orders.GetByClientOrderID(clientOrderID); ok {
		return existing, nil
	}

	now := m.now()
	order := &models.Order{
		ID:            uuid.New().String(),
		IntentID:      intent.ID,
		ClientOrderID: clientOrderID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Type:          intent.Type,
		Qty:           intent.Qty,
		FilledQty:     0,
		RemainingQty:  intent.Qty,
		LimitPrice:    intent.LimitPrice,
		StopPrice:     intent.StopPrice,
		TIF:           intent.TIF,
		Status:        models.OrderStateNew,
		CorrelationID: intent.ClientIntentID,
		CreatedAt:     now,
	}
	if err := m.orders.Put(order); err != nil {
		return nil, err
	}

	m.audit.Record(audit.Event{
		Type:          models.AuditOrderCreated,
		CorrelationID: order.CorrelationID,
		Symbol:        order.Symbol,
		OrderID:       order.ID,
		Payload: map[string]interface{}{
			"client_order_id": order.ClientOrderID,
			"side":            order.Side,
			"qty":             order.Qty,
			"type":            order.Type,
		},
	})
	m.logger.Info().
		Str("order_id", order.ID).
		Str("symbol", order.Symbol).
		Int("qty", order.Qty).
		Msg("order created")

	return order, nil
}

// Get returns the order by internal id.
func (m *Machine) Get(orderID string) (*models.Order, error) {
	order, ok := m.orders.Get(orderID)
	if !ok {
		return nil, errors.ErrOrderNotFound
	}
	return order, nil
}

// Transition requests a state change on an order. Same-state requests,
// requests out of a terminal state and edges not in the allowed table are
// absorbed: the order is untouched and Result.Changed is false. The one
// exception to "same state means untouched" is a repeated PARTIAL with an
// attached fill, which still books the fill since each fill is a distinct
// execution.
func (m *Machine) Transition(orderID string, target models.OrderState, data TransitionData) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(orderID, target, data)
}

func (m *Machine) transitionLocked(orderID string, target models.OrderState, data TransitionData) (Result, error) {
	order, ok := m.orders.Get(orderID)
	if !ok {
		return Result{}, errors.ErrOrderNotFound
	}

	from := order.Status
	res := Result{From: from, To: target, Reason: data.Reason}

	if from == target {
		if target == models.OrderStatePartial && data.Fill != nil {
			if err := m.applyFill(order, *data.Fill); err != nil {
				return res, err
			}
			if err := m.orders.Put(order); err != nil {
				return res, err
			}
		}
		return res, nil
	}

	if from.IsTerminal() || !models.CanTransition(from, target) {
		res.Invalid = true
		m.audit.Record(audit.Event{
			Type:          models.AuditInvalidTransition,
			CorrelationID: order.CorrelationID,
			Symbol:        order.Symbol,
			OrderID:       order.ID,
			Payload: map[string]interface{}{
				"from":   from,
				"to":     target,
				"reason": data.Reason,
			},
		})
		m.logger.Warn().
			Str("order_id", order.ID).
			Str("from", string(from)).
			Str("to", string(target)).
			Msg("invalid transition ignored")
		for _, fn := range m.invalidObservers {
			fn(order, from, target)
		}
		return res, nil
	}

	now := m.now()
	if data.BrokerOrderID != "" && order.BrokerOrderID == "" {
		order.BrokerOrderID = data.BrokerOrderID
	}
	if data.Fill != nil {
		if err := m.applyFill(order, *data.Fill); err != nil {
			return res, err
		}
	}

	order.Status = target
	order.History = append(order.History, models.StatusChange{
		From:      from,
		To:        target,
		Reason:    data.Reason,
		Timestamp: now,
	})

	switch target {
	case models.OrderStateSubmitted:
		order.SubmittedAt = now
	case models.OrderStateAccepted:
		if order.AcceptedAt.IsZero() {
			order.AcceptedAt = now
		}
	case models.OrderStateFilled:
		order.FilledAt = now
	case models.OrderStateCanceled:
		order.CanceledAt = now
	case models.OrderStateRejected, models.OrderStateExpired:
		order.Error = data.Reason
	}

	if err := m.orders.Put(order); err != nil {
		return res, err
	}

	m.audit.Record(audit.Event{
		Type:          models.AuditOrderStateChanged,
		CorrelationID: order.CorrelationID,
		Symbol:        order.Symbol,
		OrderID:       order.ID,
		Payload: map[string]interface{}{
			"from":   from,
			"to":     target,
			"reason": data.Reason,
		},
	})
	m.logger.Info().
		Str("order_id", order.ID).
		Str("from", string(from)).
		Str("to", string(target)).
		Str("reason", data.Reason).
		Msg("order transitioned")

	for _, fn := range m.observers {
		fn(order, from, target)
	}

	res.Changed = true
	return res, nil
}

// RecordFill books an execution against an order, transitioning it to
// PARTIAL or FILLED depending on the remaining quantity.
func (m *Machine) RecordFill(orderID string, fill FillData) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders.Get(orderID)
	if !ok {
		return Result{}, errors.ErrOrderNotFound
	}
	if fill.Qty <= 0 {
		return Result{From: order.Status, To: order.Status},
			errors.NewOrderError(orderID, order.Symbol, "record_fill",
				fmt.Sprintf("fill qty must be positive, got %d", fill.Qty), nil)
	}
	if order.FilledQty+fill.Qty > order.Qty {
		return Result{From: order.Status, To: order.Status},
			errors.NewOrderError(orderID, order.Symbol, "record_fill",
				fmt.Sprintf("fill of %d exceeds remaining %d", fill.Qty, order.RemainingQty),
				errors.ErrOverfill)
	}

	target := models.OrderStatePartial
	if order.FilledQty+fill.Qty == order.Qty {
		target = models.OrderStateFilled
	}
	return m.transitionLocked(orderID, target, TransitionData{
		Reason: "fill",
		Fill:   &fill,
	})
}

// applyFill mutates the order's fill accounting. The caller persists.
func (m *Machine) applyFill(order *models.Order, data FillData) error {
	if data.Qty <= 0 {
		return errors.NewOrderError(order.ID, order.Symbol, "apply_fill",
			fmt.Sprintf("fill qty must be positive, got %d", data.Qty), nil)
	}
	if order.FilledQty+data.Qty > order.Qty {
		return errors.NewOrderError(order.ID, order.Symbol, "apply_fill",
			fmt.Sprintf("fill of %d exceeds remaining %d", data.Qty, order.RemainingQty),
			errors.ErrOverfill)
	}

	fill := models.Fill{
		ID:         uuid.New().String(),
		OrderID:    order.ID,
		ExecID:     data.ExecID,
		Qty:        data.Qty,
		Price:      data.Price,
		Commission: data.Commission,
		Liquidity:  data.Liquidity,
		Timestamp:  m.now(),
	}
	order.Fills = append(order.Fills, fill)

	// Volume-weighted average across all fills.
	prevNotional := order.AvgFillPrice * float64(order.FilledQty)
	order.FilledQty += data.Qty
	order.RemainingQty = order.Qty - order.FilledQty
	order.AvgFillPrice = (prevNotional + data.Price*float64(data.Qty)) / float64(order.FilledQty)

	if m.positions != nil {
		m.positions.UpdatePosition(order.Symbol, data.Qty, order.Side, data.Price)
	}

	m.audit.Record(audit.Event{
		Type:          models.AuditFillRecorded,
		CorrelationID: order.CorrelationID,
		Symbol:        order.Symbol,
		OrderID:       order.ID,
		Payload: map[string]interface{}{
			"fill_id":        fill.ID,
			"qty":            fill.Qty,
			"price":          fill.Price,
			"filled_qty":     order.FilledQty,
			"remaining_qty":  order.RemainingQty,
			"avg_fill_price": order.AvgFillPrice,
		},
	})
	m.logger.Info().
		Str("order_id", order.ID).
		Int("qty", fill.Qty).
		Float64("price", fill.Price).
		Int("filled", order.FilledQty).
		Msg("fill recorded")

	for _, fn := range m.fillObservers {
		fn(order, fill)
	}
	return nil
}

// HandleBrokerUpdate processes a streamed execution report. The order is
// located by broker order id, falling back to client order id for the first
// report that arrives before the id binding. Reports for unknown orders,
// with unrecognized event names, or redelivering an already-booked
// execution id are logged and dropped.
func (m *Machine) HandleBrokerUpdate(report models.ExecutionReport) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := models.ExecTypeStates[report.Type]
	if !ok {
		m.logger.Warn().
			Str("exec_type", string(report.Type)).
			Str("broker_order_id", report.BrokerOrderID).
			Msg("unrecognized execution report type dropped")
		return Result{}, nil
	}

	order, found := m.orders.GetByBrokerOrderID(report.BrokerOrderID)
	if !found && report.ClientOrderID != "" {
		order, found = m.orders.GetByClientOrderID(report.ClientOrderID)
	}
	if !found {
		m.logger.Warn().
			Str("broker_order_id", report.BrokerOrderID).
			Str("client_order_id", report.ClientOrderID).
			Msg("execution report for unknown order dropped")
		return Result{}, nil
	}

	data := TransitionData{
		Reason:        string(report.Type),
		BrokerOrderID: report.BrokerOrderID,
	}
	// A venue cancel acknowledging a locally pending replace completes the
	// replace; the successor order carries the working quantity from here.
	if report.Type == models.ExecCanceled && order.Status == models.OrderStatePendingReplace {
		target = models.OrderStateReplaced
	}
	if report.Reason != "" {
		data.Reason = report.Reason
	}
	if report.Type == models.ExecFill || report.Type == models.ExecPartialFill {
		if report.ExecID != "" && hasExec(order, report.ExecID) {
			m.logger.Warn().
				Str("order_id", order.ID).
				Str("exec_id", report.ExecID).
				Msg("redelivered execution report dropped")
			return Result{From: order.Status, To: order.Status, Reason: "duplicate_exec"}, nil
		}
		data.Fill = &FillData{
			ExecID:     report.ExecID,
			Qty:        report.FillQty,
			Price:      report.FillPrice,
			Commission: report.Commission,
			Liquidity:  report.Liquidity,
		}
		// The venue's partial/full distinction can lag our own accounting;
		// trust local remaining quantity for the target state.
		if order.FilledQty+report.FillQty >= order.Qty {
			target = models.OrderStateFilled
		} else {
			target = models.OrderStatePartial
		}
	}

	return m.transitionLocked(order.ID, target, data)
}

func hasExec(order *models.Order, execID string) bool {
	for _, f := range order.Fills {
		if f.ExecID == execID {
			return true
		}
	}
	return false
}

// Known reports whether either venue-side identifier maps to a local order,
// terminal or not.
func (m *Machine) Known(brokerOrderID, clientOrderID string) bool {
	if _, ok := m.orders.GetByBrokerOrderID(brokerOrderID); ok {
		return true
	}
	if clientOrderID == "" {
		return false
	}
	_, ok := m.orders.GetByClientOrderID(clientOrderID)
	return ok
}

// Open returns all orders in non-terminal states.
func (m *Machine) Open() []*models.Order {
	return m.orders.Open()
}

// BySymbol returns all orders for a symbol.
func (m *Machine) BySymbol(symbol string) []*models.Order {
	return m.orders.BySymbol(symbol)
}

// All returns every order, terminal states included.
func (m *Machine) All() []*models.Order {
	return m.orders.All()
}
