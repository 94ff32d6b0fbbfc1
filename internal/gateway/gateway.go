// Package gateway wires intents, risk, the order state machine, positions
// and reconciliation into one facade. A thin HTTP or CLI surface talks only
// to this package.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"tradegate/internal/audit"
	"tradegate/internal/broker"
	"tradegate/internal/config"
	"tradegate/internal/errors"
	"tradegate/internal/metrics"
	"tradegate/internal/models"
	"tradegate/internal/orders"
	"tradegate/internal/portfolio"
	"tradegate/internal/reconcile"
	"tradegate/internal/risk"
	"tradegate/internal/store"
)

// Options configures a Gateway instance.
type Options struct {
	Config     *config.Provider
	Venue      broker.VenueClient // optional; nil means orders stay local
	Logger     zerolog.Logger
	Registerer prometheus.Registerer // optional; nil disables metrics
	Persist    audit.PersistFunc     // optional audit persistence
}

// Gateway is the composition root for the trading core. Construct one per
// account; instances are independent.
type Gateway struct {
	cfg        *config.Provider
	venue      broker.VenueClient
	auditLog   *audit.Log
	configHist *audit.ConfigHistory
	positions  *portfolio.Tracker
	machine    *orders.Machine
	registry   *orders.Registry
	kill       *risk.KillSwitch
	evaluator  *risk.Evaluator
	reconciler *reconcile.Reconciler
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// State is a point-in-time snapshot of the gateway.
type State struct {
	SystemMode    models.SystemMode
	KillSwitch    models.KillSwitchState
	GrossExposure float64
	NetExposure   float64
	DailyPnL      float64
	RealizedPnL   float64
	OpenOrders    int
	Positions     int
	ConfigVersion int
}

// Stats are cumulative counts since startup.
type Stats struct {
	IntentsTotal   int
	OrdersTotal    int
	OrdersByStatus map[models.OrderState]int
	FillsTotal     int
	DailyTrades    int
	AuditEvents    int
	AuditSeq       uint64
}

// New wires a gateway from its dependencies.
func New(opts Options) *Gateway {
	logger := opts.Logger
	cfg := opts.Config.Current()

	var auditOpts []audit.Option
	if opts.Persist != nil {
		auditOpts = append(auditOpts, audit.WithPersist(opts.Persist))
	}
	auditLog := audit.NewLog(cfg.Audit.Capacity, logger, auditOpts...)

	positions := portfolio.NewTracker()
	machine := orders.NewMachine(store.NewMemoryOrderStore(), positions, auditLog, logger)
	registry := orders.NewRegistry(store.NewMemoryIntentStore(), machine, auditLog, logger)
	kill := risk.NewKillSwitch(risk.KillSwitchConfig{}, auditLog, logger)
	evaluator := risk.NewEvaluator(opts.Config.Limits, kill, positions, auditLog, logger)
	evaluator.SetEquity(cfg.Gateway.Equity)
	reconciler := reconcile.NewReconciler(machine, positions, auditLog, logger)

	g := &Gateway{
		cfg:        opts.Config,
		venue:      opts.Venue,
		auditLog:   auditLog,
		configHist: audit.NewConfigHistory(),
		positions:  positions,
		machine:    machine,
		registry:   registry,
		kill:       kill,
		evaluator:  evaluator,
		reconciler: reconciler,
		logger:     logger.With().Str("component", "gateway").Logger(),
	}

	if opts.Registerer != nil {
		g.metrics = metrics.New(opts.Registerer)
		g.wireMetrics()
	}
	g.configHist.Append(cfg.Snapshot())
	opts.Config.OnChange(g.onConfigChange)

	machine.OnTransition(func(order *models.Order, from, to models.OrderState) {
		if to == models.OrderStateFilled {
			evaluator.RecordTrade()
		}
	})
	machine.OnFill(func(order *models.Order, fill models.Fill) {
		evaluator.UpdateDailyPnL(positions.TotalRealizedPnL())
	})
	if opts.Venue != nil {
		opts.Venue.OnReport(func(report models.ExecutionReport) {
			if _, err := g.machine.HandleBrokerUpdate(report); err != nil {
				g.logger.Error().Err(err).
					Str("broker_order_id", report.BrokerOrderID).
					Msg("execution report processing failed")
			}
		})
	}

	return g
}

func (g *Gateway) wireMetrics() {
	g.machine.OnTransition(func(order *models.Order, from, to models.OrderState) {
		g.metrics.Transitions.WithLabelValues(string(from), string(to)).Inc()
		g.metrics.OpenOrders.Set(float64(len(g.machine.Open())))
	})
	g.machine.OnInvalidTransition(func(order *models.Order, from, to models.OrderState) {
		g.metrics.InvalidTransitions.Inc()
	})
	g.machine.OnFill(func(order *models.Order, fill models.Fill) {
		g.metrics.FillsRecorded.Inc()
		g.metrics.GrossExposure.Set(g.positions.GrossExposure())
		g.metrics.NetExposure.Set(g.positions.NetExposure())
		g.metrics.DailyPnL.Set(g.positions.TotalRealizedPnL())
	})
}

func (g *Gateway) onConfigChange(cfg *config.Config) {
	version := g.configHist.Append(cfg.Snapshot())
	g.auditLog.Record(audit.Event{
		Type: models.AuditConfigChanged,
		Payload: map[string]interface{}{
			"version": version.Version,
		},
	})
	g.evaluator.SetEquity(cfg.Gateway.Equity)
	g.logger.Info().Int("version", version.Version).Msg("configuration reloaded")
}

// SubmitIntent runs the full intake path: create the intent idempotently,
// evaluate risk, then either spawn and route the order or reject. A
// resubmitted ClientIntentID returns the original intent and order without
// re-evaluating.
func (g *Gateway) SubmitIntent(ctx context.Context, req orders.IntentRequest, quote *models.Quote) (*models.Intent, *models.Order, error) {
	intent, created, err := g.registry.CreateIntent(req)
	if err != nil {
		return nil, nil, err
	}
	if g.metrics != nil && created {
		g.metrics.IntentsSubmitted.Inc()
	}
	if !created && intent.Status != models.IntentPending {
		var order *models.Order
		if intent.OrderID != "" {
			order, _ = g.machine.Get(intent.OrderID)
		}
		return intent, order, nil
	}

	if quote == nil && g.venue != nil {
		// Best effort; a venue without a quote leaves the evaluator to
		// fail closed on market orders it cannot price.
		if q, qerr := g.venue.GetQuote(ctx, req.Symbol); qerr == nil {
			quote = q
		}
	}

	decision := g.evaluator.Evaluate(intent, quote)
	if !decision.Approved() {
		if g.metrics != nil {
			g.metrics.RiskRejections.WithLabelValues(decision.FailedCheck).Inc()
		}
		reason := decision.Checks[len(decision.Checks)-1].Reason
		if err := g.registry.Reject(intent.ID, decision, reason); err != nil {
			return nil, nil, err
		}
		return intent, nil, nil
	}

	order, err := g.registry.Accept(intent.ID, decision)
	if err != nil {
		return nil, nil, err
	}

	if g.venue != nil {
		if err := g.route(ctx, order); err != nil {
			return intent, order, err
		}
	}
	return intent, order, nil
}

// route submits the order to the venue. A placement failure transitions the
// order to REJECTED; rate-limit failures additionally feed the anomaly
// detector.
func (g *Gateway) route(ctx context.Context, order *models.Order) error {
	if _, err := g.machine.Transition(order.ID, models.OrderStateSubmitted, orders.TransitionData{
		Reason: "routed_to_venue",
	}); err != nil {
		return err
	}

	brokerOrderID, err := g.venue.PlaceOrder(ctx, order)
	if err != nil {
		if errors.Is(err, errors.ErrRateLimited) {
			g.kill.RecordVenueRateLimit()
		}
		if _, terr := g.machine.Transition(order.ID, models.OrderStateRejected, orders.TransitionData{
			Reason: fmt.Sprintf("venue placement failed: %v", err),
		}); terr != nil {
			return terr
		}
		return err
	}

	_, err = g.machine.Transition(order.ID, models.OrderStateAccepted, orders.TransitionData{
		Reason:        "venue_ack",
		BrokerOrderID: brokerOrderID,
	})
	return err
}

// OnTransition registers an observer for order state changes, for callers
// that layer extra bookkeeping (snapshots, notifications) on top.
func (g *Gateway) OnTransition(fn func(order *models.Order, from, to models.OrderState)) {
	g.machine.OnTransition(fn)
}

// TransitionOrder requests a state change on an order.
func (g *Gateway) TransitionOrder(orderID string, target models.OrderState, reason string) (orders.Result, error) {
	return g.machine.Transition(orderID, target, orders.TransitionData{Reason: reason})
}

// RecordFill books an execution against an order.
func (g *Gateway) RecordFill(orderID string, fill orders.FillData) (orders.Result, error) {
	return g.machine.RecordFill(orderID, fill)
}

// HandleBrokerUpdate ingests a streamed venue execution report.
func (g *Gateway) HandleBrokerUpdate(report models.ExecutionReport) (orders.Result, error) {
	return g.machine.HandleBrokerUpdate(report)
}

// CancelOrder requests cancellation of a working order, subject to the
// cancel rate window.
func (g *Gateway) CancelOrder(ctx context.Context, orderID string) error {
	order, err := g.machine.Get(orderID)
	if err != nil {
		return err
	}
	if !g.evaluator.RecordCancel() {
		return errors.ErrRateLimited
	}

	if _, err := g.machine.Transition(orderID, models.OrderStatePendingCancel, orders.TransitionData{
		Reason: "cancel_requested",
	}); err != nil {
		return err
	}
	if g.venue != nil && order.BrokerOrderID != "" {
		return g.venue.CancelOrder(ctx, order.BrokerOrderID)
	}
	_, err = g.machine.Transition(orderID, models.OrderStateCanceled, orders.TransitionData{
		Reason: "canceled_locally",
	})
	return err
}

// ReplaceOrder cancels a working order and spawns a successor carrying the
// new quantity and limit price, subject to the replace rate window. The
// replaced order ends in REPLACED; the successor is routed like any new
// order. Fills already booked stay on the replaced order.
func (g *Gateway) ReplaceOrder(ctx context.Context, orderID string, newQty int, newLimitPrice float64) (*models.Order, error) {
	old, err := g.machine.Get(orderID)
	if err != nil {
		return nil, err
	}
	if !g.evaluator.RecordReplace() {
		return nil, errors.ErrRateLimited
	}
	if newQty <= 0 {
		newQty = old.RemainingQty
	}
	if newLimitPrice <= 0 {
		newLimitPrice = old.LimitPrice
	}

	res, err := g.machine.Transition(orderID, models.OrderStatePendingReplace, orders.TransitionData{
		Reason: "replace_requested",
	})
	if err != nil {
		return nil, err
	}
	if !res.Changed {
		reason := "replace already in flight"
		if res.Invalid {
			reason = fmt.Sprintf("order not replaceable from %s", old.Status)
		}
		return nil, errors.NewOrderError(orderID, old.Symbol, "replace", reason, nil)
	}

	if g.venue != nil && old.BrokerOrderID != "" {
		// The venue cancel report resolves PENDING_REPLACE to REPLACED.
		if err := g.venue.CancelOrder(ctx, old.BrokerOrderID); err != nil {
			if _, terr := g.machine.Transition(orderID, models.OrderStateAccepted, orders.TransitionData{
				Reason: fmt.Sprintf("replace failed: %v", err),
			}); terr != nil {
				return nil, terr
			}
			return nil, err
		}
	} else {
		if _, err := g.machine.Transition(orderID, models.OrderStateReplaced, orders.TransitionData{
			Reason: "replaced",
		}); err != nil {
			return nil, err
		}
	}

	successor, err := g.machine.CreateOrder(&models.Intent{
		ID:             old.IntentID,
		ClientIntentID: old.CorrelationID,
		Symbol:         old.Symbol,
		Side:           old.Side,
		Qty:            newQty,
		Type:           old.Type,
		LimitPrice:     newLimitPrice,
		StopPrice:      old.StopPrice,
		TIF:            old.TIF,
	}, orders.ClientOrderID(old.CorrelationID+"/replace/"+old.ID))
	if err != nil {
		return nil, err
	}

	if g.venue != nil {
		if err := g.route(ctx, successor); err != nil {
			return successor, err
		}
	}
	return successor, nil
}

// Reconcile fetches venue snapshots and runs one reconciliation pass.
func (g *Gateway) Reconcile(ctx context.Context) (*reconcile.Report, error) {
	if g.venue == nil {
		return nil, fmt.Errorf("no venue configured")
	}
	brokerOrders, err := g.venue.OpenOrders(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "fetching venue orders")
	}
	brokerPositions, err := g.venue.Positions(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "fetching venue positions")
	}

	report := g.reconciler.Reconcile(brokerOrders, brokerPositions)
	if g.metrics != nil {
		for _, d := range report.Discrepancies {
			g.metrics.ReconDiscrepancies.WithLabelValues(string(d.Kind)).Inc()
		}
	}
	return report, nil
}

// RunReconcileLoop reconciles periodically until the context is canceled.
func (g *Gateway) RunReconcileLoop(ctx context.Context) {
	if g.venue == nil {
		return
	}
	interval := time.Duration(g.cfg.Current().Reconcile.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	g.reconciler.Run(ctx, g.venue, interval)
}

// ActivateKillSwitch arms the kill switch. CANCEL_ALL and FLATTEN also
// cancel every working order; flattening positions beyond that is left to
// the operator.
func (g *Gateway) ActivateKillSwitch(ctx context.Context, reason string, mode models.KillSwitchMode) {
	g.kill.Activate(reason, mode)
	if g.metrics != nil {
		g.metrics.KillSwitchActivations.Inc()
	}

	if mode == models.KillModeCancelAll || mode == models.KillModeFlatten {
		for _, order := range g.machine.Open() {
			if err := g.CancelOrder(ctx, order.ID); err != nil {
				g.logger.Error().Err(err).
					Str("order_id", order.ID).
					Msg("kill switch cancel failed")
			}
		}
	}
	if mode == models.KillModeFlatten {
		for _, pos := range g.positions.All() {
			if pos.Qty != 0 {
				g.logger.Warn().
					Str("symbol", pos.Symbol).
					Int("qty", pos.Qty).
					Msg("position requires manual flattening")
			}
		}
	}
}

// DeactivateKillSwitch disarms the kill switch.
func (g *Gateway) DeactivateKillSwitch(confirmedBy string) {
	g.kill.Deactivate(confirmedBy)
}

// RecordFeedReconnect feeds the anomaly detector's reconnect window.
func (g *Gateway) RecordFeedReconnect() {
	g.kill.RecordFeedReconnect()
}

// GetState returns a snapshot of the gateway.
func (g *Gateway) GetState() State {
	return State{
		SystemMode:    g.kill.State().SystemMode,
		KillSwitch:    g.kill.State(),
		GrossExposure: g.positions.GrossExposure(),
		NetExposure:   g.positions.NetExposure(),
		DailyPnL:      g.evaluator.DailyPnL(),
		RealizedPnL:   g.positions.TotalRealizedPnL(),
		OpenOrders:    len(g.machine.Open()),
		Positions:     len(g.positions.All()),
		ConfigVersion: g.configHist.Current().Version,
	}
}

// GetStats returns cumulative counts since startup.
func (g *Gateway) GetStats() Stats {
	all := g.machine.All()
	byStatus := make(map[models.OrderState]int)
	fills := 0
	for _, o := range all {
		byStatus[o.Status]++
		fills += len(o.Fills)
	}
	return Stats{
		IntentsTotal:   g.registry.Len(),
		OrdersTotal:    len(all),
		OrdersByStatus: byStatus,
		FillsTotal:     fills,
		DailyTrades:    g.evaluator.DailyTrades(),
		AuditEvents:    g.auditLog.Len(),
		AuditSeq:       g.auditLog.Seq(),
	}
}

// GetOpenOrders returns all orders in non-terminal states.
func (g *Gateway) GetOpenOrders() []*models.Order {
	return g.machine.Open()
}

// GetOrdersBySymbol returns all orders for a symbol.
func (g *Gateway) GetOrdersBySymbol(symbol string) []*models.Order {
	return g.machine.BySymbol(symbol)
}

// GetOrder returns an order by id.
func (g *Gateway) GetOrder(orderID string) (*models.Order, error) {
	return g.machine.Get(orderID)
}

// GetIntent returns an intent by id.
func (g *Gateway) GetIntent(intentID string) (*models.Intent, error) {
	return g.registry.Get(intentID)
}

// GetPosition returns the tracked position for a symbol.
func (g *Gateway) GetPosition(symbol string) (models.Position, bool) {
	return g.positions.Get(symbol)
}

// GetAllPositions returns every tracked position.
func (g *Gateway) GetAllPositions() []models.Position {
	return g.positions.All()
}

// GetRecentEvents returns the last n audit events.
func (g *Gateway) GetRecentEvents(n int) []models.AuditEvent {
	return g.auditLog.Recent(n)
}

// QueryEvents runs a filtered query over the in-memory audit window.
func (g *Gateway) QueryEvents(f audit.Filter) []models.AuditEvent {
	return g.auditLog.Query(f)
}

// ConfigHistory exposes the versioned configuration trail.
func (g *Gateway) ConfigHistory() *audit.ConfigHistory {
	return g.configHist
}

// ResetDaily clears daily risk state at trading-day roll.
func (g *Gateway) ResetDaily() {
	g.evaluator.ResetDaily()
}
