// Package broker provides venue integration implementations.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradegate/internal/errors"
	"tradegate/internal/models"
)

// PaperVenue simulates an execution venue. Orders placed against it are
// acknowledged and filled at the cached quote price, with execution reports
// pushed to registered handlers the same way a live venue would stream them.
type PaperVenue struct {
	mu sync.RWMutex

	orders    map[string]*models.BrokerOrder
	positions map[string]*models.BrokerPosition
	quotes    map[string]*models.Quote

	handlers []ReportHandler

	orderCounter int

	// FillDelay, when nonzero, defers the fill report so in-flight states
	// are observable. Zero means fills are delivered synchronously.
	FillDelay time.Duration

	now func() time.Time
}

// NewPaperVenue creates a simulated venue with no open state.
func NewPaperVenue() *PaperVenue {
	return &PaperVenue{
		orders:    make(map[string]*models.BrokerOrder),
		positions: make(map[string]*models.BrokerPosition),
		quotes:    make(map[string]*models.Quote),
		now:       time.Now,
	}
}

// SetQuote seeds the simulated market with a quote for a symbol.
func (p *PaperVenue) SetQuote(q *models.Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[q.Symbol] = q
}

// OnReport registers a handler for execution reports.
func (p *PaperVenue) OnReport(handler ReportHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, handler)
}

// PlaceOrder accepts the order and schedules ack and fill reports.
func (p *PaperVenue) PlaceOrder(ctx context.Context, order *models.Order) (string, error) {
	p.mu.Lock()

	p.orderCounter++
	brokerOrderID := fmt.Sprintf("PAPER-%d-%d", p.now().Unix(), p.orderCounter)

	quote := p.quotes[order.Symbol]
	if quote == nil {
		p.mu.Unlock()
		return "", &errors.BrokerError{
			Code:    "no_quote",
			Message: fmt.Sprintf("no quote available for %s", order.Symbol),
		}
	}

	execPrice := quote.Last
	if execPrice == 0 {
		execPrice = quote.Mid()
	}
	fillable := true
	if order.Type == models.OrderTypeLimit {
		execPrice = order.LimitPrice
		if order.Side == models.OrderSideBuy && quote.Ask > order.LimitPrice {
			fillable = false
		}
		if order.Side == models.OrderSideSell && quote.Bid < order.LimitPrice {
			fillable = false
		}
	}

	p.orders[brokerOrderID] = &models.BrokerOrder{
		BrokerOrderID: brokerOrderID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Qty:           order.Qty,
		FilledQty:     0,
		Status:        models.OrderStateAccepted,
	}
	handlers := append([]ReportHandler(nil), p.handlers...)
	p.mu.Unlock()

	ack := models.ExecutionReport{
		Type:          models.ExecAccepted,
		BrokerOrderID: brokerOrderID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Timestamp:     p.now(),
	}
	p.dispatch(handlers, ack)

	if fillable {
		fill := models.ExecutionReport{
			Type:          models.ExecFill,
			BrokerOrderID: brokerOrderID,
			ClientOrderID: order.ClientOrderID,
			ExecID:        uuid.New().String(),
			Symbol:        order.Symbol,
			FillQty:       order.Qty,
			FillPrice:     execPrice,
			Liquidity:     "taker",
			Timestamp:     p.now(),
		}
		if p.FillDelay > 0 {
			go func() {
				time.Sleep(p.FillDelay)
				p.applyFill(fill)
			}()
		} else {
			p.applyFill(fill)
		}
	}

	return brokerOrderID, nil
}

func (p *PaperVenue) applyFill(report models.ExecutionReport) {
	p.mu.Lock()
	order, ok := p.orders[report.BrokerOrderID]
	if !ok {
		p.mu.Unlock()
		return
	}
	order.FilledQty += report.FillQty
	if order.FilledQty >= order.Qty {
		order.Status = models.OrderStateFilled
	} else {
		order.Status = models.OrderStatePartial
		report.Type = models.ExecPartialFill
	}

	pos, ok := p.positions[report.Symbol]
	if !ok {
		pos = &models.BrokerPosition{Symbol: report.Symbol}
		p.positions[report.Symbol] = pos
	}
	delta := report.FillQty
	if order.Side == models.OrderSideSell {
		delta = -delta
	}
	pos.Qty += delta
	pos.AvgPrice = report.FillPrice

	if order.Status == models.OrderStateFilled {
		delete(p.orders, report.BrokerOrderID)
	}
	handlers := append([]ReportHandler(nil), p.handlers...)
	p.mu.Unlock()

	p.dispatch(handlers, report)
}

// CancelOrder cancels an open simulated order and emits a canceled report.
func (p *PaperVenue) CancelOrder(ctx context.Context, brokerOrderID string) error {
	p.mu.Lock()
	order, ok := p.orders[brokerOrderID]
	if !ok {
		p.mu.Unlock()
		return &errors.BrokerError{
			Code:    "unknown_order",
			Message: fmt.Sprintf("no open order %s", brokerOrderID),
			Err:     errors.ErrOrderNotFound,
		}
	}
	delete(p.orders, brokerOrderID)
	handlers := append([]ReportHandler(nil), p.handlers...)
	p.mu.Unlock()

	p.dispatch(handlers, models.ExecutionReport{
		Type:          models.ExecCanceled,
		BrokerOrderID: brokerOrderID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Timestamp:     p.now(),
	})
	return nil
}

// OpenOrders returns a snapshot of orders still working at the venue.
func (p *PaperVenue) OpenOrders(ctx context.Context) ([]models.BrokerOrder, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]models.BrokerOrder, 0, len(p.orders))
	for _, o := range p.orders {
		out = append(out, *o)
	}
	return out, nil
}

// Positions returns a snapshot of venue-side positions.
func (p *PaperVenue) Positions(ctx context.Context) ([]models.BrokerPosition, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]models.BrokerPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		if pos.Qty != 0 {
			out = append(out, *pos)
		}
	}
	return out, nil
}

// GetQuote returns the cached quote for a symbol.
func (p *PaperVenue) GetQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	q, ok := p.quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("no quote available for %s", symbol)
	}
	cp := *q
	return &cp, nil
}

func (p *PaperVenue) dispatch(handlers []ReportHandler, report models.ExecutionReport) {
	for _, h := range handlers {
		h(report)
	}
}
