package models

import "time"

// Intent is a caller's idempotent request to trade, prior to risk approval.
// Exactly one Order exists per distinct ClientIntentID.
type Intent struct {
	ID             string
	ClientIntentID string
	Symbol         string
	Side           OrderSide
	Qty            int
	Type           OrderType
	LimitPrice     float64
	StopPrice      float64
	TIF            TimeInForce
	Strategy       string
	Reason         string
	Confidence     float64
	Status         IntentStatus
	Decision       *RiskDecision
	OrderID        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Fill is an immutable execution report for part or all of an order.
type Fill struct {
	ID         string
	OrderID    string
	ExecID     string // venue execution id, empty when the venue sends none
	Qty        int
	Price      float64
	Commission float64
	Liquidity  string // "maker" or "taker"
	Timestamp  time.Time
}

// StatusChange is one entry in an order's append-only status history.
type StatusChange struct {
	From      OrderState
	To        OrderState
	Reason    string
	Timestamp time.Time
}

// Order is the broker-facing, stateful execution of an approved intent.
// FilledQty + RemainingQty == Qty holds after every transition.
type Order struct {
	ID            string
	IntentID      string
	ClientOrderID string // deterministically derived from the intent key
	BrokerOrderID string // empty until the venue acknowledges
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Qty           int
	FilledQty     int
	RemainingQty  int
	AvgFillPrice  float64
	LimitPrice    float64
	StopPrice     float64
	TIF           TimeInForce
	Status        OrderState
	History       []StatusChange
	Fills         []Fill
	CorrelationID string
	CreatedAt     time.Time
	SubmittedAt   time.Time
	AcceptedAt    time.Time
	FilledAt      time.Time
	CanceledAt    time.Time
	Error         string
}

// Position is the signed per-symbol holding maintained by fill processing
// and reconciliation sync. Average-cost accounting: cost basis grows on
// same-direction trades, realized P&L books only on reducing quantity.
type Position struct {
	Symbol        string
	Qty           int // signed
	AvgEntryPrice float64
	CostBasis     float64
	RealizedPnL   float64
	LastPrice     float64
	LastUpdated   time.Time
}

// Notional returns |qty| x last known price (falling back to average entry).
func (p *Position) Notional() float64 {
	qty := p.Qty
	if qty < 0 {
		qty = -qty
	}
	price := p.LastPrice
	if price == 0 {
		price = p.AvgEntryPrice
	}
	return float64(qty) * price
}

// SignedNotional returns qty x price with the position's sign preserved.
func (p *Position) SignedNotional() float64 {
	price := p.LastPrice
	if price == 0 {
		price = p.AvgEntryPrice
	}
	return float64(p.Qty) * price
}

// Quote is a best bid/ask snapshot, optionally with an ATR estimate.
type Quote struct {
	Symbol    string
	Bid       float64
	Ask       float64
	BidSize   int64
	AskSize   int64
	Last      float64
	ATR       float64
	Timestamp time.Time
}

// Mid returns the bid/ask midpoint, falling back to the last trade price.
func (q *Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// SpreadBps returns the bid/ask spread in basis points of the midpoint.
func (q *Quote) SpreadBps() float64 {
	mid := q.Mid()
	if mid <= 0 || q.Bid <= 0 || q.Ask <= 0 {
		return 0
	}
	return (q.Ask - q.Bid) / mid * 10000
}

// ExecutionReport is a streamed venue update for one of our orders.
type ExecutionReport struct {
	Type          ExecType
	BrokerOrderID string
	ClientOrderID string
	ExecID        string
	Symbol        string
	FillQty       int
	FillPrice     float64
	Commission    float64
	Liquidity     string
	Reason        string
	Timestamp     time.Time
}

// BrokerOrder is the venue's view of an order, fetched for reconciliation.
type BrokerOrder struct {
	BrokerOrderID string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Qty           int
	FilledQty     int
	Status        OrderState
}

// BrokerPosition is the venue's view of a position.
type BrokerPosition struct {
	Symbol   string
	Qty      int // signed
	AvgPrice float64
}
