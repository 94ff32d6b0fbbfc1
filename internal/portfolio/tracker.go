// Package portfolio tracks per-symbol signed positions and exposure.
package portfolio

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/models"
)

// position is the internal decimal-precise representation. Cost basis,
// average entry and realized P&L carry exact decimal arithmetic; float64
// conversion happens only at the read boundary.
type position struct {
	qty         int
	avgEntry    decimal.Decimal
	costBasis   decimal.Decimal
	realizedPnL decimal.Decimal
	lastPrice   decimal.Decimal
	lastUpdated time.Time
}

// Tracker maintains signed quantity and notional per symbol, updated by fills
// and by venue sync. Positions mutate only through UpdatePosition and Sync.
type Tracker struct {
	mu        sync.RWMutex
	positions map[string]*position
	now       func() time.Time
}

// NewTracker creates an empty position tracker.
func NewTracker() *Tracker {
	return &Tracker{
		positions: make(map[string]*position),
		now:       time.Now,
	}
}

func signedDelta(qty int, side models.OrderSide) int {
	if side == models.OrderSideSell {
		return -qty
	}
	return qty
}

// UpdatePosition applies a trade to the symbol's position using average-cost
// accounting. Cost basis accumulates on trades that grow exposure in the
// current direction; realized P&L books only on the quantity that reduces
// existing exposure; closing to exactly zero resets basis and average.
func (t *Tracker) UpdatePosition(symbol string, qty int, side models.OrderSide, price float64) {
	if qty <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[symbol]
	if !ok {
		p = &position{}
		t.positions[symbol] = p
	}

	delta := signedDelta(qty, side)
	px := decimal.NewFromFloat(price)

	switch {
	case p.qty == 0 || (p.qty > 0) == (delta > 0):
		// Growing (or opening) in the current direction.
		add := decimal.NewFromInt(int64(abs(delta)))
		p.costBasis = p.costBasis.Add(add.Mul(px))
		p.qty += delta
		p.avgEntry = p.costBasis.Div(decimal.NewFromInt(int64(abs(p.qty))))
	default:
		// Reducing, possibly crossing through zero.
		reduce := min(abs(delta), abs(p.qty))
		reduceDec := decimal.NewFromInt(int64(reduce))
		direction := decimal.NewFromInt(1)
		if p.qty < 0 {
			direction = decimal.NewFromInt(-1)
		}
		p.realizedPnL = p.realizedPnL.Add(px.Sub(p.avgEntry).Mul(reduceDec).Mul(direction))
		p.costBasis = p.costBasis.Sub(p.avgEntry.Mul(reduceDec))

		remainder := abs(delta) - reduce
		if p.qty > 0 {
			p.qty -= reduce
		} else {
			p.qty += reduce
		}

		if remainder > 0 {
			// Crossed through zero: remainder opens the new direction.
			if delta > 0 {
				p.qty = remainder
			} else {
				p.qty = -remainder
			}
			remDec := decimal.NewFromInt(int64(remainder))
			p.costBasis = remDec.Mul(px)
			p.avgEntry = px
		} else if p.qty == 0 {
			p.costBasis = decimal.Zero
			p.avgEntry = decimal.Zero
		}
	}

	p.lastPrice = px
	p.lastUpdated = t.now().UTC()
}

// Sync wholesale-replaces local positions from the venue snapshot. Realized
// P&L carries over for symbols the venue still reports; local-only history is
// discarded because the venue is authoritative.
func (t *Tracker) Sync(positions []models.BrokerPosition) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := make(map[string]*position, len(positions))
	for _, bp := range positions {
		px := decimal.NewFromFloat(bp.AvgPrice)
		p := &position{
			qty:         bp.Qty,
			avgEntry:    px,
			costBasis:   decimal.NewFromInt(int64(abs(bp.Qty))).Mul(px),
			lastPrice:   px,
			lastUpdated: t.now().UTC(),
		}
		if prev, ok := t.positions[bp.Symbol]; ok {
			p.realizedPnL = prev.realizedPnL
			if !prev.lastPrice.IsZero() {
				p.lastPrice = prev.lastPrice
			}
		}
		next[bp.Symbol] = p
	}
	t.positions = next
}

// SetPosition force-sets a single symbol from venue truth; used by
// reconciliation when one symbol drifts.
func (t *Tracker) SetPosition(symbol string, qty int, avgPrice float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	px := decimal.NewFromFloat(avgPrice)
	p := &position{
		qty:         qty,
		avgEntry:    px,
		costBasis:   decimal.NewFromInt(int64(abs(qty))).Mul(px),
		lastPrice:   px,
		lastUpdated: t.now().UTC(),
	}
	if prev, ok := t.positions[symbol]; ok {
		p.realizedPnL = prev.realizedPnL
	}
	t.positions[symbol] = p
}

// MarkPrice updates the last seen price for a symbol without touching the
// position itself.
func (t *Tracker) MarkPrice(symbol string, price float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.positions[symbol]; ok {
		p.lastPrice = decimal.NewFromFloat(price)
	}
}

func (p *position) toModel(symbol string) models.Position {
	avg, _ := p.avgEntry.Float64()
	cost, _ := p.costBasis.Float64()
	realized, _ := p.realizedPnL.Float64()
	last, _ := p.lastPrice.Float64()
	return models.Position{
		Symbol:        symbol,
		Qty:           p.qty,
		AvgEntryPrice: avg,
		CostBasis:     cost,
		RealizedPnL:   realized,
		LastPrice:     last,
		LastUpdated:   p.lastUpdated,
	}
}

// Get returns the tracked position for a symbol.
func (t *Tracker) Get(symbol string) (models.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.positions[symbol]
	if !ok {
		return models.Position{}, false
	}
	return p.toModel(symbol), true
}

// All returns every tracked position, including flat ones that booked P&L.
func (t *Tracker) All() []models.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]models.Position, 0, len(t.positions))
	for sym, p := range t.positions {
		out = append(out, p.toModel(sym))
	}
	return out
}

// GrossExposure returns the sum of absolute notional across all positions.
func (t *Tracker) GrossExposure() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	total := decimal.Zero
	for _, p := range t.positions {
		total = total.Add(p.notional().Abs())
	}
	f, _ := total.Float64()
	return f
}

// NetExposure returns the sum of signed notional across all positions.
func (t *Tracker) NetExposure() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	total := decimal.Zero
	for _, p := range t.positions {
		total = total.Add(p.notional())
	}
	f, _ := total.Float64()
	return f
}

// TotalRealizedPnL returns realized P&L summed across all positions.
func (t *Tracker) TotalRealizedPnL() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	total := decimal.Zero
	for _, p := range t.positions {
		total = total.Add(p.realizedPnL)
	}
	f, _ := total.Float64()
	return f
}

// notional returns signed qty x last price (avg entry when no mark exists).
func (p *position) notional() decimal.Decimal {
	px := p.lastPrice
	if px.IsZero() {
		px = p.avgEntry
	}
	return decimal.NewFromInt(int64(p.qty)).Mul(px)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
