package risk

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradegate/internal/audit"
	"tradegate/internal/config"
	"tradegate/internal/models"
	"tradegate/internal/portfolio"
)

// Check names, in evaluation order. Cheap hard-stop checks run before the
// numeric exposure checks so the common rejection paths stay fast.
const (
	CheckKillSwitch       = "kill_switch"
	CheckSymbolEnabled    = "symbol_enabled"
	CheckStrategyEnabled  = "strategy_enabled"
	CheckSymbolAllowlist  = "symbol_allowlist"
	CheckDailyLossLimit   = "daily_loss_limit"
	CheckDrawdownLimit    = "drawdown_limit"
	CheckOrderRateLimit   = "order_rate_limit"
	CheckMaxOrderNotional = "max_order_notional"
	CheckMaxPosition      = "max_position"
	CheckGrossExposure    = "gross_exposure"
	CheckNetExposure      = "net_exposure"
	CheckSpreadLiquidity  = "spread_liquidity"
	CheckDailyTradeCount  = "daily_trade_count"
)

// Evaluator runs the ordered pre-trade check chain. The first failing check
// short-circuits the chain and determines the rejection; a full pass yields
// an approval carrying a sizing recommendation and a headroom snapshot.
// Rejection is a business outcome, never an error.
type Evaluator struct {
	mu sync.Mutex

	limits    func() config.RiskLimits
	kill      *KillSwitch
	positions *portfolio.Tracker
	audit     *audit.Log
	logger    zerolog.Logger

	equity      float64
	dailyPnL    float64
	peakPnL     float64 // intraday high-water mark, reset only by ResetDaily
	dailyTrades int

	orders   *window
	cancels  *window
	replaces *window

	now func() time.Time
}

// NewEvaluator creates a risk evaluator over live limits, the kill switch
// and the position tracker.
func NewEvaluator(limits func() config.RiskLimits, kill *KillSwitch, positions *portfolio.Tracker, auditLog *audit.Log, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		limits:    limits,
		kill:      kill,
		positions: positions,
		audit:     auditLog,
		logger:    logger.With().Str("component", "risk").Logger(),
		orders:    newWindow(time.Minute),
		cancels:   newWindow(time.Minute),
		replaces:  newWindow(time.Minute),
		now:       time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (e *Evaluator) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// SetEquity sets the account equity used by the sizing recommendation.
func (e *Evaluator) SetEquity(equity float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.equity = equity
}

// Evaluate runs the check chain against an intent. The quote is optional;
// without one the liquidity check fails open and sizing falls back to
// percent-of-price estimates, but an order that cannot be priced at all
// fails the notional check closed.
func (e *Evaluator) Evaluate(intent *models.Intent, quote *models.Quote) *models.RiskDecision {
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	lim := e.limits()
	now := e.now()
	price := e.refPrice(intent, quote)

	type namedCheck struct {
		name string
		run  func() models.CheckResult
	}
	chain := []namedCheck{
		{CheckKillSwitch, func() models.CheckResult { return e.checkKillSwitch() }},
		{CheckSymbolEnabled, func() models.CheckResult { return e.checkSymbolEnabled(lim, intent) }},
		{CheckStrategyEnabled, func() models.CheckResult { return e.checkStrategyEnabled(lim, intent) }},
		{CheckSymbolAllowlist, func() models.CheckResult { return e.checkSymbolAllowlist(lim, intent) }},
		{CheckDailyLossLimit, func() models.CheckResult { return e.checkDailyLoss(lim) }},
		{CheckDrawdownLimit, func() models.CheckResult { return e.checkDrawdown(lim) }},
		{CheckOrderRateLimit, func() models.CheckResult { return e.checkOrderRate(lim, now) }},
		{CheckMaxOrderNotional, func() models.CheckResult { return e.checkOrderNotional(lim, intent, price) }},
		{CheckMaxPosition, func() models.CheckResult { return e.checkMaxPosition(lim, intent, price) }},
		{CheckGrossExposure, func() models.CheckResult { return e.checkGrossExposure(lim, intent, price) }},
		{CheckNetExposure, func() models.CheckResult { return e.checkNetExposure(lim, intent, price) }},
		{CheckSpreadLiquidity, func() models.CheckResult { return e.checkSpreadLiquidity(lim, quote) }},
		{CheckDailyTradeCount, func() models.CheckResult { return e.checkDailyTrades(lim) }},
	}

	decision := &models.RiskDecision{
		Verdict:   models.VerdictApproved,
		Timestamp: now,
	}
	for _, c := range chain {
		res := c.run()
		res.Name = c.name
		decision.Checks = append(decision.Checks, res)
		if !res.Passed {
			decision.Verdict = models.VerdictRejected
			decision.FailedCheck = c.name
			break
		}
	}

	if decision.Approved() {
		decision.Sizing = e.sizing(lim, intent, quote, price)
		decision.Headroom = e.headroom(lim, now)
		e.orders.add(now)
	}
	decision.EvaluatedIn = time.Since(start)

	e.recordDecision(intent, decision)
	return decision
}

func (e *Evaluator) recordDecision(intent *models.Intent, d *models.RiskDecision) {
	payload := map[string]interface{}{
		"verdict": d.Verdict,
		"checks":  len(d.Checks),
	}
	if d.FailedCheck != "" {
		payload["failed_check"] = d.FailedCheck
		payload["reason"] = d.Checks[len(d.Checks)-1].Reason
	}
	e.audit.Record(audit.Event{
		Type:          models.AuditRiskEvaluated,
		CorrelationID: intent.ClientIntentID,
		Symbol:        intent.Symbol,
		Payload:       payload,
	})

	if d.Approved() {
		e.logger.Info().
			Str("symbol", intent.Symbol).
			Dur("evaluated_in", d.EvaluatedIn).
			Msg("intent approved")
		return
	}
	e.logger.Warn().
		Str("symbol", intent.Symbol).
		Str("failed_check", d.FailedCheck).
		Str("reason", d.Checks[len(d.Checks)-1].Reason).
		Msg("intent rejected")
	// Rejections feed the anomaly detector.
	e.kill.RecordRejection()
}

// refPrice picks the price used for notional projections: the limit price
// when present, then the quote midpoint, then the tracker's last mark for
// the symbol. Zero means no reference price exists and the notional checks
// fail closed rather than projecting zero exposure.
func (e *Evaluator) refPrice(intent *models.Intent, quote *models.Quote) float64 {
	if intent.LimitPrice > 0 {
		return intent.LimitPrice
	}
	if quote != nil {
		if mid := quote.Mid(); mid > 0 {
			return mid
		}
	}
	if pos, ok := e.positions.Get(intent.Symbol); ok && pos.LastPrice > 0 {
		return pos.LastPrice
	}
	return 0
}

func pass(reason string) models.CheckResult {
	return models.CheckResult{Passed: true, Reason: reason}
}

func fail(reason string, details map[string]interface{}) models.CheckResult {
	return models.CheckResult{Passed: false, Reason: reason, Details: details}
}

func (e *Evaluator) checkKillSwitch() models.CheckResult {
	if e.kill.Armed() {
		return fail("kill switch armed: "+e.kill.Reason(), map[string]interface{}{
			"reason": e.kill.Reason(),
		})
	}
	return pass("kill switch disarmed")
}

func (e *Evaluator) checkSymbolEnabled(lim config.RiskLimits, intent *models.Intent) models.CheckResult {
	for _, s := range lim.DisabledSymbols {
		if s == intent.Symbol {
			return fail(fmt.Sprintf("symbol %s is disabled", intent.Symbol), nil)
		}
	}
	return pass("symbol enabled")
}

func (e *Evaluator) checkStrategyEnabled(lim config.RiskLimits, intent *models.Intent) models.CheckResult {
	for _, s := range lim.DisabledStrategies {
		if s == intent.Strategy {
			return fail(fmt.Sprintf("strategy %s is disabled", intent.Strategy), nil)
		}
	}
	return pass("strategy enabled")
}

func (e *Evaluator) checkSymbolAllowlist(lim config.RiskLimits, intent *models.Intent) models.CheckResult {
	if len(lim.SymbolAllowlist) == 0 {
		return pass("no allowlist configured")
	}
	for _, s := range lim.SymbolAllowlist {
		if s == intent.Symbol {
			return pass("symbol in allowlist")
		}
	}
	return fail(fmt.Sprintf("symbol %s not in allowlist", intent.Symbol), map[string]interface{}{
		"allowlist": lim.SymbolAllowlist,
	})
}

func (e *Evaluator) checkDailyLoss(lim config.RiskLimits) models.CheckResult {
	if lim.MaxDailyLoss > 0 && e.dailyPnL <= -lim.MaxDailyLoss {
		return fail(fmt.Sprintf("daily loss %.2f breaches cap %.2f", e.dailyPnL, lim.MaxDailyLoss), map[string]interface{}{
			"daily_pnl": e.dailyPnL,
			"cap":       lim.MaxDailyLoss,
		})
	}
	return pass("daily loss within cap")
}

func (e *Evaluator) checkDrawdown(lim config.RiskLimits) models.CheckResult {
	drawdown := e.peakPnL - e.dailyPnL
	if lim.MaxDrawdown > 0 && drawdown >= lim.MaxDrawdown {
		return fail(fmt.Sprintf("drawdown %.2f breaches cap %.2f", drawdown, lim.MaxDrawdown), map[string]interface{}{
			"peak_pnl":  e.peakPnL,
			"daily_pnl": e.dailyPnL,
			"cap":       lim.MaxDrawdown,
		})
	}
	return pass("drawdown within cap")
}

func (e *Evaluator) checkOrderRate(lim config.RiskLimits, now time.Time) models.CheckResult {
	if lim.MaxOrdersPerMin > 0 && e.orders.count(now) >= lim.MaxOrdersPerMin {
		return fail(fmt.Sprintf("order rate cap %d/min reached", lim.MaxOrdersPerMin), map[string]interface{}{
			"window_count": e.orders.count(now),
			"cap":          lim.MaxOrdersPerMin,
		})
	}
	return pass("order rate within cap")
}

func (e *Evaluator) checkOrderNotional(lim config.RiskLimits, intent *models.Intent, price float64) models.CheckResult {
	// A market order with no quote and no tracked mark has no projectable
	// notional; approving it would let the exposure checks pass vacuously.
	if price <= 0 {
		return fail(fmt.Sprintf("no reference price for %s, cannot project notional", intent.Symbol), map[string]interface{}{
			"symbol": intent.Symbol,
		})
	}
	notional := float64(intent.Qty) * price
	if lim.MaxOrderNotional > 0 && notional > lim.MaxOrderNotional {
		return fail(fmt.Sprintf("order notional %.2f exceeds cap %.2f", notional, lim.MaxOrderNotional), map[string]interface{}{
			"notional": notional,
			"cap":      lim.MaxOrderNotional,
		})
	}
	return pass("order notional within cap")
}

// projection is the shared post-trade exposure model behind the three
// exposure checks. "Reducing" is judged per dimension but from this single
// computation, so the checks agree on what the trade does.
type projection struct {
	curQty int
	newQty int

	curSymNotional float64
	newSymNotional float64

	curGross float64
	newGross float64

	curNet float64
	newNet float64
}

func (e *Evaluator) project(intent *models.Intent, price float64) projection {
	delta := intent.Qty
	if intent.Side == models.OrderSideSell {
		delta = -delta
	}

	var curQty int
	if pos, ok := e.positions.Get(intent.Symbol); ok {
		curQty = pos.Qty
	}
	newQty := curQty + delta

	curGross := e.positions.GrossExposure()
	curNet := e.positions.NetExposure()

	curSym := math.Abs(float64(curQty)) * price
	newSym := math.Abs(float64(newQty)) * price

	return projection{
		curQty:         curQty,
		newQty:         newQty,
		curSymNotional: curSym,
		newSymNotional: newSym,
		curGross:       curGross,
		newGross:       curGross - curSym + newSym,
		curNet:         curNet,
		newNet:         curNet + float64(delta)*price,
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func (e *Evaluator) checkMaxPosition(lim config.RiskLimits, intent *models.Intent, price float64) models.CheckResult {
	p := e.project(intent, price)
	// Reducing an existing position is always allowed, even over the cap;
	// limits must never trap an unwindable position.
	if abs(p.newQty) <= abs(p.curQty) {
		return pass("reduces position")
	}
	if lim.MaxPositionNotional > 0 && p.newSymNotional > lim.MaxPositionNotional {
		return fail(fmt.Sprintf("position notional %.2f would exceed cap %.2f", p.newSymNotional, lim.MaxPositionNotional), map[string]interface{}{
			"current_qty":  p.curQty,
			"new_qty":      p.newQty,
			"new_notional": p.newSymNotional,
			"cap":          lim.MaxPositionNotional,
		})
	}
	return pass("position within cap")
}

func (e *Evaluator) checkGrossExposure(lim config.RiskLimits, intent *models.Intent, price float64) models.CheckResult {
	p := e.project(intent, price)
	if p.newGross <= p.curGross {
		return pass("reduces gross exposure")
	}
	if lim.MaxGrossExposure > 0 && p.newGross > lim.MaxGrossExposure {
		return fail(fmt.Sprintf("gross exposure %.2f would exceed cap %.2f", p.newGross, lim.MaxGrossExposure), map[string]interface{}{
			"current": p.curGross,
			"new":     p.newGross,
			"cap":     lim.MaxGrossExposure,
		})
	}
	return pass("gross exposure within cap")
}

func (e *Evaluator) checkNetExposure(lim config.RiskLimits, intent *models.Intent, price float64) models.CheckResult {
	p := e.project(intent, price)
	if math.Abs(p.newNet) <= math.Abs(p.curNet) {
		return pass("reduces net exposure")
	}
	if lim.MaxNetExposure > 0 && math.Abs(p.newNet) > lim.MaxNetExposure {
		return fail(fmt.Sprintf("net exposure %.2f would exceed cap %.2f", p.newNet, lim.MaxNetExposure), map[string]interface{}{
			"current": p.curNet,
			"new":     p.newNet,
			"cap":     lim.MaxNetExposure,
		})
	}
	return pass("net exposure within cap")
}

func (e *Evaluator) checkSpreadLiquidity(lim config.RiskLimits, quote *models.Quote) models.CheckResult {
	// Without a quote liquidity is unknown; this check alone fails open.
	if quote == nil {
		return pass("no quote, liquidity unknown")
	}

	var reasons []string
	details := map[string]interface{}{}

	spread := quote.SpreadBps()
	if lim.MaxSpreadBps > 0 && spread > lim.MaxSpreadBps {
		reasons = append(reasons, fmt.Sprintf("spread %.1f bps exceeds cap %.1f", spread, lim.MaxSpreadBps))
		details["spread_bps"] = spread
	}
	minSize := quote.BidSize
	if quote.AskSize < minSize {
		minSize = quote.AskSize
	}
	if lim.MinQuoteSize > 0 && minSize < lim.MinQuoteSize {
		reasons = append(reasons, fmt.Sprintf("quote size %d below floor %d", minSize, lim.MinQuoteSize))
		details["quote_size"] = minSize
	}

	if len(reasons) > 0 {
		return fail(strings.Join(reasons, "; "), details)
	}
	return pass("spread and size acceptable")
}

func (e *Evaluator) checkDailyTrades(lim config.RiskLimits) models.CheckResult {
	if lim.MaxDailyTrades > 0 && e.dailyTrades >= lim.MaxDailyTrades {
		return fail(fmt.Sprintf("daily trade count %d reached cap %d", e.dailyTrades, lim.MaxDailyTrades), map[string]interface{}{
			"count": e.dailyTrades,
			"cap":   lim.MaxDailyTrades,
		})
	}
	return pass("daily trade count within cap")
}

// sizing computes the informational size recommendation. It never rejects;
// the caller remains free to send the requested quantity.
func (e *Evaluator) sizing(lim config.RiskLimits, intent *models.Intent, quote *models.Quote, price float64) *models.SizingRecommendation {
	riskDollars := e.equity * lim.RiskPerTradePct

	var atr float64
	if quote != nil {
		atr = quote.ATR
	}
	stopBase := atr
	if stopBase <= 0 {
		stopBase = 0.02 * price
	}
	stopDistance := math.Max(stopBase, 0.01*price)

	var riskBasedQty int
	if stopDistance > 0 {
		riskBasedQty = int(math.Floor(riskDollars / stopDistance))
	}

	volAdj := 1.0
	if price > 0 && atr > 0 {
		volAdj = 1 / math.Max(1, atr/(0.02*price))
	}

	liqAdj := 1.0
	if quote != nil && intent.Qty > 0 {
		minSize := quote.BidSize
		if quote.AskSize < minSize {
			minSize = quote.AskSize
		}
		liqAdj = math.Min(1, float64(minSize)/float64(intent.Qty*2))
	}

	recommended := int(math.Floor(float64(riskBasedQty) * volAdj * liqAdj))
	if recommended > intent.Qty {
		recommended = intent.Qty
	}
	if recommended < 0 {
		recommended = 0
	}

	return &models.SizingRecommendation{
		RiskDollars:    riskDollars,
		StopDistance:   stopDistance,
		RiskBasedQty:   riskBasedQty,
		VolAdjustment:  volAdj,
		LiqAdjustment:  liqAdj,
		RecommendedQty: recommended,
	}
}

func (e *Evaluator) headroom(lim config.RiskLimits, now time.Time) *models.Headroom {
	h := &models.Headroom{
		OrderRateUtilization: e.orders.utilization(now, lim.MaxOrdersPerMin),
	}
	if lim.MaxDailyTrades > 0 {
		h.DailyTradesRemaining = maxInt(0, lim.MaxDailyTrades-e.dailyTrades)
	}
	if lim.MaxDailyLoss > 0 {
		h.DailyLossRemaining = math.Max(0, lim.MaxDailyLoss+e.dailyPnL)
	}
	if lim.MaxDrawdown > 0 {
		h.DrawdownRemaining = math.Max(0, lim.MaxDrawdown-(e.peakPnL-e.dailyPnL))
	}
	if lim.MaxGrossExposure > 0 {
		h.GrossExposureRemaining = math.Max(0, lim.MaxGrossExposure-e.positions.GrossExposure())
	}
	if lim.MaxNetExposure > 0 {
		h.NetExposureRemaining = math.Max(0, lim.MaxNetExposure-math.Abs(e.positions.NetExposure()))
	}
	return h
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// UpdateDailyPnL feeds realized P&L into the limit state and the kill
// switch. The intraday peak only ratchets upward.
func (e *Evaluator) UpdateDailyPnL(pnl float64) {
	e.mu.Lock()
	e.dailyPnL = pnl
	if pnl > e.peakPnL {
		e.peakPnL = pnl
	}
	lim := e.limits()
	e.mu.Unlock()

	e.kill.UpdateDailyPnL(pnl, lim.MaxDailyLoss)
}

// RecordTrade counts one executed order against the daily trade cap.
func (e *Evaluator) RecordTrade() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dailyTrades++
}

// RecordCancel counts one cancel against its rate window and reports
// whether the cancel is within the cap.
func (e *Evaluator) RecordCancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	lim := e.limits()
	if lim.MaxCancelsPerMin > 0 && e.cancels.count(now) >= lim.MaxCancelsPerMin {
		return false
	}
	e.cancels.add(now)
	return true
}

// RecordReplace counts one replace against its rate window and reports
// whether the replace is within the cap.
func (e *Evaluator) RecordReplace() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	lim := e.limits()
	if lim.MaxReplacesPerMin > 0 && e.replaces.count(now) >= lim.MaxReplacesPerMin {
		return false
	}
	e.replaces.add(now)
	return true
}

// ResetDaily clears daily P&L, the peak watermark, trade counts and rate
// windows at trading-day roll.
func (e *Evaluator) ResetDaily() {
	e.mu.Lock()
	e.dailyPnL = 0
	e.peakPnL = 0
	e.dailyTrades = 0
	e.orders.reset()
	e.cancels.reset()
	e.replaces.reset()
	e.mu.Unlock()

	e.kill.ResetDaily()
	e.logger.Info().Msg("daily risk state reset")
}

// DailyPnL returns the current running daily P&L.
func (e *Evaluator) DailyPnL() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dailyPnL
}

// DailyTrades returns the day's executed-order count.
func (e *Evaluator) DailyTrades() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dailyTrades
}
