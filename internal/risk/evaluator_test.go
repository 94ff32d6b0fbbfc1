package risk

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"tradegate/internal/audit"
	"tradegate/internal/config"
	"tradegate/internal/models"
	"tradegate/internal/portfolio"
)

func newTestEvaluator(lim config.RiskLimits) (*Evaluator, *KillSwitch, *portfolio.Tracker) {
	log := audit.NewLog(1000, zerolog.Nop())
	kill := NewKillSwitch(KillSwitchConfig{}, log, zerolog.Nop())
	tracker := portfolio.NewTracker()
	e := NewEvaluator(func() config.RiskLimits { return lim }, kill, tracker, log, zerolog.Nop())
	e.SetEquity(100000)
	return e, kill, tracker
}

func buyIntent(symbol string, qty int, limitPrice float64) *models.Intent {
	return &models.Intent{
		ID:             "intent-1",
		ClientIntentID: "ci-1",
		Symbol:         symbol,
		Side:           models.OrderSideBuy,
		Qty:            qty,
		Type:           models.OrderTypeLimit,
		LimitPrice:     limitPrice,
		Strategy:       "momo",
	}
}

func sellIntent(symbol string, qty int, limitPrice float64) *models.Intent {
	i := buyIntent(symbol, qty, limitPrice)
	i.Side = models.OrderSideSell
	return i
}

func TestMarketOrderWithoutReferencePriceRejected(t *testing.T) {
	e, _, tracker := newTestEvaluator(config.RiskLimits{
		MaxOrderNotional: 10000,
	})

	intent := buyIntent("AAPL", 10_000_000, 0)
	intent.Type = models.OrderTypeMarket

	d := e.Evaluate(intent, nil)
	if d.Approved() {
		t.Fatal("unpriceable market order approved")
	}
	if d.FailedCheck != CheckMaxOrderNotional {
		t.Fatalf("expected %s to fail closed, got %s", CheckMaxOrderNotional, d.FailedCheck)
	}

	// A tracked mark for the symbol restores the notional projection.
	tracker.UpdatePosition("AAPL", 10, models.OrderSideBuy, 150)
	tracker.MarkPrice("AAPL", 150)

	d = e.Evaluate(intent, nil)
	if d.Approved() {
		t.Fatal("oversized market order approved once priced")
	}
	if d.FailedCheck != CheckMaxOrderNotional {
		t.Fatalf("expected notional cap rejection, got %s", d.FailedCheck)
	}
	reason := d.Checks[len(d.Checks)-1].Reason
	if !strings.Contains(reason, "cap") {
		t.Fatalf("rejection should cite the cap, not a missing price: %q", reason)
	}

	intent.Qty = 10
	d = e.Evaluate(intent, nil)
	if !d.Approved() {
		t.Fatalf("priced market order within cap rejected: %s", d.FailedCheck)
	}
}

func TestReducingSellApprovedOverCap(t *testing.T) {
	e, _, tracker := newTestEvaluator(config.RiskLimits{
		MaxPositionNotional: 10000,
	})
	// 150-share long at $60: notional 9000, close to the $10,000 cap.
	tracker.UpdatePosition("AAPL", 150, models.OrderSideBuy, 60)

	d := e.Evaluate(sellIntent("AAPL", 30, 60), nil)
	if !d.Approved() {
		t.Fatalf("reducing sell rejected: %s (%s)", d.FailedCheck, d.Checks[len(d.Checks)-1].Reason)
	}
}

func TestGrowingPastPositionCapRejected(t *testing.T) {
	e, _, tracker := newTestEvaluator(config.RiskLimits{
		MaxPositionNotional: 10000,
	})
	tracker.UpdatePosition("AAPL", 150, models.OrderSideBuy, 60)

	// 180 shares at $60 would be $10,800.
	d := e.Evaluate(buyIntent("AAPL", 30, 60), nil)
	if d.Approved() {
		t.Fatal("growing order past the cap approved")
	}
	if d.FailedCheck != CheckMaxPosition {
		t.Fatalf("expected failed check %q, got %q", CheckMaxPosition, d.FailedCheck)
	}
}

func TestKillSwitchChecksFirst(t *testing.T) {
	e, kill, _ := newTestEvaluator(config.RiskLimits{})
	kill.Activate("manual", models.KillModeBlockNew)

	d := e.Evaluate(buyIntent("AAPL", 10, 100), nil)
	if d.Approved() {
		t.Fatal("approved while kill switch armed")
	}
	if d.FailedCheck != CheckKillSwitch {
		t.Fatalf("expected %q, got %q", CheckKillSwitch, d.FailedCheck)
	}
	if len(d.Checks) != 1 {
		t.Fatalf("chain did not short-circuit: %d checks ran", len(d.Checks))
	}
}

func TestRejectionBurstArmsAndBlocksSixth(t *testing.T) {
	e, kill, _ := newTestEvaluator(config.RiskLimits{
		SymbolAllowlist: []string{"SPY"},
	})

	for i := 0; i < 5; i++ {
		d := e.Evaluate(buyIntent("AAPL", 10, 100), nil)
		if d.Approved() {
			t.Fatal("off-allowlist intent approved")
		}
		if d.FailedCheck != CheckSymbolAllowlist {
			t.Fatalf("evaluation %d failed on %q", i, d.FailedCheck)
		}
	}
	if !kill.Armed() {
		t.Fatal("five rejections inside 60s did not arm the switch")
	}
	if kill.State().SystemMode != models.SystemHalted {
		t.Fatalf("expected HALTED, got %s", kill.State().SystemMode)
	}

	// The sixth is rejected by the kill switch regardless of its own merits.
	d := e.Evaluate(buyIntent("SPY", 1, 1), nil)
	if d.FailedCheck != CheckKillSwitch {
		t.Fatalf("expected %q while armed, got %q", CheckKillSwitch, d.FailedCheck)
	}
}

func TestDisabledSymbolAndStrategy(t *testing.T) {
	e, _, _ := newTestEvaluator(config.RiskLimits{
		DisabledSymbols:    []string{"GME"},
		DisabledStrategies: []string{"yolo"},
	})

	d := e.Evaluate(buyIntent("GME", 1, 10), nil)
	if d.FailedCheck != CheckSymbolEnabled {
		t.Fatalf("expected %q, got %q", CheckSymbolEnabled, d.FailedCheck)
	}

	i := buyIntent("AAPL", 1, 10)
	i.Strategy = "yolo"
	d = e.Evaluate(i, nil)
	if d.FailedCheck != CheckStrategyEnabled {
		t.Fatalf("expected %q, got %q", CheckStrategyEnabled, d.FailedCheck)
	}
}

func TestOrderNotionalCap(t *testing.T) {
	e, _, _ := newTestEvaluator(config.RiskLimits{
		MaxOrderNotional: 5000,
	})

	d := e.Evaluate(buyIntent("AAPL", 100, 60), nil) // $6,000
	if d.FailedCheck != CheckMaxOrderNotional {
		t.Fatalf("expected %q, got %q", CheckMaxOrderNotional, d.FailedCheck)
	}

	d = e.Evaluate(buyIntent("AAPL", 50, 60), nil) // $3,000
	if !d.Approved() {
		t.Fatalf("within-cap order rejected: %s", d.FailedCheck)
	}
}

func TestDailyLossAndDrawdown(t *testing.T) {
	e, _, _ := newTestEvaluator(config.RiskLimits{
		MaxDailyLoss: 1000,
		MaxDrawdown:  500,
	})

	e.UpdateDailyPnL(-1000)
	d := e.Evaluate(buyIntent("AAPL", 1, 10), nil)
	if d.FailedCheck != CheckDailyLossLimit {
		t.Fatalf("expected %q, got %q", CheckDailyLossLimit, d.FailedCheck)
	}

	// Peak ratchets; falling 500 off the peak trips the drawdown check.
	e2, _, _ := newTestEvaluator(config.RiskLimits{MaxDrawdown: 500})
	e2.UpdateDailyPnL(600)
	e2.UpdateDailyPnL(100)
	d = e2.Evaluate(buyIntent("AAPL", 1, 10), nil)
	if d.FailedCheck != CheckDrawdownLimit {
		t.Fatalf("expected %q, got %q", CheckDrawdownLimit, d.FailedCheck)
	}
}

func TestSpreadLiquidityFailsOpenWithoutQuote(t *testing.T) {
	e, _, _ := newTestEvaluator(config.RiskLimits{
		MaxSpreadBps: 10,
		MinQuoteSize: 500,
	})

	d := e.Evaluate(buyIntent("AAPL", 10, 100), nil)
	if !d.Approved() {
		t.Fatalf("no-quote evaluation rejected: %s", d.FailedCheck)
	}

	wide := &models.Quote{Symbol: "AAPL", Bid: 99, Ask: 101, BidSize: 100, AskSize: 100}
	d = e.Evaluate(buyIntent("AAPL", 10, 100), wide)
	if d.FailedCheck != CheckSpreadLiquidity {
		t.Fatalf("expected %q, got %q", CheckSpreadLiquidity, d.FailedCheck)
	}
	// Both the spread and the size floor are violated; both reasons surface.
	reason := d.Checks[len(d.Checks)-1].Reason
	if reason == "" {
		t.Fatal("empty rejection reason")
	}
}

func TestDailyTradeCountCap(t *testing.T) {
	e, _, _ := newTestEvaluator(config.RiskLimits{
		MaxDailyTrades: 2,
	})
	e.RecordTrade()
	e.RecordTrade()

	d := e.Evaluate(buyIntent("AAPL", 1, 10), nil)
	if d.FailedCheck != CheckDailyTradeCount {
		t.Fatalf("expected %q, got %q", CheckDailyTradeCount, d.FailedCheck)
	}
}

func TestOrderRateLimit(t *testing.T) {
	e, _, _ := newTestEvaluator(config.RiskLimits{
		MaxOrdersPerMin: 2,
	})

	for i := 0; i < 2; i++ {
		if d := e.Evaluate(buyIntent("AAPL", 1, 10), nil); !d.Approved() {
			t.Fatalf("evaluation %d rejected: %s", i, d.FailedCheck)
		}
	}
	d := e.Evaluate(buyIntent("AAPL", 1, 10), nil)
	if d.FailedCheck != CheckOrderRateLimit {
		t.Fatalf("expected %q, got %q", CheckOrderRateLimit, d.FailedCheck)
	}
}

func TestApprovedDecisionCarriesSizingAndHeadroom(t *testing.T) {
	e, _, _ := newTestEvaluator(config.RiskLimits{
		MaxDailyTrades:   10,
		MaxDailyLoss:     1000,
		MaxGrossExposure: 50000,
		RiskPerTradePct:  0.01,
	})

	quote := &models.Quote{
		Symbol: "AAPL", Bid: 99.9, Ask: 100.1,
		BidSize: 5000, AskSize: 5000, Last: 100, ATR: 2,
	}
	d := e.Evaluate(buyIntent("AAPL", 100, 100), quote)
	if !d.Approved() {
		t.Fatalf("rejected: %s", d.FailedCheck)
	}
	if d.Sizing == nil || d.Headroom == nil {
		t.Fatal("approved decision missing sizing or headroom")
	}
	// risk dollars 1000, stop distance max(2, 1) = 2, so 500 risk-based
	// shares, capped at the requested 100.
	if d.Sizing.RiskDollars != 1000 {
		t.Fatalf("risk dollars: %v", d.Sizing.RiskDollars)
	}
	if d.Sizing.StopDistance != 2 {
		t.Fatalf("stop distance: %v", d.Sizing.StopDistance)
	}
	if d.Sizing.RecommendedQty > 100 {
		t.Fatalf("recommendation exceeds requested qty: %d", d.Sizing.RecommendedQty)
	}
	if d.Headroom.DailyTradesRemaining != 10 {
		t.Fatalf("daily trades remaining: %d", d.Headroom.DailyTradesRemaining)
	}
	if d.Headroom.DailyLossRemaining != 1000 {
		t.Fatalf("daily loss remaining: %v", d.Headroom.DailyLossRemaining)
	}
	if len(d.Checks) != 13 {
		t.Fatalf("expected all 13 checks on approval, got %d", len(d.Checks))
	}
}

func TestResetDailyClearsCounters(t *testing.T) {
	e, _, _ := newTestEvaluator(config.RiskLimits{
		MaxDailyTrades: 1,
		MaxDailyLoss:   1000,
	})
	e.RecordTrade()
	e.UpdateDailyPnL(-500)

	e.ResetDaily()
	if e.DailyTrades() != 0 || e.DailyPnL() != 0 {
		t.Fatalf("reset incomplete: trades=%d pnl=%v", e.DailyTrades(), e.DailyPnL())
	}
	if d := e.Evaluate(buyIntent("AAPL", 1, 10), nil); !d.Approved() {
		t.Fatalf("post-reset evaluation rejected: %s", d.FailedCheck)
	}
}
