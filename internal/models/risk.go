package models

import "time"

// CheckResult is the outcome of a single pre-trade risk check.
type CheckResult struct {
	Name    string
	Passed  bool
	Reason  string
	Details map[string]interface{}
}

// SizingRecommendation is the informational position-size suggestion computed
// after all checks pass.
type SizingRecommendation struct {
	RiskDollars    float64
	StopDistance   float64
	RiskBasedQty   int
	VolAdjustment  float64
	LiqAdjustment  float64
	RecommendedQty int
}

// Headroom is the remaining budget against each configured limit, returned on
// an approved decision.
type Headroom struct {
	DailyTradesRemaining   int
	DailyLossRemaining     float64
	DrawdownRemaining      float64
	GrossExposureRemaining float64
	NetExposureRemaining   float64
	OrderRateUtilization   float64 // 0..1 of the sliding-window cap
}

// RiskDecision is the itemized result of evaluating an intent. Rejection is a
// structured business outcome, never an error.
type RiskDecision struct {
	Verdict     RiskVerdict
	Checks      []CheckResult
	FailedCheck string
	Sizing      *SizingRecommendation
	Headroom    *Headroom
	EvaluatedIn time.Duration
	Timestamp   time.Time
}

// Approved reports whether the decision passed every check.
func (d *RiskDecision) Approved() bool {
	return d.Verdict == VerdictApproved
}

// KillSwitchState is a snapshot of the circuit breaker over trading activity.
type KillSwitchState struct {
	Armed       bool
	Mode        KillSwitchMode
	Reason      string
	ActivatedAt time.Time
	SystemMode  SystemMode
}

// AuditEvent is one entry in the append-only audit trail.
type AuditEvent struct {
	Seq           uint64                 `json:"seq" csv:"seq"`
	ID            string                 `json:"id" csv:"id"`
	Type          AuditEventType         `json:"type" csv:"type"`
	Timestamp     time.Time              `json:"timestamp" csv:"timestamp"`
	CorrelationID string                 `json:"correlation_id,omitempty" csv:"correlation_id"`
	Symbol        string                 `json:"symbol,omitempty" csv:"symbol"`
	OrderID       string                 `json:"order_id,omitempty" csv:"order_id"`
	Actor         string                 `json:"actor,omitempty" csv:"actor"`
	Payload       map[string]interface{} `json:"payload,omitempty" csv:"-"`
}

// ConfigVersion is a full, diffable snapshot of gateway configuration.
type ConfigVersion struct {
	Version   int
	Snapshot  map[string]interface{}
	CreatedAt time.Time
}
