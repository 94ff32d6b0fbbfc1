// Package models provides domain models for the trading gateway.
package models

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// TimeInForce represents order validity.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFIOC TimeInForce = "IOC"
	TIFGTC TimeInForce = "GTC"
)

// OrderState represents a state in the order lifecycle.
type OrderState string

const (
	OrderStateNew            OrderState = "NEW"
	OrderStateSubmitted      OrderState = "SUBMITTED"
	OrderStateAccepted       OrderState = "ACCEPTED"
	OrderStatePartial        OrderState = "PARTIAL"
	OrderStateFilled         OrderState = "FILLED"
	OrderStateCanceled       OrderState = "CANCELED"
	OrderStateRejected       OrderState = "REJECTED"
	OrderStateExpired        OrderState = "EXPIRED"
	OrderStatePendingCancel  OrderState = "PENDING_CANCEL"
	OrderStatePendingReplace OrderState = "PENDING_REPLACE"
	OrderStateReplaced       OrderState = "REPLACED"
)

// TerminalStates is the set of states with no outgoing transitions.
var TerminalStates = map[OrderState]bool{
	OrderStateFilled:   true,
	OrderStateCanceled: true,
	OrderStateRejected: true,
	OrderStateExpired:  true,
	OrderStateReplaced: true,
}

// IsTerminal reports whether the state accepts no further transitions.
func (s OrderState) IsTerminal() bool {
	return TerminalStates[s]
}

// ValidTransitions is the allowed-edge table for the order state machine.
// Terminal states have no entries.
var ValidTransitions = map[OrderState][]OrderState{
	OrderStateNew: {
		OrderStateSubmitted, OrderStateAccepted, OrderStateRejected,
		OrderStateCanceled, OrderStateExpired,
	},
	OrderStateSubmitted: {
		OrderStateAccepted, OrderStatePartial, OrderStateFilled,
		OrderStateCanceled, OrderStateRejected, OrderStateExpired,
		OrderStatePendingCancel, OrderStatePendingReplace,
	},
	OrderStateAccepted: {
		OrderStatePartial, OrderStateFilled, OrderStateCanceled,
		OrderStateRejected, OrderStateExpired,
		OrderStatePendingCancel, OrderStatePendingReplace,
	},
	OrderStatePartial: {
		OrderStateFilled, OrderStateCanceled, OrderStateRejected,
		OrderStateExpired, OrderStatePendingCancel, OrderStatePendingReplace,
	},
	OrderStatePendingCancel: {
		OrderStateCanceled, OrderStateAccepted, OrderStatePartial,
		OrderStateFilled, OrderStateRejected,
	},
	OrderStatePendingReplace: {
		OrderStateReplaced, OrderStateAccepted, OrderStatePartial,
		OrderStateFilled, OrderStateCanceled, OrderStateRejected,
	},
}

// CanTransition reports whether the edge from -> to is in the allowed set.
// A same-state "transition" is not an edge; callers treat it as a no-op.
func CanTransition(from, to OrderState) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IntentStatus represents the lifecycle status of a trade intent.
type IntentStatus string

const (
	IntentPending  IntentStatus = "PENDING"
	IntentAccepted IntentStatus = "ACCEPTED"
	IntentRejected IntentStatus = "REJECTED"
	IntentExecuted IntentStatus = "EXECUTED"
	IntentFailed   IntentStatus = "FAILED"
)

// SystemMode represents the gateway's operating mode.
type SystemMode string

const (
	SystemNormal      SystemMode = "NORMAL"
	SystemDegraded    SystemMode = "DEGRADED"
	SystemHalted      SystemMode = "HALTED"
	SystemMaintenance SystemMode = "MAINTENANCE"
)

// KillSwitchMode represents what an armed kill switch demands.
type KillSwitchMode string

const (
	KillModeBlockNew  KillSwitchMode = "BLOCK_NEW"
	KillModeCancelAll KillSwitchMode = "CANCEL_ALL"
	KillModeFlatten   KillSwitchMode = "FLATTEN"
)

// RiskVerdict is the overall outcome of a risk evaluation.
type RiskVerdict string

const (
	VerdictApproved RiskVerdict = "APPROVED"
	VerdictRejected RiskVerdict = "REJECTED"
)

// ExecType is a venue execution-report event name.
type ExecType string

const (
	ExecNew            ExecType = "new"
	ExecAccepted       ExecType = "accepted"
	ExecFill           ExecType = "fill"
	ExecPartialFill    ExecType = "partial_fill"
	ExecCanceled       ExecType = "canceled"
	ExecRejected       ExecType = "rejected"
	ExecExpired        ExecType = "expired"
	ExecReplaced       ExecType = "replaced"
	ExecPendingCancel  ExecType = "pending_cancel"
	ExecPendingReplace ExecType = "pending_replace"
)

// ExecTypeStates maps venue event names to local order states. The mapping is
// exhaustive over ExecType; an event name absent here is unrecognized and must
// be dropped by the caller, never defaulted.
var ExecTypeStates = map[ExecType]OrderState{
	ExecNew:            OrderStateSubmitted,
	ExecAccepted:       OrderStateAccepted,
	ExecFill:           OrderStateFilled,
	ExecPartialFill:    OrderStatePartial,
	ExecCanceled:       OrderStateCanceled,
	ExecRejected:       OrderStateRejected,
	ExecExpired:        OrderStateExpired,
	ExecReplaced:       OrderStateReplaced,
	ExecPendingCancel:  OrderStatePendingCancel,
	ExecPendingReplace: OrderStatePendingReplace,
}

// AuditEventType represents the type of audit event.
type AuditEventType string

const (
	AuditIntentCreated         AuditEventType = "INTENT_CREATED"
	AuditIntentAccepted        AuditEventType = "INTENT_ACCEPTED"
	AuditIntentRejected        AuditEventType = "INTENT_REJECTED"
	AuditOrderCreated          AuditEventType = "ORDER_CREATED"
	AuditOrderStateChanged     AuditEventType = "ORDER_STATE_CHANGED"
	AuditInvalidTransition     AuditEventType = "INVALID_TRANSITION"
	AuditFillRecorded          AuditEventType = "FILL_RECORDED"
	AuditRiskEvaluated         AuditEventType = "RISK_EVALUATED"
	AuditKillSwitchActivated   AuditEventType = "KILL_SWITCH_ACTIVATED"
	AuditKillSwitchDeactivated AuditEventType = "KILL_SWITCH_DEACTIVATED"
	AuditReconStarted          AuditEventType = "RECONCILIATION_STARTED"
	AuditReconCompleted        AuditEventType = "RECONCILIATION_COMPLETED"
	AuditReconDiscrepancy      AuditEventType = "RECONCILIATION_DISCREPANCY"
	AuditConfigChanged         AuditEventType = "CONFIG_CHANGED"
)
