package orders

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tradegate/internal/audit"
	"tradegate/internal/errors"
	"tradegate/internal/models"
	"tradegate/internal/store"
)

// IntentRequest is the caller-supplied input for creating an intent.
type IntentRequest struct {
	ClientIntentID string
	Symbol         string
	Side           models.OrderSide
	Qty            int
	Type           models.OrderType
	LimitPrice     float64
	StopPrice      float64
	TIF            models.TimeInForce
	Strategy       string
	Reason         string
	Confidence     float64
}

// Registry tracks trade intents and enforces at-most-one order per
// client intent key.
type Registry struct {
	intents store.IntentStore
	machine *Machine
	audit   *audit.Log
	logger  zerolog.Logger

	now func() time.Time
}

// NewRegistry creates the intent registry.
func NewRegistry(intents store.IntentStore, machine *Machine, auditLog *audit.Log, logger zerolog.Logger) *Registry {
	return &Registry{
		intents: intents,
		machine: machine,
		audit:   auditLog,
		logger:  logger.With().Str("component", "intents").Logger(),
		now:     time.Now,
	}
}

// ClientOrderID derives the deterministic order key for an intent key.
// The same intent always maps to the same order id, which is what makes
// retried submissions safe.
func ClientOrderID(clientIntentID string) string {
	sum := sha256.Sum256([]byte(clientIntentID))
	return "ord-" + hex.EncodeToString(sum[:])[:16]
}

// CreateIntent registers a new intent, or returns the existing one when the
// ClientIntentID has been seen before. The second return value reports
// whether this call created it.
func (r *Registry) CreateIntent(req IntentRequest) (*models.Intent, bool, error) {
	if existing, ok := r.intents.GetByClientIntentID(req.ClientIntentID); ok {
		return existing, false, nil
	}
	if err := validateIntent(req); err != nil {
		return nil, false, err
	}

	now := r.now()
	intent := &models.Intent{
		ID:             uuid.New().String(),
		ClientIntentID: req.ClientIntentID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Qty:            req.Qty,
		Type:           req.Type,
		LimitPrice:     req.LimitPrice,
		StopPrice:      req.StopPrice,
		TIF:            req.TIF,
		Strategy:       req.Strategy,
		Reason:         req.Reason,
		Confidence:     req.Confidence,
		Status:         models.IntentPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.intents.Put(intent); err != nil {
		return nil, false, err
	}

	r.audit.Record(audit.Event{
		Type:          models.AuditIntentCreated,
		CorrelationID: intent.ClientIntentID,
		Symbol:        intent.Symbol,
		Payload: map[string]interface{}{
			"intent_id": intent.ID,
			"side":      intent.Side,
			"qty":       intent.Qty,
			"strategy":  intent.Strategy,
		},
	})
	r.logger.Info().
		Str("intent_id", intent.ID).
		Str("client_intent_id", intent.ClientIntentID).
		Str("symbol", intent.Symbol).
		Msg("intent created")

	return intent, true, nil
}

// Accept marks the intent approved and spawns its order. Calling Accept
// again for the same intent returns the already-spawned order.
func (r *Registry) Accept(intentID string, decision *models.RiskDecision) (*models.Order, error) {
	intent, ok := r.intents.Get(intentID)
	if !ok {
		return nil, errors.ErrIntentNotFound
	}

	if intent.OrderID != "" {
		if order, found := r.machine.orders.Get(intent.OrderID); found {
			return order, nil
		}
	}

	order, err := r.machine.CreateOrder(intent, ClientOrderID(intent.ClientIntentID))
	if err != nil {
		return nil, err
	}

	intent.Status = models.IntentAccepted
	intent.Decision = decision
	intent.OrderID = order.ID
	intent.UpdatedAt = r.now()
	if err := r.intents.Put(intent); err != nil {
		return nil, err
	}

	r.audit.Record(audit.Event{
		Type:          models.AuditIntentAccepted,
		CorrelationID: intent.ClientIntentID,
		Symbol:        intent.Symbol,
		OrderID:       order.ID,
		Payload: map[string]interface{}{
			"intent_id": intent.ID,
		},
	})
	return order, nil
}

// Reject marks the intent rejected. No order is ever spawned for a
// rejected intent.
func (r *Registry) Reject(intentID string, decision *models.RiskDecision, reason string) error {
	intent, ok := r.intents.Get(intentID)
	if !ok {
		return errors.ErrIntentNotFound
	}

	intent.Status = models.IntentRejected
	intent.Decision = decision
	intent.UpdatedAt = r.now()
	if err := r.intents.Put(intent); err != nil {
		return err
	}

	r.audit.Record(audit.Event{
		Type:          models.AuditIntentRejected,
		CorrelationID: intent.ClientIntentID,
		Symbol:        intent.Symbol,
		Payload: map[string]interface{}{
			"intent_id": intent.ID,
			"reason":    reason,
		},
	})
	r.logger.Info().
		Str("intent_id", intent.ID).
		Str("symbol", intent.Symbol).
		Str("reason", reason).
		Msg("intent rejected")
	return nil
}

// Len returns the number of registered intents.
func (r *Registry) Len() int {
	return len(r.intents.All())
}

// Get returns an intent by internal id.
func (r *Registry) Get(intentID string) (*models.Intent, error) {
	intent, ok := r.intents.Get(intentID)
	if !ok {
		return nil, errors.ErrIntentNotFound
	}
	return intent, nil
}

func validateIntent(req IntentRequest) error {
	if req.ClientIntentID == "" {
		return errors.NewValidationError("client_intent_id", req.ClientIntentID, "must not be empty")
	}
	if req.Symbol == "" {
		return errors.NewValidationError("symbol", req.Symbol, "must not be empty")
	}
	if req.Qty <= 0 {
		return errors.NewValidationError("qty", req.Qty, "must be positive")
	}
	if req.Side != models.OrderSideBuy && req.Side != models.OrderSideSell {
		return errors.NewValidationError("side", req.Side, "must be BUY or SELL")
	}
	if req.Type == models.OrderTypeLimit && req.LimitPrice <= 0 {
		return errors.NewValidationError("limit_price", req.LimitPrice, "required for limit orders")
	}
	return nil
}
