// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"tradegate/internal/models"
)

// OrderStore is the system of record for orders. Uniqueness of ID,
// ClientOrderID and BrokerOrderID is the store's responsibility; the state
// machine's idempotency guarantees rest on it.
type OrderStore interface {
	Put(order *models.Order) error
	Get(id string) (*models.Order, bool)
	GetByClientOrderID(clientOrderID string) (*models.Order, bool)
	GetByBrokerOrderID(brokerOrderID string) (*models.Order, bool)
	BySymbol(symbol string) []*models.Order
	ByStatus(status models.OrderState) []*models.Order
	Open() []*models.Order
	All() []*models.Order
}

// IntentStore is the system of record for intents. ClientIntentID is unique;
// at-most-one-order-per-intent is enforced here.
type IntentStore interface {
	Put(intent *models.Intent) error
	Get(id string) (*models.Intent, bool)
	GetByClientIntentID(clientIntentID string) (*models.Intent, bool)
	All() []*models.Intent
}

// EventStore persists audit events durably, behind the audit log's async
// persistence callback.
type EventStore interface {
	SaveEvent(ctx context.Context, event models.AuditEvent) error
	GetEvents(ctx context.Context, filter EventFilter) ([]models.AuditEvent, error)
	Close() error
}

// EventFilter represents filters for querying persisted events.
type EventFilter struct {
	Type      models.AuditEventType
	Symbol    string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}
