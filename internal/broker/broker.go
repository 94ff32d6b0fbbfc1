// Package broker provides venue integration interfaces and implementations.
package broker

import (
	"context"

	"tradegate/internal/models"
)

// ReportHandler receives execution reports pushed by the venue.
type ReportHandler func(models.ExecutionReport)

// VenueClient defines the interface for order routing venues. The gateway
// treats the venue as authoritative for order and position state; all local
// state is reconciled against these snapshots.
type VenueClient interface {
	// Orders
	PlaceOrder(ctx context.Context, order *models.Order) (string, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	OpenOrders(ctx context.Context) ([]models.BrokerOrder, error)

	// Positions
	Positions(ctx context.Context) ([]models.BrokerPosition, error)

	// Market data
	GetQuote(ctx context.Context, symbol string) (*models.Quote, error)

	// Streaming
	OnReport(handler ReportHandler)
}
