package broker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradegate/internal/errors"
	"tradegate/internal/models"
)

// breakerState is the circuit state over venue calls.
type breakerState string

const (
	breakerClosed   breakerState = "CLOSED"
	breakerOpen     breakerState = "OPEN"
	breakerHalfOpen breakerState = "HALF_OPEN"
)

// ResilientVenueConfig tunes the circuit breaker wrapping venue calls.
// Zero values take the defaults.
type ResilientVenueConfig struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // half-open successes before closing
	OpenTimeout      time.Duration // how long the circuit stays open
}

// ResilientVenue wraps a VenueClient with a circuit breaker so that a
// flapping venue fails fast instead of stalling the gateway. While the
// circuit is open every call returns ErrConnectionFailed immediately; after
// the open timeout one probe call is allowed through.
type ResilientVenue struct {
	inner  VenueClient
	logger zerolog.Logger

	mu           sync.Mutex
	state        breakerState
	failures     int
	successes    int
	openedAt     time.Time
	failureLimit int
	successLimit int
	openTimeout  time.Duration

	now func() time.Time
}

// NewResilientVenue wraps a venue client with circuit breaking.
func NewResilientVenue(inner VenueClient, cfg ResilientVenueConfig, logger zerolog.Logger) *ResilientVenue {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return &ResilientVenue{
		inner:        inner,
		logger:       logger.With().Str("component", "venue_breaker").Logger(),
		state:        breakerClosed,
		failureLimit: cfg.FailureThreshold,
		successLimit: cfg.SuccessThreshold,
		openTimeout:  cfg.OpenTimeout,
		now:          time.Now,
	}
}

// State returns the current circuit state as a string, for status surfaces.
func (v *ResilientVenue) State() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return string(v.state)
}

func (v *ResilientVenue) allow() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch v.state {
	case breakerOpen:
		if v.now().Sub(v.openedAt) >= v.openTimeout {
			v.state = breakerHalfOpen
			v.successes = 0
			v.logger.Info().Msg("venue circuit half-open, probing")
			return nil
		}
		return errors.Wrap(errors.ErrConnectionFailed, "venue circuit open")
	default:
		return nil
	}
}

func (v *ResilientVenue) record(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err != nil {
		v.failures++
		v.successes = 0
		if v.state == breakerHalfOpen || (v.state == breakerClosed && v.failures >= v.failureLimit) {
			v.state = breakerOpen
			v.openedAt = v.now()
			v.logger.Warn().Int("failures", v.failures).Msg("venue circuit opened")
		}
		return
	}

	v.failures = 0
	if v.state == breakerHalfOpen {
		v.successes++
		if v.successes >= v.successLimit {
			v.state = breakerClosed
			v.logger.Info().Msg("venue circuit closed")
		}
	}
}

func (v *ResilientVenue) call(fn func() error) error {
	if err := v.allow(); err != nil {
		return err
	}
	err := fn()
	v.record(err)
	return err
}

// PlaceOrder submits through the breaker.
func (v *ResilientVenue) PlaceOrder(ctx context.Context, order *models.Order) (string, error) {
	var id string
	err := v.call(func() error {
		var err error
		id, err = v.inner.PlaceOrder(ctx, order)
		return err
	})
	return id, err
}

// CancelOrder cancels through the breaker.
func (v *ResilientVenue) CancelOrder(ctx context.Context, brokerOrderID string) error {
	return v.call(func() error {
		return v.inner.CancelOrder(ctx, brokerOrderID)
	})
}

// OpenOrders fetches through the breaker.
func (v *ResilientVenue) OpenOrders(ctx context.Context) ([]models.BrokerOrder, error) {
	var out []models.BrokerOrder
	err := v.call(func() error {
		var err error
		out, err = v.inner.OpenOrders(ctx)
		return err
	})
	return out, err
}

// Positions fetches through the breaker.
func (v *ResilientVenue) Positions(ctx context.Context) ([]models.BrokerPosition, error) {
	var out []models.BrokerPosition
	err := v.call(func() error {
		var err error
		out, err = v.inner.Positions(ctx)
		return err
	})
	return out, err
}

// GetQuote fetches through the breaker.
func (v *ResilientVenue) GetQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	var q *models.Quote
	err := v.call(func() error {
		var err error
		q, err = v.inner.GetQuote(ctx, symbol)
		return err
	})
	return q, err
}

// OnReport passes handler registration straight through; streamed reports
// are pushed by the venue and not subject to the breaker.
func (v *ResilientVenue) OnReport(handler ReportHandler) {
	v.inner.OnReport(handler)
}
