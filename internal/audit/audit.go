// Package audit provides the append-only audit trail and versioned
// configuration history for the trading gateway.
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tradegate/internal/models"
)

// PersistFunc is an optional callback invoked asynchronously per event. Its
// failure is logged and never propagated; persistence must not be able to
// block or fail a trading decision.
type PersistFunc func(models.AuditEvent) error

// Log is a bounded, sequence-ordered, in-memory audit trail. On overflow it
// trims to half capacity in one batch rather than evicting one at a time.
type Log struct {
	mu       sync.RWMutex
	events   []models.AuditEvent
	seq      uint64
	capacity int
	persist  PersistFunc
	logger   zerolog.Logger
	now      func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithPersist sets the async persistence callback.
func WithPersist(fn PersistFunc) Option {
	return func(l *Log) { l.persist = fn }
}

// WithClock overrides the clock; used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// NewLog creates an audit log holding at most capacity events in memory.
func NewLog(capacity int, logger zerolog.Logger, opts ...Option) *Log {
	if capacity < 2 {
		capacity = 2
	}
	l := &Log{
		events:   make([]models.AuditEvent, 0, capacity),
		capacity: capacity,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Event is the builder input for Record.
type Event struct {
	Type          models.AuditEventType
	CorrelationID string
	Symbol        string
	OrderID       string
	Actor         string
	Payload       map[string]interface{}
}

// Record appends an event, stamping sequence, id and timestamp, and kicks off
// the persistence callback without waiting for it.
func (l *Log) Record(e Event) models.AuditEvent {
	l.mu.Lock()
	l.seq++
	ev := models.AuditEvent{
		Seq:           l.seq,
		ID:            uuid.NewString(),
		Type:          e.Type,
		Timestamp:     l.now().UTC(),
		CorrelationID: e.CorrelationID,
		Symbol:        e.Symbol,
		OrderID:       e.OrderID,
		Actor:         e.Actor,
		Payload:       e.Payload,
	}
	l.events = append(l.events, ev)
	if len(l.events) > l.capacity {
		// Batch eviction: drop the oldest half in one copy.
		keep := l.capacity / 2
		trimmed := make([]models.AuditEvent, keep, l.capacity)
		copy(trimmed, l.events[len(l.events)-keep:])
		l.events = trimmed
	}
	persist := l.persist
	l.mu.Unlock()

	if persist != nil {
		go func(ev models.AuditEvent) {
			if err := persist(ev); err != nil {
				l.logger.Error().
					Err(err).
					Str("event_id", ev.ID).
					Str("event_type", string(ev.Type)).
					Msg("Audit persistence failed")
			}
		}(ev)
	}
	return ev
}

// Filter selects events in Query. Zero values match everything.
type Filter struct {
	Type          models.AuditEventType
	From          time.Time
	To            time.Time
	CorrelationID string
	Symbol        string
	Limit         int
}

// Query returns events matching the filter in sequence order.
func (l *Log) Query(f Filter) []models.AuditEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []models.AuditEvent
	for _, ev := range l.events {
		if f.Type != "" && ev.Type != f.Type {
			continue
		}
		if !f.From.IsZero() && ev.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && ev.Timestamp.After(f.To) {
			continue
		}
		if f.CorrelationID != "" && ev.CorrelationID != f.CorrelationID {
			continue
		}
		if f.Symbol != "" && ev.Symbol != f.Symbol {
			continue
		}
		out = append(out, ev)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Recent returns the newest n events, newest last.
func (l *Log) Recent(n int) []models.AuditEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || n > len(l.events) {
		n = len(l.events)
	}
	out := make([]models.AuditEvent, n)
	copy(out, l.events[len(l.events)-n:])
	return out
}

// Len returns the number of events currently held in memory.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Seq returns the sequence number of the most recent event.
func (l *Log) Seq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}
