package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tradegate/internal/models"
)

// SQLiteStore implements EventStore using SQLite, and additionally keeps
// order snapshots for post-mortem inspection. It sits behind the audit log's
// async persistence callback; the in-memory stores remain the system of
// record.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Audit events: append-only trail
	CREATE TABLE IF NOT EXISTS audit_events (
		seq INTEGER NOT NULL,
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		correlation_id TEXT,
		symbol TEXT,
		order_id TEXT,
		actor TEXT,
		payload TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Order snapshots for inspection and recovery
	CREATE TABLE IF NOT EXISTS order_snapshots (
		id TEXT PRIMARY KEY,
		intent_id TEXT NOT NULL,
		client_order_id TEXT NOT NULL UNIQUE,
		broker_order_id TEXT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		qty INTEGER NOT NULL,
		filled_qty INTEGER NOT NULL,
		avg_fill_price REAL NOT NULL,
		status TEXT NOT NULL,
		snapshot TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_events_type ON audit_events(event_type);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON audit_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_symbol ON audit_events(symbol);
	CREATE INDEX IF NOT EXISTS idx_events_correlation ON audit_events(correlation_id);
	CREATE INDEX IF NOT EXISTS idx_snapshots_symbol ON order_snapshots(symbol);
	CREATE INDEX IF NOT EXISTS idx_snapshots_status ON order_snapshots(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveEvent persists a single audit event.
func (s *SQLiteStore) SaveEvent(ctx context.Context, event models.AuditEvent) error {
	payload, _ := json.Marshal(event.Payload)

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO audit_events (seq, id, event_type, timestamp, correlation_id, symbol, order_id, actor, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, event.Seq, event.ID, event.Type, event.Timestamp, event.CorrelationID, event.Symbol, event.OrderID, event.Actor, string(payload))
	if err != nil {
		return fmt.Errorf("failed to save audit event: %w", err)
	}
	return nil
}

// GetEvents retrieves persisted audit events matching the filter.
func (s *SQLiteStore) GetEvents(ctx context.Context, filter EventFilter) ([]models.AuditEvent, error) {
	query := "SELECT seq, id, event_type, timestamp, correlation_id, symbol, order_id, actor, payload FROM audit_events WHERE 1=1"
	args := []interface{}{}

	if filter.Type != "" {
		query += " AND event_type = ?"
		args = append(args, filter.Type)
	}
	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if !filter.StartTime.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.StartTime)
	}
	if !filter.EndTime.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, filter.EndTime)
	}

	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		var ev models.AuditEvent
		var payloadJSON string
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.Type, &ev.Timestamp, &ev.CorrelationID, &ev.Symbol, &ev.OrderID, &ev.Actor, &payloadJSON); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		json.Unmarshal([]byte(payloadJSON), &ev.Payload)
		events = append(events, ev)
	}

	return events, rows.Err()
}

// SaveOrderSnapshot upserts the current state of an order.
func (s *SQLiteStore) SaveOrderSnapshot(ctx context.Context, order *models.Order) error {
	snapshot, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("failed to serialize order: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO order_snapshots (id, intent_id, client_order_id, broker_order_id, symbol, side, qty, filled_qty, avg_fill_price, status, snapshot, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, order.ID, order.IntentID, order.ClientOrderID, order.BrokerOrderID, order.Symbol, order.Side, order.Qty, order.FilledQty, order.AvgFillPrice, order.Status, string(snapshot), time.Now())
	if err != nil {
		return fmt.Errorf("failed to save order snapshot: %w", err)
	}
	return nil
}

// GetOrderSnapshot retrieves a persisted order by id.
func (s *SQLiteStore) GetOrderSnapshot(ctx context.Context, id string) (*models.Order, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx, `
		SELECT snapshot FROM order_snapshots WHERE id = ?
	`, id).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order snapshot: %w", err)
	}

	var order models.Order
	if err := json.Unmarshal([]byte(snapshot), &order); err != nil {
		return nil, fmt.Errorf("failed to deserialize order: %w", err)
	}
	return &order, nil
}
