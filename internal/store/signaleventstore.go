package store

import (
	"context"
	"database/sql"
)

// SignalEventStore is an append-only log of signal/decision events, read
// by the external dashboard's throttle panel.
type SignalEventStore struct {
	db *sql.DB
}

func NewSignalEventStore(db *sql.DB) *SignalEventStore {
	return &SignalEventStore{db: db}
}

// Append records one event for symbol.
func (s *SignalEventStore) Append(ctx context.Context, symbol, eventType, detailJSON string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO signal_events (symbol, event_type, detail) VALUES (?,?,?)`,
		symbol, eventType, detailJSON)
	return err
}

// Recent returns the most recent limit events across all symbols, newest
// first.
func (s *SignalEventStore) Recent(ctx context.Context, limit int) ([]SignalEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, symbol, event_type, detail, created_at FROM signal_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SignalEvent
	for rows.Next() {
		var e SignalEvent
		if err := rows.Scan(&e.ID, &e.Symbol, &e.EventType, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecentForSymbol returns the most recent limit events for one symbol,
// newest first.
func (s *SignalEventStore) RecentForSymbol(ctx context.Context, symbol string, limit int) ([]SignalEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, symbol, event_type, detail, created_at FROM signal_events WHERE symbol = ? ORDER BY id DESC LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SignalEvent
	for rows.Next() {
		var e SignalEvent
		if err := rows.Scan(&e.ID, &e.Symbol, &e.EventType, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
