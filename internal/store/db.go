package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens (creating if necessary) the SQLite database at path and runs
// all table/index/trigger migrations. path may be ":memory:" for tests.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			exchange_order_id TEXT PRIMARY KEY,
			client_oid TEXT NOT NULL DEFAULT '',
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			order_type TEXT NOT NULL,
			order_role TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			price TEXT NOT NULL DEFAULT '0',
			trigger_price TEXT NOT NULL DEFAULT '0',
			avg_price TEXT NOT NULL DEFAULT '0',
			quantity TEXT NOT NULL DEFAULT '0',
			cumulative_quantity TEXT NOT NULL DEFAULT '0',
			cumulative_value TEXT NOT NULL DEFAULT '0',
			parent_order_id TEXT NOT NULL DEFAULT '',
			oco_group_id TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT 'auto',
			missed_cycles INTEGER NOT NULL DEFAULT 0,
			exchange_create_time DATETIME,
			exchange_update_time DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_parent ON orders(parent_order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_oco ON orders(oco_group_id)`,
		`CREATE TRIGGER IF NOT EXISTS update_orders_updated_at
			AFTER UPDATE ON orders
			BEGIN
				UPDATE orders SET updated_at = CURRENT_TIMESTAMP WHERE exchange_order_id = NEW.exchange_order_id;
			END`,
		`CREATE TABLE IF NOT EXISTS watchlist_items (
			symbol TEXT PRIMARY KEY,
			alert_enabled BOOLEAN NOT NULL DEFAULT 1,
			trade_enabled BOOLEAN NOT NULL DEFAULT 0,
			trade_amount_usd TEXT NOT NULL DEFAULT '0',
			trade_on_margin BOOLEAN NOT NULL DEFAULT 0,
			sl_tp_mode TEXT NOT NULL DEFAULT 'conservative',
			sl_percentage TEXT NOT NULL DEFAULT '0',
			tp_percentage TEXT NOT NULL DEFAULT '0',
			min_price_change_pct TEXT NOT NULL DEFAULT '1.0',
			skip_sl_tp_reminder BOOLEAN NOT NULL DEFAULT 0,
			buy_target TEXT NOT NULL DEFAULT '0',
			purchase_price TEXT NOT NULL DEFAULT '0',
			is_deleted BOOLEAN NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TRIGGER IF NOT EXISTS update_watchlist_updated_at
			AFTER UPDATE ON watchlist_items
			BEGIN
				UPDATE watchlist_items SET updated_at = CURRENT_TIMESTAMP WHERE symbol = NEW.symbol;
			END`,
		`CREATE TABLE IF NOT EXISTS signal_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			event_type TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signal_events_symbol ON signal_events(symbol)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s, err)
		}
	}
	return addMissingColumns(db)
}

// addMissingColumns applies idempotent ALTER TABLE migrations for columns
// added after the initial CREATE TABLE shipped.
func addMissingColumns(db *sql.DB) error {
	alters := []string{
		`ALTER TABLE orders ADD COLUMN missed_cycles INTEGER NOT NULL DEFAULT 0`,
	}
	for _, a := range alters {
		_, _ = db.Exec(a) // ignore "duplicate column" on repeat runs
	}
	return nil
}
