package store

import (
	"context"
	"database/sql"
)

// WatchlistStore is CRUD over WatchlistItem.
type WatchlistStore struct {
	db *sql.DB
}

func NewWatchlistStore(db *sql.DB) *WatchlistStore {
	return &WatchlistStore{db: db}
}

// Upsert inserts or fully replaces symbol's watchlist row.
func (s *WatchlistStore) Upsert(ctx context.Context, w WatchlistItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watchlist_items (
			symbol, alert_enabled, trade_enabled, trade_amount_usd, trade_on_margin,
			sl_tp_mode, sl_percentage, tp_percentage, min_price_change_pct,
			skip_sl_tp_reminder, buy_target, purchase_price, is_deleted
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(symbol) DO UPDATE SET
			alert_enabled = excluded.alert_enabled,
			trade_enabled = excluded.trade_enabled,
			trade_amount_usd = excluded.trade_amount_usd,
			trade_on_margin = excluded.trade_on_margin,
			sl_tp_mode = excluded.sl_tp_mode,
			sl_percentage = excluded.sl_percentage,
			tp_percentage = excluded.tp_percentage,
			min_price_change_pct = excluded.min_price_change_pct,
			skip_sl_tp_reminder = excluded.skip_sl_tp_reminder,
			buy_target = excluded.buy_target,
			purchase_price = excluded.purchase_price,
			is_deleted = excluded.is_deleted
	`,
		w.Symbol, w.AlertEnabled, w.TradeEnabled, w.TradeAmountUSD.String(), w.TradeOnMargin,
		string(w.SLTPMode), w.SLPercentage.String(), w.TPPercentage.String(), w.MinPriceChangePct.String(),
		w.SkipSLTPReminder, w.BuyTarget.String(), w.PurchasePrice.String(), w.IsDeleted,
	)
	return err
}

// Get fetches a single symbol's fresh row, so SignalMonitor never trusts
// a stale in-memory copy.
func (s *WatchlistStore) Get(ctx context.Context, symbol string) (WatchlistItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+watchlistColumns+` FROM watchlist_items WHERE symbol = ?`, symbol)
	return scanWatchlistItem(row)
}

// SetSkipSLTPReminder flips the "don't ask again" flag set by the
// SLTPChecker notification's button handler.
func (s *WatchlistStore) SetSkipSLTPReminder(ctx context.Context, symbol string, skip bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE watchlist_items SET skip_sl_tp_reminder = ? WHERE symbol = ?`, skip, symbol)
	return err
}

// ActiveAlertable returns every watchlist item with alert_enabled=true and
// is_deleted=false, the set SignalMonitor iterates each tick.
func (s *WatchlistStore) ActiveAlertable(ctx context.Context) ([]WatchlistItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+watchlistColumns+` FROM watchlist_items WHERE alert_enabled = 1 AND is_deleted = 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WatchlistItem
	for rows.Next() {
		w, err := scanWatchlistItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

const watchlistColumns = `symbol, alert_enabled, trade_enabled, trade_amount_usd, trade_on_margin,
	sl_tp_mode, sl_percentage, tp_percentage, min_price_change_pct,
	skip_sl_tp_reminder, buy_target, purchase_price, is_deleted`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanWatchlistItem(row scanner) (WatchlistItem, error) {
	var w WatchlistItem
	var amount, slPct, tpPct, minChange, target, purchase string
	err := row.Scan(
		&w.Symbol, &w.AlertEnabled, &w.TradeEnabled, &amount, &w.TradeOnMargin,
		&w.SLTPMode, &slPct, &tpPct, &minChange,
		&w.SkipSLTPReminder, &target, &purchase, &w.IsDeleted,
	)
	if err != nil {
		return WatchlistItem{}, err
	}
	w.TradeAmountUSD = parseDecimal(amount)
	w.SLPercentage = parseDecimal(slPct)
	w.TPPercentage = parseDecimal(tpPct)
	w.MinPriceChangePct = parseDecimal(minChange)
	w.BuyTarget = parseDecimal(target)
	w.PurchasePrice = parseDecimal(purchase)
	return w, nil
}
