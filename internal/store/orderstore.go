package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cryptosentinel/internal/market"
)

// OrderStore is the authoritative local view of orders.
type OrderStore struct {
	db *sql.DB

	dupMu  sync.Mutex
	recent map[string]dupEntry // dup-suppression key -> last-seen
}

type dupEntry struct {
	orderID string
	at      time.Time
}

// NewOrderStore wraps an already-migrated *sql.DB.
func NewOrderStore(db *sql.DB) *OrderStore {
	return &OrderStore{db: db, recent: make(map[string]dupEntry)}
}

// dupWindow is the double-placement suppression window.
const dupWindow = 5 * time.Second

func dupKey(o Order) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s", o.Symbol, o.Side, o.OrderRole, o.Price.String(), o.Quantity.String(), o.OrderType)
}

// ErrDuplicateOrder is returned by Upsert when an identical-looking order
// was just upserted within the suppression window.
var ErrDuplicateOrder = errors.New("duplicate order suppressed")

// Upsert inserts or updates o by ExchangeOrderID. parent_order_id and
// oco_group_id are preserved across updates unless the incoming record
// explicitly sets them (an update never blanks existing linkage).
func (s *OrderStore) Upsert(ctx context.Context, o Order) error {
	if o.ExchangeOrderID == "" {
		// Orders placed but not yet confirmed by the exchange (status NEW)
		// may not have an id yet; caller must assign a client-side
		// placeholder before calling Upsert.
		return fmt.Errorf("upsert order: exchange_order_id required")
	}

	// A *different* exchange order id with the same semantic fingerprint
	// inside the window is a double placement; re-upserting the same id
	// (reconcile ticks, status updates) is not.
	s.dupMu.Lock()
	key := dupKey(o)
	if last, ok := s.recent[key]; ok && last.orderID != o.ExchangeOrderID && time.Since(last.at) < dupWindow {
		s.dupMu.Unlock()
		return ErrDuplicateOrder
	}
	s.recent[key] = dupEntry{orderID: o.ExchangeOrderID, at: time.Now()}
	s.dupMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (
			exchange_order_id, client_oid, symbol, side, order_type, order_role, status,
			price, trigger_price, avg_price, quantity, cumulative_quantity, cumulative_value,
			parent_order_id, oco_group_id, source, missed_cycles,
			exchange_create_time, exchange_update_time
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(exchange_order_id) DO UPDATE SET
			status = excluded.status,
			price = excluded.price,
			trigger_price = excluded.trigger_price,
			avg_price = excluded.avg_price,
			quantity = excluded.quantity,
			cumulative_quantity = excluded.cumulative_quantity,
			cumulative_value = excluded.cumulative_value,
			parent_order_id = CASE WHEN excluded.parent_order_id = '' THEN orders.parent_order_id ELSE excluded.parent_order_id END,
			oco_group_id = CASE WHEN excluded.oco_group_id = '' THEN orders.oco_group_id ELSE excluded.oco_group_id END,
			missed_cycles = excluded.missed_cycles,
			exchange_update_time = excluded.exchange_update_time
	`,
		o.ExchangeOrderID, o.ClientOID, o.Symbol, string(o.Side), string(o.OrderType), string(o.OrderRole), string(o.Status),
		o.Price.String(), o.TriggerPrice.String(), o.AvgPrice.String(), o.Quantity.String(), o.CumulativeQuantity.String(), o.CumulativeValue.String(),
		o.ParentOrderID, o.OCOGroupID, string(o.Source), o.MissedCycles,
		nullableTime(o.ExchangeCreateTime), nullableTime(o.ExchangeUpdateTime),
	)
	if err != nil {
		return fmt.Errorf("upsert order %s: %w", o.ExchangeOrderID, err)
	}
	return nil
}

// IncrementMissedCycle bumps an active order's missed-cycle counter and
// marks it CANCELLED (reason stale_not_on_exchange) once it reaches 2.
func (s *OrderStore) IncrementMissedCycle(ctx context.Context, exchangeOrderID string) (cancelled bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT missed_cycles FROM orders WHERE exchange_order_id = ?`, exchangeOrderID)
	var cycles int
	if err := row.Scan(&cycles); err != nil {
		return false, err
	}
	cycles++
	if cycles >= 2 {
		_, err = s.db.ExecContext(ctx, `UPDATE orders SET status = ?, missed_cycles = ? WHERE exchange_order_id = ?`,
			string(StatusCancelled), cycles, exchangeOrderID)
		return true, err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE orders SET missed_cycles = ? WHERE exchange_order_id = ?`, cycles, exchangeOrderID)
	return false, err
}

// ResetMissedCycle clears an order's missed-cycle counter, called when it
// reappears in the exchange's open/trigger lists.
func (s *OrderStore) ResetMissedCycle(ctx context.Context, exchangeOrderID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE orders SET missed_cycles = 0 WHERE exchange_order_id = ?`, exchangeOrderID)
	return err
}

// FindByStatus returns symbol's orders matching any of statuses.
func (s *OrderStore) FindByStatus(ctx context.Context, symbol string, statuses []OrderStatus) ([]Order, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders, args := inClause(statuses)
	args = append([]interface{}{symbol}, args...)
	rows, err := s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE symbol = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// FindAllByStatus returns every order (any symbol) matching any of
// statuses, used by ExchangeSync's reconciliation passes which operate
// across the whole book rather than one symbol at a time.
func (s *OrderStore) FindAllByStatus(ctx context.Context, statuses []OrderStatus) ([]Order, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders, args := inClause(statuses)
	rows, err := s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE status IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// FindRecentBuys returns filled/active BUY entries for a symbol or base
// currency (USD/USDT-equivalent) created since `since`. Terminal cancels
// and rejections don't count toward the recent-order cooldown.
func (s *OrderStore) FindRecentBuys(ctx context.Context, symbolOrBase string, since time.Time) ([]Order, error) {
	statuses := append([]OrderStatus{StatusFilled}, ActiveStatuses...)
	placeholders, statusArgs := inClause(statuses)
	args := append([]interface{}{string(SideBuy), nullableTime(since)}, statusArgs...)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE side = ? AND order_role = '' AND exchange_create_time >= ?
		AND status IN (`+placeholders+`)
		ORDER BY exchange_create_time ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	all, err := scanOrders(rows)
	if err != nil {
		return nil, err
	}
	return filterSameBase(all, symbolOrBase), nil
}

// OpenPositionCountForBase returns how many BUY entries for a base currency
// (USD/USDT-equivalent) are still open: entries not yet filled, plus filled
// entries whose protective legs haven't closed the position out yet. This
// is what the per-base exposure cap counts against.
func (s *OrderStore) OpenPositionCountForBase(ctx context.Context, symbolOrBase string) (int, error) {
	pending, err := s.FindAllByStatus(ctx, ActiveStatuses)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, o := range pending {
		if o.Side == SideBuy && o.OrderRole == OrderRoleNone && market.SameBase(o.Symbol, symbolOrBase) {
			count++
		}
	}

	filled, err := s.FindAllByStatus(ctx, []OrderStatus{StatusFilled})
	if err != nil {
		return 0, err
	}
	for _, o := range filled {
		if o.Side != SideBuy || o.OrderRole != OrderRoleNone || !market.SameBase(o.Symbol, symbolOrBase) {
			continue
		}
		children, err := s.FindChildren(ctx, o.ExchangeOrderID)
		if err != nil {
			return 0, err
		}
		closed := false
		for _, c := range children {
			if c.Status == StatusFilled && (c.OrderRole == OrderRoleStopLoss || c.OrderRole == OrderRoleTakeProfit) {
				closed = true
				break
			}
		}
		if !closed {
			count++
		}
	}
	return count, nil
}

// FindSiblingsInOCO returns every order sharing ocoGroupID.
func (s *OrderStore) FindSiblingsInOCO(ctx context.Context, ocoGroupID string) ([]Order, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE oco_group_id = ?`, ocoGroupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// FindChildren returns protective orders whose parent is parentOrderID.
func (s *OrderStore) FindChildren(ctx context.Context, parentOrderID string) ([]Order, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE parent_order_id = ?`, parentOrderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// FilledBuysInFIFOOrder returns filled BUY entries for a base currency,
// oldest first, across both USD and USDT quote spellings.
func (s *OrderStore) FilledBuysInFIFOOrder(ctx context.Context, symbolOrBase string) ([]Order, error) {
	return s.filledSideInFIFOOrder(ctx, symbolOrBase, SideBuy)
}

// FilledSellsInFIFOOrder returns filled SELL exits for a base currency,
// oldest first.
func (s *OrderStore) FilledSellsInFIFOOrder(ctx context.Context, symbolOrBase string) ([]Order, error) {
	return s.filledSideInFIFOOrder(ctx, symbolOrBase, SideSell)
}

func (s *OrderStore) filledSideInFIFOOrder(ctx context.Context, symbolOrBase string, side Side) ([]Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE side = ? AND order_role = '' AND status = ?
		ORDER BY exchange_create_time ASC`, string(side), string(StatusFilled))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	all, err := scanOrders(rows)
	if err != nil {
		return nil, err
	}
	return filterSameBase(all, symbolOrBase), nil
}

func filterSameBase(orders []Order, symbolOrBase string) []Order {
	out := make([]Order, 0, len(orders))
	for _, o := range orders {
		if market.SameBase(o.Symbol, symbolOrBase) {
			out = append(out, o)
		}
	}
	return out
}

const orderColumns = `exchange_order_id, client_oid, symbol, side, order_type, order_role, status,
	price, trigger_price, avg_price, quantity, cumulative_quantity, cumulative_value,
	parent_order_id, oco_group_id, source, missed_cycles,
	exchange_create_time, exchange_update_time, created_at, updated_at`

func scanOrders(rows *sql.Rows) ([]Order, error) {
	var out []Order
	for rows.Next() {
		var o Order
		var price, trigger, avg, qty, cumQty, cumVal string
		var exCreate, exUpdate, createdAt, updatedAt sql.NullTime
		err := rows.Scan(
			&o.ExchangeOrderID, &o.ClientOID, &o.Symbol, &o.Side, &o.OrderType, &o.OrderRole, &o.Status,
			&price, &trigger, &avg, &qty, &cumQty, &cumVal,
			&o.ParentOrderID, &o.OCOGroupID, &o.Source, &o.MissedCycles,
			&exCreate, &exUpdate, &createdAt, &updatedAt,
		)
		if err != nil {
			return nil, err
		}
		o.Price = parseDecimal(price)
		o.TriggerPrice = parseDecimal(trigger)
		o.AvgPrice = parseDecimal(avg)
		o.Quantity = parseDecimal(qty)
		o.CumulativeQuantity = parseDecimal(cumQty)
		o.CumulativeValue = parseDecimal(cumVal)
		o.ExchangeCreateTime = exCreate.Time
		o.ExchangeUpdateTime = exUpdate.Time
		o.CreatedAt = createdAt.Time
		o.UpdatedAt = updatedAt.Time
		out = append(out, o)
	}
	return out, rows.Err()
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func inClause(statuses []OrderStatus) (string, []interface{}) {
	placeholders := ""
	args := make([]interface{}, 0, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, string(st))
	}
	return placeholders, args
}
