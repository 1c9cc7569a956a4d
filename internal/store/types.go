// Package store is the OrderStore, WatchlistStore, and SignalEventStore:
// the authoritative local persistence layer, backed by SQLite via the
// pure-Go modernc.org/sqlite driver (no cgo).
package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is an order's direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType enumerates the order shapes the core places or reconciles.
type OrderType string

const (
	OrderTypeMarket         OrderType = "MARKET"
	OrderTypeLimit          OrderType = "LIMIT"
	OrderTypeStopLimit      OrderType = "STOP_LIMIT"
	OrderTypeTakeProfitLimit OrderType = "TAKE_PROFIT_LIMIT"
)

// OrderRole distinguishes entries from protective orders.
type OrderRole string

const (
	OrderRoleNone       OrderRole = ""
	OrderRoleStopLoss   OrderRole = "STOP_LOSS"
	OrderRoleTakeProfit OrderRole = "TAKE_PROFIT"
)

// OrderStatus is an Order's lifecycle state.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusActive          OrderStatus = "ACTIVE"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// ActiveStatuses are statuses an order may still transition out of.
var ActiveStatuses = []OrderStatus{StatusNew, StatusActive, StatusPartiallyFilled}

// OrderSource distinguishes automated from operator-initiated placements.
type OrderSource string

const (
	SourceAuto   OrderSource = "auto"
	SourceManual OrderSource = "manual"
)

// Order is the atomic unit tracked by OrderStore.
type Order struct {
	ExchangeOrderID    string
	ClientOID          string
	Symbol             string
	Side               Side
	OrderType          OrderType
	OrderRole          OrderRole
	Status             OrderStatus
	Price              decimal.Decimal
	TriggerPrice       decimal.Decimal
	AvgPrice           decimal.Decimal
	Quantity           decimal.Decimal
	CumulativeQuantity decimal.Decimal
	CumulativeValue    decimal.Decimal
	ParentOrderID      string
	OCOGroupID         string
	Source             OrderSource
	ExchangeCreateTime time.Time
	ExchangeUpdateTime time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time

	// MissedCycles counts consecutive ExchangeSync ticks in which this
	// active order was absent from the exchange's open/trigger lists; at
	// 2 it is marked CANCELLED with reason stale_not_on_exchange.
	MissedCycles int
}

// IsActive reports whether o is still in a non-terminal status.
func (o Order) IsActive() bool {
	switch o.Status {
	case StatusNew, StatusActive, StatusPartiallyFilled:
		return true
	default:
		return false
	}
}

// SLTPMode selects the strategy-default protective percentages.
type SLTPMode string

const (
	ModeConservative SLTPMode = "conservative"
	ModeAggressive   SLTPMode = "aggressive"
)

// WatchlistItem is per-symbol configuration, mutated by the (out-of-scope)
// dashboard and read fresh by SignalMonitor on each evaluation.
type WatchlistItem struct {
	Symbol             string
	AlertEnabled       bool
	TradeEnabled       bool
	TradeAmountUSD     decimal.Decimal
	TradeOnMargin      bool
	SLTPMode           SLTPMode
	SLPercentage       decimal.Decimal // zero means "use strategy default"
	TPPercentage       decimal.Decimal
	MinPriceChangePct  decimal.Decimal
	SkipSLTPReminder   bool
	BuyTarget          decimal.Decimal
	PurchasePrice      decimal.Decimal
	IsDeleted          bool
}

// SignalEvent is an append-only record of a monitor/engine decision, read
// by the external dashboard's throttle panel.
type SignalEvent struct {
	ID        int64
	Symbol    string
	EventType string
	Detail    string // free-form JSON payload
	CreatedAt time.Time
}
