// Package exchangeclient defines the ExchangeClient contract: every
// operation the control plane consumes from the underlying exchange,
// context-first throughout. The surface is deliberately narrow (orders,
// account, instrument metadata) with no kline or websocket streaming
// methods; price discovery lives in internal/pricefeed instead.
package exchangeclient

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"cryptosentinel/internal/market"
)

// Account is one currency balance line from GetAccountSummary.
type Account struct {
	Currency       string
	Balance        decimal.Decimal
	Available      decimal.Decimal
	Reserved       decimal.Decimal
	MarketValueUSD decimal.Decimal
	Haircut        decimal.Decimal
	// Fields holds the raw wallet/margin fields the exchange returned, for
	// the field-scan + priority-selection equity resolution below.
	Fields map[string]decimal.Decimal
}

// EquityFieldPriority is the field-scan priority order for collapsing an
// exchange's dynamic wallet/margin dict into one portfolio-equity number.
var EquityFieldPriority = []string{"wallet_balance_after_haircut", "wallet_balance", "equity", "margin_equity"}

// ResolveEquity scans acc.Fields for the first field present in priority
// order (overrideField first, if non-empty and present). It returns the resolved
// value and the field name that produced it, so callers can surface the
// chosen field in reconcile-debug output. Falls back to acc.Balance when
// none of the named fields were returned by the exchange.
func ResolveEquity(acc Account, overrideField string) (decimal.Decimal, string) {
	if overrideField != "" {
		if v, ok := acc.Fields[overrideField]; ok {
			return v, overrideField
		}
	}
	for _, field := range EquityFieldPriority {
		if v, ok := acc.Fields[field]; ok {
			return v, field
		}
	}
	return acc.Balance, "balance"
}

// FindAccount returns the account line matching currency (case-insensitive),
// or false if GetAccountSummary didn't return one.
func FindAccount(accounts []Account, currency string) (Account, bool) {
	for _, a := range accounts {
		if strings.EqualFold(a.Currency, currency) {
			return a, true
		}
	}
	return Account{}, false
}

// PlacedOrder is the normalized response from any place* call.
type PlacedOrder struct {
	OrderID            string
	Status             string
	AvgPrice           decimal.Decimal
	CumulativeQuantity decimal.Decimal
}

// RawOrder is an exchange order as returned by the list* calls, before the
// adapter's caller normalizes it into store.Order.
type RawOrder struct {
	OrderID            string
	ClientOID          string
	Symbol             string
	Side               string
	OrderType          string
	Status             string
	Price              decimal.Decimal
	TriggerPrice       decimal.Decimal
	AvgPrice           decimal.Decimal
	Quantity           decimal.Decimal
	CumulativeQuantity decimal.Decimal
	CumulativeValue    decimal.Decimal
	CreateTimeUnixMs   int64
	UpdateTimeUnixMs   int64
}

// Ticker is the current best ask/bid/last for a symbol.
type Ticker struct {
	Ask  decimal.Decimal
	Bid  decimal.Decimal
	Last decimal.Decimal
}

// ExchangeClient is the single-exchange contract the control plane depends
// on; concrete adapters (binance, bybit) implement it and parse every
// outbound exchange error into internal/xerrors before it leaves the
// adapter boundary.
type ExchangeClient interface {
	GetAccountSummary(ctx context.Context) ([]Account, error)

	PlaceMarketOrder(ctx context.Context, symbol, side string, notionalUSD decimal.Decimal, isMargin bool, leverage int) (PlacedOrder, error)
	PlaceStopLossOrder(ctx context.Context, symbol, side string, price, qty, triggerPrice, refPrice decimal.Decimal, isMargin bool, leverage int) (PlacedOrder, error)
	PlaceTakeProfitOrder(ctx context.Context, symbol, side string, price, qty, triggerPrice, refPrice decimal.Decimal, isMargin bool, leverage int) (PlacedOrder, error)
	CancelOrder(ctx context.Context, orderID string) error

	ListOpenOrders(ctx context.Context) ([]RawOrder, error)
	ListTriggerOrders(ctx context.Context) ([]RawOrder, error)
	ListOrderHistory(ctx context.Context, pageSize, maxPages int) ([]RawOrder, error)

	GetInstrumentMetadata(ctx context.Context, symbol string) (market.Metadata, error)
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
}
