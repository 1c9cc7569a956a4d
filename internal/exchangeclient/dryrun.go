package exchangeclient

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"cryptosentinel/internal/logger"
	"cryptosentinel/internal/market"
)

// DryRunClient is the LIVE_TRADING=false gate: every placement and cancel
// returns a synthetic response without touching the exchange, while all
// read operations pass through so signals, guardrails, and analytics run
// against real market state.
type DryRunClient struct {
	inner ExchangeClient
	seq   atomic.Int64
}

// NewDryRun wraps inner so writes become no-ops with synthetic responses.
func NewDryRun(inner ExchangeClient) *DryRunClient {
	return &DryRunClient{inner: inner}
}

var _ ExchangeClient = (*DryRunClient)(nil)

func (d *DryRunClient) nextID() string {
	return fmt.Sprintf("dry_run_%d", d.seq.Add(1))
}

func (d *DryRunClient) GetAccountSummary(ctx context.Context) ([]Account, error) {
	return d.inner.GetAccountSummary(ctx)
}

// PlaceMarketOrder synthesizes a fill at the current ticker price so the
// protective-order pipeline downstream sees a realistic avg price and
// quantity; if the ticker is unavailable the order still "fills" with zero
// fill fields and the caller falls back to its own reference price.
func (d *DryRunClient) PlaceMarketOrder(ctx context.Context, symbol, side string, notionalUSD decimal.Decimal, isMargin bool, leverage int) (PlacedOrder, error) {
	placed := PlacedOrder{OrderID: d.nextID(), Status: "FILLED"}
	if t, err := d.inner.GetTicker(ctx, symbol); err == nil && t.Last.IsPositive() {
		placed.AvgPrice = t.Last
		placed.CumulativeQuantity = notionalUSD.Div(t.Last)
	}
	logger.Infof("dry_run: market %s %s notional=%s margin=%v lev=%d -> %s",
		side, symbol, notionalUSD.String(), isMargin, leverage, placed.OrderID)
	return placed, nil
}

func (d *DryRunClient) PlaceStopLossOrder(ctx context.Context, symbol, side string, price, qty, triggerPrice, refPrice decimal.Decimal, isMargin bool, leverage int) (PlacedOrder, error) {
	id := d.nextID()
	logger.Infof("dry_run: stop-loss %s %s price=%s qty=%s -> %s", side, symbol, price.String(), qty.String(), id)
	return PlacedOrder{OrderID: id, Status: "NEW"}, nil
}

func (d *DryRunClient) PlaceTakeProfitOrder(ctx context.Context, symbol, side string, price, qty, triggerPrice, refPrice decimal.Decimal, isMargin bool, leverage int) (PlacedOrder, error) {
	id := d.nextID()
	logger.Infof("dry_run: take-profit %s %s price=%s qty=%s -> %s", side, symbol, price.String(), qty.String(), id)
	return PlacedOrder{OrderID: id, Status: "NEW"}, nil
}

func (d *DryRunClient) CancelOrder(ctx context.Context, orderID string) error {
	logger.Infof("dry_run: cancel %s", orderID)
	return nil
}

func (d *DryRunClient) ListOpenOrders(ctx context.Context) ([]RawOrder, error) {
	return d.inner.ListOpenOrders(ctx)
}

func (d *DryRunClient) ListTriggerOrders(ctx context.Context) ([]RawOrder, error) {
	return d.inner.ListTriggerOrders(ctx)
}

func (d *DryRunClient) ListOrderHistory(ctx context.Context, pageSize, maxPages int) ([]RawOrder, error) {
	return d.inner.ListOrderHistory(ctx, pageSize, maxPages)
}

func (d *DryRunClient) GetInstrumentMetadata(ctx context.Context, symbol string) (market.Metadata, error) {
	return d.inner.GetInstrumentMetadata(ctx, symbol)
}

func (d *DryRunClient) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	return d.inner.GetTicker(ctx, symbol)
}
