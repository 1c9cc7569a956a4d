package exchangeclient

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptosentinel/internal/market"
)

// countingClient records which inner operations were reached.
type countingClient struct {
	marketOrders int
	slOrders     int
	cancels      int
	listCalls    int
}

func (c *countingClient) GetAccountSummary(ctx context.Context) ([]Account, error) { return nil, nil }
func (c *countingClient) PlaceMarketOrder(ctx context.Context, symbol, side string, notionalUSD decimal.Decimal, isMargin bool, leverage int) (PlacedOrder, error) {
	c.marketOrders++
	return PlacedOrder{OrderID: "real-1"}, nil
}
func (c *countingClient) PlaceStopLossOrder(ctx context.Context, symbol, side string, price, qty, triggerPrice, refPrice decimal.Decimal, isMargin bool, leverage int) (PlacedOrder, error) {
	c.slOrders++
	return PlacedOrder{OrderID: "real-sl"}, nil
}
func (c *countingClient) PlaceTakeProfitOrder(ctx context.Context, symbol, side string, price, qty, triggerPrice, refPrice decimal.Decimal, isMargin bool, leverage int) (PlacedOrder, error) {
	return PlacedOrder{OrderID: "real-tp"}, nil
}
func (c *countingClient) CancelOrder(ctx context.Context, orderID string) error {
	c.cancels++
	return nil
}
func (c *countingClient) ListOpenOrders(ctx context.Context) ([]RawOrder, error) {
	c.listCalls++
	return []RawOrder{{OrderID: "open-1"}}, nil
}
func (c *countingClient) ListTriggerOrders(ctx context.Context) ([]RawOrder, error) { return nil, nil }
func (c *countingClient) ListOrderHistory(ctx context.Context, pageSize, maxPages int) ([]RawOrder, error) {
	return nil, nil
}
func (c *countingClient) GetInstrumentMetadata(ctx context.Context, symbol string) (market.Metadata, error) {
	return market.Metadata{Symbol: symbol}, nil
}
func (c *countingClient) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	return Ticker{Ask: decimal.NewFromFloat(0.51), Bid: decimal.NewFromFloat(0.49), Last: decimal.NewFromFloat(0.50)}, nil
}

func TestDryRun_PlacementsNeverReachExchange(t *testing.T) {
	inner := &countingClient{}
	d := NewDryRun(inner)
	ctx := context.Background()

	placed, err := d.PlaceMarketOrder(ctx, "ADA_USDT", "BUY", decimal.NewFromInt(100), false, 1)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(placed.OrderID, "dry_run_"))
	assert.Equal(t, "FILLED", placed.Status)
	assert.True(t, placed.AvgPrice.Equal(decimal.NewFromFloat(0.50)), "fills at the ticker last price")
	assert.True(t, placed.CumulativeQuantity.Equal(decimal.NewFromInt(200)))

	_, err = d.PlaceStopLossOrder(ctx, "ADA_USDT", "SELL", decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero, false, 1)
	require.NoError(t, err)
	require.NoError(t, d.CancelOrder(ctx, "whatever"))

	assert.Equal(t, 0, inner.marketOrders)
	assert.Equal(t, 0, inner.slOrders)
	assert.Equal(t, 0, inner.cancels)
}

func TestDryRun_ReadsDelegate(t *testing.T) {
	inner := &countingClient{}
	d := NewDryRun(inner)

	open, err := d.ListOpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 1, inner.listCalls)
}

func TestDryRun_SyntheticIDsAreUnique(t *testing.T) {
	d := NewDryRun(&countingClient{})
	a, _ := d.PlaceMarketOrder(context.Background(), "ADA_USDT", "BUY", decimal.NewFromInt(10), false, 1)
	b, _ := d.PlaceMarketOrder(context.Background(), "ADA_USDT", "BUY", decimal.NewFromInt(10), false, 1)
	assert.NotEqual(t, a.OrderID, b.OrderID)
}
