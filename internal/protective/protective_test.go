package protective

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptosentinel/internal/exchangeclient"
	"cryptosentinel/internal/market"
	"cryptosentinel/internal/store"
	"cryptosentinel/internal/xerrors"
)

// fakeClient scripts a fixed sequence of PlaceStopLossOrder/PlaceTakeProfitOrder
// outcomes per call index, letting each test drive the recovery ladders
// deterministically.
type fakeClient struct {
	nextID int

	placeMarketErr error
	slErrs         []error // consumed in order, nil once exhausted
	tpErrs         []error

	slCall int
	tpCall int

	lastSLMargin bool
	lastSLLev    int
	lastTPMargin bool
	lastTPLev    int
}

func (f *fakeClient) GetAccountSummary(ctx context.Context) ([]exchangeclient.Account, error) {
	return nil, nil
}

func (f *fakeClient) PlaceMarketOrder(ctx context.Context, symbol, side string, notionalUSD decimal.Decimal, isMargin bool, leverage int) (exchangeclient.PlacedOrder, error) {
	if f.placeMarketErr != nil {
		return exchangeclient.PlacedOrder{}, f.placeMarketErr
	}
	f.nextID++
	return exchangeclient.PlacedOrder{OrderID: idOf(f.nextID), Status: "FILLED"}, nil
}

func (f *fakeClient) PlaceStopLossOrder(ctx context.Context, symbol, side string, price, qty, triggerPrice, refPrice decimal.Decimal, isMargin bool, leverage int) (exchangeclient.PlacedOrder, error) {
	f.lastSLMargin, f.lastSLLev = isMargin, leverage
	var err error
	if f.slCall < len(f.slErrs) {
		err = f.slErrs[f.slCall]
	}
	f.slCall++
	if err != nil {
		return exchangeclient.PlacedOrder{}, err
	}
	f.nextID++
	return exchangeclient.PlacedOrder{OrderID: idOf(f.nextID), Status: "NEW"}, nil
}

func (f *fakeClient) PlaceTakeProfitOrder(ctx context.Context, symbol, side string, price, qty, triggerPrice, refPrice decimal.Decimal, isMargin bool, leverage int) (exchangeclient.PlacedOrder, error) {
	f.lastTPMargin, f.lastTPLev = isMargin, leverage
	var err error
	if f.tpCall < len(f.tpErrs) {
		err = f.tpErrs[f.tpCall]
	}
	f.tpCall++
	if err != nil {
		return exchangeclient.PlacedOrder{}, err
	}
	f.nextID++
	return exchangeclient.PlacedOrder{OrderID: idOf(f.nextID), Status: "NEW"}, nil
}

func (f *fakeClient) CancelOrder(ctx context.Context, orderID string) error { return nil }

func (f *fakeClient) ListOpenOrders(ctx context.Context) ([]exchangeclient.RawOrder, error) {
	return nil, nil
}
func (f *fakeClient) ListTriggerOrders(ctx context.Context) ([]exchangeclient.RawOrder, error) {
	return nil, nil
}
func (f *fakeClient) ListOrderHistory(ctx context.Context, pageSize, maxPages int) ([]exchangeclient.RawOrder, error) {
	return nil, nil
}

func (f *fakeClient) GetInstrumentMetadata(ctx context.Context, symbol string) (market.Metadata, error) {
	return testMetadata(), nil
}

func (f *fakeClient) GetTicker(ctx context.Context, symbol string) (exchangeclient.Ticker, error) {
	return exchangeclient.Ticker{Ask: decimal.NewFromFloat(0.51), Bid: decimal.NewFromFloat(0.50), Last: decimal.NewFromFloat(0.505)}, nil
}

func idOf(n int) string { return "ex-" + string(rune('a'+n)) }

func testMetadata() market.Metadata {
	return market.Metadata{
		Symbol:           "ADA_USDT",
		PriceTickSize:    decimal.NewFromFloat(0.0001),
		QuantityStep:     decimal.NewFromFloat(1),
		MinQuantity:      decimal.NewFromFloat(1),
		MinNotional:      decimal.NewFromFloat(5),
		PriceDecimals:    4,
		QuantityDecimals: 0,
		MaxLeverage:      20,
	}
}

func newEngine(t *testing.T, client exchangeclient.ExchangeClient) (*Engine, *store.OrderStore) {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	orders := store.NewOrderStore(db)
	events := store.NewSignalEventStore(db)
	mkt := market.NewCache(0, func(ctx context.Context, symbol string) (market.Metadata, error) {
		return testMetadata(), nil
	})
	return New(client, orders, events, mkt), orders
}

// Happy path: BUY fill at $0.50 qty 200, conservative 3%/3%, one SL at
// $0.485 and one TP at $0.515 sharing an OCO group referencing the BUY id.
func TestCreateForFilled_HappyPath(t *testing.T) {
	client := &fakeClient{}
	engine, _ := newEngine(t, client)

	entry := store.Order{
		ExchangeOrderID:    "buy-1",
		Symbol:             "ADA_USDT",
		Side:               store.SideBuy,
		Status:             store.StatusFilled,
		AvgPrice:           decimal.NewFromFloat(0.50),
		CumulativeQuantity: decimal.NewFromFloat(200),
		Source:             store.SourceAuto,
	}
	item := store.WatchlistItem{Symbol: "ADA_USDT", SLTPMode: store.ModeConservative}

	res, err := engine.CreateForFilled(context.Background(), entry, item)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	require.NotNil(t, res.StopLoss)
	require.NotNil(t, res.TakeProfit)
	assert.Equal(t, res.StopLoss.OCOGroupID, res.TakeProfit.OCOGroupID)
	assert.Equal(t, "buy-1", res.StopLoss.ParentOrderID)
	assert.True(t, res.StopLoss.Price.Equal(decimal.NewFromFloat(0.485)), "SL got %s", res.StopLoss.Price)
	assert.True(t, res.TakeProfit.Price.Equal(decimal.NewFromFloat(0.515)), "TP got %s", res.TakeProfit.Price)
}

// Error-306 ladder: 10x, 5x, 2x fail, 1x succeeds; working leverage
// recorded as 1 in the cache.
func TestCreateForFilled_Error306Ladder(t *testing.T) {
	err306 := xerrors.Classify(306, "insufficient available balance")
	client := &fakeClient{
		slErrs: []error{err306, err306, err306}, // 10x,5x,2x fail; 1x (4th call) succeeds
	}
	engine, _ := newEngine(t, client)

	entry := store.Order{
		ExchangeOrderID:    "buy-foo",
		Symbol:             "FOO_USDT",
		Side:               store.SideBuy,
		Status:             store.StatusFilled,
		AvgPrice:           decimal.NewFromFloat(1.0),
		CumulativeQuantity: decimal.NewFromFloat(100),
		Source:             store.SourceAuto,
	}
	item := store.WatchlistItem{Symbol: "FOO_USDT", TradeOnMargin: true, SLTPMode: store.ModeConservative}

	res, err := engine.CreateForFilled(context.Background(), entry, item)
	require.NoError(t, err)
	assert.Equal(t, 1, res.WorkingLeverage)
	assert.Equal(t, 1, engine.Leverage.Get("FOO_USDT"))
	assert.NotNil(t, res.StopLoss)
}

// CreateManual (SLTPChecker's "SL only" button): places exactly the asked
// leg for the live balance, anchored at the current price, with an OCO
// group referencing the synthetic manual parent.
func TestCreateManual_SLOnlyPlacesOneLeg(t *testing.T) {
	client := &fakeClient{}
	engine, orders := newEngine(t, client)

	item := store.WatchlistItem{Symbol: "ADA_USDT", SLTPMode: store.ModeConservative}
	res, err := engine.CreateManual(context.Background(), "ADA_USDT", item,
		decimal.NewFromFloat(200), decimal.NewFromFloat(0.50), true, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	require.NotNil(t, res.StopLoss)
	assert.Nil(t, res.TakeProfit)
	assert.True(t, res.StopLoss.Price.Equal(decimal.NewFromFloat(0.485)))
	assert.Equal(t, store.SourceManual, res.StopLoss.Source)
	assert.Equal(t, 0, client.tpCall)

	children, err := orders.FindChildren(context.Background(), res.StopLoss.ParentOrderID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, store.OrderRoleStopLoss, children[0].OrderRole)
}

// Error-609 fallback: margin SL fails 609, SPOT retry succeeds, symbol
// locked out for the TP leg (and future calls) too.
func TestCreateForFilled_Error609Fallback(t *testing.T) {
	err609 := xerrors.Classify(609, "insufficient margin")
	client := &fakeClient{slErrs: []error{err609}}
	engine, _ := newEngine(t, client)

	entry := store.Order{
		ExchangeOrderID:    "buy-bar",
		Symbol:             "BAR_USDT",
		Side:               store.SideBuy,
		Status:             store.StatusFilled,
		AvgPrice:           decimal.NewFromFloat(2.0),
		CumulativeQuantity: decimal.NewFromFloat(50),
		Source:             store.SourceAuto,
	}
	item := store.WatchlistItem{Symbol: "BAR_USDT", TradeOnMargin: true, SLTPMode: store.ModeConservative}

	res, err := engine.CreateForFilled(context.Background(), entry, item)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.True(t, engine.Lockouts.Locked("BAR_USDT"))
	assert.False(t, client.lastSLMargin, "SL retry must be SPOT after 609")
}
