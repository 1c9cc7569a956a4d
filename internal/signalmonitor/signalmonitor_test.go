package signalmonitor

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptosentinel/internal/alertthrottle"
	"cryptosentinel/internal/exchangeclient"
	"cryptosentinel/internal/guardrail"
	"cryptosentinel/internal/market"
	"cryptosentinel/internal/notifier"
	"cryptosentinel/internal/protective"
	"cryptosentinel/internal/store"
	"cryptosentinel/internal/xerrors"
)

type fixedFeed struct {
	signal guardrail.Signal
	price  decimal.Decimal
}

func (f fixedFeed) Evaluate(ctx context.Context, symbol string) (Reading, error) {
	return Reading{Signal: f.signal, Price: f.price}, nil
}

type fakeClient struct {
	placed      int
	lastNotional decimal.Decimal
}

func (f *fakeClient) GetAccountSummary(ctx context.Context) ([]exchangeclient.Account, error) {
	return []exchangeclient.Account{
		{Currency: "USDT", Balance: decimal.NewFromFloat(1000), Available: decimal.NewFromFloat(1000)},
		{Currency: "ADA", Balance: decimal.Zero},
	}, nil
}
func (f *fakeClient) PlaceMarketOrder(ctx context.Context, symbol, side string, notionalUSD decimal.Decimal, isMargin bool, leverage int) (exchangeclient.PlacedOrder, error) {
	f.placed++
	f.lastNotional = notionalUSD
	return exchangeclient.PlacedOrder{OrderID: "buy-1", Status: "FILLED", AvgPrice: decimal.NewFromFloat(0.5), CumulativeQuantity: decimal.NewFromFloat(200)}, nil
}
func (f *fakeClient) PlaceStopLossOrder(ctx context.Context, symbol, side string, price, qty, triggerPrice, refPrice decimal.Decimal, isMargin bool, leverage int) (exchangeclient.PlacedOrder, error) {
	return exchangeclient.PlacedOrder{}, nil
}
func (f *fakeClient) PlaceTakeProfitOrder(ctx context.Context, symbol, side string, price, qty, triggerPrice, refPrice decimal.Decimal, isMargin bool, leverage int) (exchangeclient.PlacedOrder, error) {
	return exchangeclient.PlacedOrder{}, nil
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
	return market.Metadata{}, nil
}
func (f *fakeClient) GetTicker(ctx context.Context, symbol string) (exchangeclient.Ticker, error) {
	return exchangeclient.Ticker{}, nil
}

// laddersClient wraps fakeClient to fail the first `marginErrs` margin
// PlaceMarketOrder calls with error 609, succeeding on SPOT retries, driving
// the entry-placement ladder deterministically.
type laddersClient struct {
	fakeClient
	marginErrs int
}

func (f *laddersClient) PlaceMarketOrder(ctx context.Context, symbol, side string, notionalUSD decimal.Decimal, isMargin bool, leverage int) (exchangeclient.PlacedOrder, error) {
	if isMargin && f.marginErrs > 0 {
		f.marginErrs--
		f.placed++
		return exchangeclient.PlacedOrder{}, xerrors.ErrInsufficientMargin609
	}
	return f.fakeClient.PlaceMarketOrder(ctx, symbol, side, notionalUSD, isMargin, leverage)
}

func newTestMonitor(t *testing.T, feed IndicatorFeed, client exchangeclient.ExchangeClient) *Monitor {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	orders := store.NewOrderStore(db)
	watchlist := store.NewWatchlistStore(db)
	events := store.NewSignalEventStore(db)
	throttle := alertthrottle.New(5 * time.Minute)
	return New(feed, client, orders, watchlist, events, throttle, nil, nil)
}

// Happy path: a BUY signal with trade_enabled and no prior orders
// places a MARKET BUY and persists it, with the creation-lock released
// afterward so the next tick can try again.
func TestEvaluateOne_BuySignal_PlacesOrderAndReleasesLock(t *testing.T) {
	client := &fakeClient{}
	feed := fixedFeed{signal: guardrail.SignalBuy, price: decimal.NewFromFloat(0.50)}
	m := newTestMonitor(t, feed, client)

	item := store.WatchlistItem{
		Symbol:            "ADA_USDT",
		AlertEnabled:      true,
		TradeEnabled:      true,
		TradeAmountUSD:    decimal.NewFromFloat(100),
		MinPriceChangePct: decimal.NewFromFloat(1.0),
	}
	require.NoError(t, m.Watchlist.Upsert(context.Background(), item))

	m.evaluateOne(context.Background(), item)

	assert.Equal(t, 1, client.placed)
	assert.True(t, client.lastNotional.Equal(decimal.NewFromFloat(100)))
	assert.False(t, m.creationLocks.Held("ADA_USDT:BUY"), "lock must be released after the tick completes")

	active, err := m.Orders.FindAllByStatus(context.Background(), []store.OrderStatus{store.StatusFilled})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "buy-1", active[0].ExchangeOrderID)
}

// The per-base exposure cap must be enforced from OrderStore's real
// open-position count, not a hardcoded zero, before any entry placement.
func TestEvaluateOne_BuySignal_ExposureCapBlocksPlacement(t *testing.T) {
	client := &fakeClient{}
	feed := fixedFeed{signal: guardrail.SignalBuy, price: decimal.NewFromFloat(0.50)}
	m := newTestMonitor(t, feed, client)

	item := store.WatchlistItem{
		Symbol:            "ADA_USDT",
		AlertEnabled:      true,
		TradeEnabled:      true,
		TradeAmountUSD:    decimal.NewFromFloat(100),
		MinPriceChangePct: decimal.NewFromFloat(1.0),
	}
	require.NoError(t, m.Watchlist.Upsert(context.Background(), item))

	for i := 0; i < guardrail.MaxOpenPerSymbol; i++ {
		require.NoError(t, m.Orders.Upsert(context.Background(), store.Order{
			ExchangeOrderID:    "open-" + string(rune('a'+i)),
			Symbol:             "ADA_USDT",
			Side:               store.SideBuy,
			OrderType:          store.OrderTypeMarket,
			Status:             store.StatusFilled,
			Quantity:           decimal.NewFromFloat(10),
			CumulativeQuantity: decimal.NewFromFloat(10),
			Source:             store.SourceAuto,
			ExchangeCreateTime: time.Now().Add(-time.Hour),
		}))
	}

	m.evaluateOne(context.Background(), item)

	assert.Equal(t, 0, client.placed, "must block once open positions for the base reach MaxOpenPerSymbol")
}

type recordingNotifier struct {
	messages []string
}

func (r *recordingNotifier) SendMessage(_ context.Context, text string, _ []notifier.Button, _ string) error {
	r.messages = append(r.messages, text)
	return nil
}

// The exposure cap blocks the alert before the throttler: one
// "protección activada" notification goes out, no alert state is
// committed, and no order is placed.
func TestEvaluateOne_ExposureCapNotifiesWithoutAlertState(t *testing.T) {
	client := &fakeClient{}
	feed := fixedFeed{signal: guardrail.SignalBuy, price: decimal.NewFromFloat(0.50)}
	m := newTestMonitor(t, feed, client)
	rec := &recordingNotifier{}
	m.Notifier = rec

	item := store.WatchlistItem{
		Symbol:            "ADA_USDT",
		AlertEnabled:      true,
		TradeEnabled:      true,
		TradeAmountUSD:    decimal.NewFromFloat(100),
		MinPriceChangePct: decimal.NewFromFloat(1.0),
	}
	require.NoError(t, m.Watchlist.Upsert(context.Background(), item))

	for i := 0; i < guardrail.MaxOpenPerSymbol; i++ {
		require.NoError(t, m.Orders.Upsert(context.Background(), store.Order{
			ExchangeOrderID:    "open-" + string(rune('a'+i)),
			Symbol:             "ADA_USDT",
			Side:               store.SideBuy,
			OrderType:          store.OrderTypeMarket,
			Status:             store.StatusFilled,
			Quantity:           decimal.NewFromFloat(10),
			CumulativeQuantity: decimal.NewFromFloat(10),
			Source:             store.SourceAuto,
			ExchangeCreateTime: time.Now().Add(-time.Hour),
		}))
	}

	m.evaluateOne(context.Background(), item)

	assert.Equal(t, 0, client.placed)
	require.Len(t, rec.messages, 1)
	assert.Contains(t, rec.messages[0], "protección activada")
	assert.Empty(t, m.Guard.ActiveStates(), "alert state must not be written when the exposure cap blocks before the throttler")

	// the notification itself is rate-limited, not repeated every tick
	m.evaluateOne(context.Background(), item)
	assert.Len(t, rec.messages, 1)
}

// The entry's own PlaceMarketOrder call walks the same error-306/609
// recovery ladder protective.Engine's SL/TP legs do, and records the rung
// that finally worked into the shared LeverageCache.
func TestEvaluateOne_BuySignal_EntryLadderFallsBackToSpotOn609(t *testing.T) {
	client := &laddersClient{fakeClient: fakeClient{}, marginErrs: 1}
	feed := fixedFeed{signal: guardrail.SignalBuy, price: decimal.NewFromFloat(0.50)}
	m := newTestMonitor(t, feed, client)
	lockouts := protective.NewMarginLockouts()
	leverage := protective.NewLeverageCache()
	m.Lockouts = lockouts
	m.Leverage = leverage

	item := store.WatchlistItem{
		Symbol:            "ADA_USDT",
		AlertEnabled:      true,
		TradeEnabled:      true,
		TradeOnMargin:     true,
		TradeAmountUSD:    decimal.NewFromFloat(100),
		MinPriceChangePct: decimal.NewFromFloat(1.0),
	}
	require.NoError(t, m.Watchlist.Upsert(context.Background(), item))

	m.evaluateOne(context.Background(), item)

	assert.Equal(t, 2, client.fakeClient.placed, "first margin attempt fails 609, second SPOT attempt succeeds")
	assert.True(t, lockouts.Locked("ADA_USDT"), "609 must set the shared margin lockout")
	assert.Equal(t, 1, leverage.Get("ADA_USDT"), "successful SPOT fallback records leverage 1")
}

type faultingNotifier struct {
	attempts int
}

func (f *faultingNotifier) SendMessage(_ context.Context, _ string, _ []notifier.Button, _ string) error {
	f.attempts++
	return assert.AnError
}

// Alert state is write-before-send: a faulting Telegram send does not
// cause a re-send on the next tick, because the throttle state was
// already committed.
func TestEvaluateOne_FaultedSendNotRetriedNextTick(t *testing.T) {
	client := &fakeClient{}
	feed := fixedFeed{signal: guardrail.SignalBuy, price: decimal.NewFromFloat(0.50)}
	m := newTestMonitor(t, feed, client)
	faulty := &faultingNotifier{}
	m.Notifier = faulty

	item := store.WatchlistItem{
		Symbol:            "ADA_USDT",
		AlertEnabled:      true,
		TradeEnabled:      true,
		TradeAmountUSD:    decimal.NewFromFloat(100),
		MinPriceChangePct: decimal.NewFromFloat(1.0),
	}
	require.NoError(t, m.Watchlist.Upsert(context.Background(), item))

	m.evaluateOne(context.Background(), item)
	assert.Equal(t, 1, faulty.attempts)

	// Same price next tick: the recent-buy cooldown blocks the order, and
	// the committed alert state blocks a second send attempt.
	m.evaluateOne(context.Background(), item)
	assert.Equal(t, 1, faulty.attempts, "committed state must prevent a re-send after a faulted send")
}

// A WAIT signal places no order and leaves SignalState tracking the
// transition without dispatching anything.
func TestEvaluateOne_WaitSignal_NoOrderNoAlert(t *testing.T) {
	client := &fakeClient{}
	feed := fixedFeed{signal: guardrail.SignalWait, price: decimal.NewFromFloat(0.50)}
	m := newTestMonitor(t, feed, client)

	item := store.WatchlistItem{Symbol: "ADA_USDT", AlertEnabled: true, TradeEnabled: true, TradeAmountUSD: decimal.NewFromFloat(100)}
	require.NoError(t, m.Watchlist.Upsert(context.Background(), item))

	m.evaluateOne(context.Background(), item)

	assert.Equal(t, 0, client.placed)
}
