package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrderStore(t *testing.T) *OrderStore {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewOrderStore(db)
}

func TestOrderStore_UpsertAndFindByStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestOrderStore(t)

	o := Order{
		ExchangeOrderID: "ord-1",
		Symbol:          "ADA_USDT",
		Side:            SideBuy,
		OrderType:       OrderTypeMarket,
		Status:          StatusFilled,
		Price:           decimal.NewFromFloat(0.5),
		Quantity:        decimal.NewFromFloat(200),
		Source:          SourceAuto,
		ExchangeCreateTime: time.Now(),
	}
	require.NoError(t, s.Upsert(ctx, o))

	found, err := s.FindByStatus(ctx, "ADA_USDT", []OrderStatus{StatusFilled})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "ord-1", found[0].ExchangeOrderID)
	assert.True(t, found[0].Price.Equal(decimal.NewFromFloat(0.5)))
}

func TestOrderStore_Upsert_DuplicateSuppressed(t *testing.T) {
	ctx := context.Background()
	s := newTestOrderStore(t)

	o := Order{
		ExchangeOrderID: "ord-1",
		Symbol:          "ADA_USDT",
		Side:            SideBuy,
		OrderType:       OrderTypeMarket,
		Status:          StatusNew,
		Price:           decimal.NewFromFloat(0.5),
		Quantity:        decimal.NewFromFloat(200),
	}
	require.NoError(t, s.Upsert(ctx, o))

	dup := o
	dup.ExchangeOrderID = "ord-2" // different id, same semantic fingerprint
	err := s.Upsert(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateOrder)
}

func TestOrderStore_Upsert_PreservesParentAndOCO(t *testing.T) {
	ctx := context.Background()
	s := newTestOrderStore(t)

	o := Order{
		ExchangeOrderID: "sl-1",
		Symbol:          "ADA_USDT",
		Side:            SideSell,
		OrderType:       OrderTypeStopLimit,
		OrderRole:       OrderRoleStopLoss,
		Status:          StatusNew,
		ParentOrderID:   "entry-1",
		OCOGroupID:      "oco_entry-1_123",
	}
	require.NoError(t, s.Upsert(ctx, o))

	update := Order{
		ExchangeOrderID: "sl-1",
		Symbol:          "ADA_USDT",
		Side:            SideSell,
		OrderType:       OrderTypeStopLimit,
		OrderRole:       OrderRoleStopLoss,
		Status:          StatusActive,
		// parent/oco intentionally left blank to simulate a reconcile pass
		// that only observed status fields from the exchange.
	}
	time.Sleep(time.Nanosecond) // same exchange_order_id: never treated as a duplicate
	require.NoError(t, s.Upsert(ctx, update))

	found, err := s.FindChildren(ctx, "entry-1")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "oco_entry-1_123", found[0].OCOGroupID)
	assert.Equal(t, StatusActive, found[0].Status)
}

func TestOrderStore_FilledBuysInFIFOOrder_CrossesQuoteVariants(t *testing.T) {
	ctx := context.Background()
	s := newTestOrderStore(t)

	base := time.Now().Add(-time.Hour)
	require.NoError(t, s.Upsert(ctx, Order{
		ExchangeOrderID: "b1", Symbol: "ADA_USDT", Side: SideBuy, OrderType: OrderTypeMarket,
		Status: StatusFilled, Quantity: decimal.NewFromFloat(100), ExchangeCreateTime: base,
	}))
	require.NoError(t, s.Upsert(ctx, Order{
		ExchangeOrderID: "b2", Symbol: "ADA_USD", Side: SideBuy, OrderType: OrderTypeMarket,
		Status: StatusFilled, Quantity: decimal.NewFromFloat(50), ExchangeCreateTime: base.Add(time.Minute),
	}))

	buys, err := s.FilledBuysInFIFOOrder(ctx, "ADA_USDT")
	require.NoError(t, err)
	require.Len(t, buys, 2)
	assert.Equal(t, "b1", buys[0].ExchangeOrderID)
	assert.Equal(t, "b2", buys[1].ExchangeOrderID)
}
