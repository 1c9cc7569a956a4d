package binance

import (
	"testing"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
)

// Protective orders come back from the futures API as STOP_MARKET /
// TAKE_PROFIT_MARKET; the control plane matches on the canonical
// STOP_LIMIT / TAKE_PROFIT_LIMIT names, so the adapter must translate.
func TestToRawOrder_NormalizesTriggerOrderTypes(t *testing.T) {
	cases := []struct {
		sdkType futures.OrderType
		want    string
	}{
		{futures.OrderTypeStopMarket, "STOP_LIMIT"},
		{futures.OrderTypeStop, "STOP_LIMIT"},
		{futures.OrderTypeTakeProfitMarket, "TAKE_PROFIT_LIMIT"},
		{futures.OrderTypeTakeProfit, "TAKE_PROFIT_LIMIT"},
		{futures.OrderTypeMarket, "MARKET"},
		{futures.OrderTypeLimit, "LIMIT"},
	}
	for _, tc := range cases {
		raw := toRawOrder(&futures.Order{
			OrderID:      42,
			Symbol:       "ADAUSDT",
			Side:         futures.SideTypeSell,
			Type:         tc.sdkType,
			Status:       futures.OrderStatusTypeNew,
			StopPrice:    "0.485",
			OrigQuantity: "0",
		})
		assert.Equal(t, tc.want, raw.OrderType, "sdk type %s", tc.sdkType)
	}
}

// Close-position trigger orders list with OrigQuantity "0"; the adapter
// passes that through so classifiers can treat zero as whole-position
// coverage rather than a stale sized order.
func TestToRawOrder_ClosePositionQuantityIsZero(t *testing.T) {
	raw := toRawOrder(&futures.Order{
		OrderID:      7,
		Symbol:       "ADAUSDT",
		Side:         futures.SideTypeSell,
		Type:         futures.OrderTypeStopMarket,
		OrigQuantity: "0",
		StopPrice:    "0.485",
	})
	assert.True(t, raw.Quantity.IsZero())
	assert.True(t, raw.TriggerPrice.IsPositive())
}
