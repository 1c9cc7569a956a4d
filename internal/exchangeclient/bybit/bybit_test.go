package bybit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Bybit reports native "Market"/"Limit" order types and expresses SL as a
// triggered market order, TP as a triggered limit order. The adapter must
// translate to the canonical enum the control plane matches on.
func TestToRawOrder_NormalizesOrderTypes(t *testing.T) {
	cases := []struct {
		name      string
		orderType string
		trigger   string
		want      string
	}{
		{"triggered market is SL", "Market", "0.485", "STOP_LIMIT"},
		{"triggered limit is TP", "Limit", "0.515", "TAKE_PROFIT_LIMIT"},
		{"plain market entry", "Market", "", "MARKET"},
		{"plain limit", "Limit", "", "LIMIT"},
	}
	for _, tc := range cases {
		raw := toRawOrder(orderEntry{
			OrderID:      "o-1",
			Symbol:       "ADAUSDT",
			Side:         "Sell",
			OrderType:    tc.orderType,
			TriggerPrice: tc.trigger,
			Qty:          "100",
		})
		assert.Equal(t, tc.want, raw.OrderType, tc.name)
	}
}

// Sides arrive title-cased ("Buy"/"Sell") and must normalize to the
// canonical upper-case values the rest of the control plane compares on.
func TestToRawOrder_UppercasesSide(t *testing.T) {
	raw := toRawOrder(orderEntry{OrderID: "o-2", Symbol: "ADAUSDT", Side: "Sell", OrderType: "Limit", Qty: "100"})
	assert.Equal(t, "SELL", raw.Side)
}
