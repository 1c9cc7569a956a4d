package tpanalytics

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"cryptosentinel/internal/store"
)

func mkBuy(id string, qty, price float64, at time.Time, oco string) store.Order {
	return store.Order{
		ExchangeOrderID:    id,
		Symbol:             "SOL_USDT",
		Side:               store.SideBuy,
		Status:             store.StatusFilled,
		Price:              decimal.NewFromFloat(price),
		Quantity:           decimal.NewFromFloat(qty),
		CumulativeQuantity: decimal.NewFromFloat(qty),
		ExchangeCreateTime: at,
		OCOGroupID:         oco,
	}
}

func mkTP(id string, qty, price float64, at time.Time, oco string) store.Order {
	return store.Order{
		ExchangeOrderID:    id,
		Symbol:             "SOL_USDT",
		Side:               store.SideSell,
		OrderType:          store.OrderTypeTakeProfitLimit,
		OrderRole:          store.OrderRoleTakeProfit,
		Status:             store.StatusActive,
		Price:              decimal.NewFromFloat(price),
		Quantity:           decimal.NewFromFloat(qty),
		ExchangeCreateTime: at,
		OCOGroupID:         oco,
	}
}

// Sum of OpenLot.LotQty after RebuildOpenLots never exceeds the net
// filled-buy quantity minus filled-sell quantity for the base.
func TestRebuildOpenLots_ConservesQuantity(t *testing.T) {
	t0 := time.Now().Add(-2 * time.Hour)
	buys := []store.Order{
		mkBuy("b1", 10, 25, t0, "G1"),
		mkBuy("b2", 5, 30, t0.Add(time.Minute), ""),
	}
	sells := []store.Order{
		{
			ExchangeOrderID:    "s1",
			Symbol:             "SOL_USDT",
			Side:               store.SideSell,
			Status:             store.StatusFilled,
			Quantity:           decimal.NewFromFloat(2),
			CumulativeQuantity: decimal.NewFromFloat(2),
			ExchangeCreateTime: t0.Add(30 * time.Minute),
		},
	}

	lots := RebuildOpenLots(buys, sells)

	var total decimal.Decimal
	for _, l := range lots {
		total = total.Add(l.LotQty)
	}
	// 10 + 5 - 2 sold (FIFO against the oldest buy) = 13
	assert.True(t, total.Equal(decimal.NewFromFloat(13)), "got %s", total)
	assert.Equal(t, "b1", lots[0].BuyOrderID)
	assert.True(t, lots[0].LotQty.Equal(decimal.NewFromFloat(8)))
	assert.True(t, lots[1].LotQty.Equal(decimal.NewFromFloat(5)))
}

// Lot 1 (qty 10 @ $25, OCO group G1) exact-matches TP1 (qty 10 @ $28) in
// the OCO pass; lot 2 (qty 5 @ $30, no OCO group) FIFO-matches TP2 (qty 5
// @ $33). Expect covered=15, uncovered=0, expected profit $45.
func TestReport_SOLUSDT_OCOThenFIFO(t *testing.T) {
	t0 := time.Now().Add(-2 * time.Hour)
	buys := []store.Order{
		mkBuy("b1", 10, 25, t0, "G1"),
		mkBuy("b2", 5, 30, t0.Add(time.Minute), ""),
	}
	tps := []store.Order{
		mkTP("tp1", 10, 28, t0.Add(2*time.Minute), "G1"),
		mkTP("tp2", 5, 33, t0.Add(3*time.Minute), ""),
	}

	rep := Report("SOL_USDT", buys, nil, tps, decimal.NewFromFloat(29))

	assert.True(t, rep.NetQty.Equal(decimal.NewFromFloat(15)), "net qty got %s", rep.NetQty)
	assert.True(t, rep.CoveredQty.Equal(decimal.NewFromFloat(15)), "covered got %s", rep.CoveredQty)
	assert.True(t, rep.UncoveredQty.IsZero(), "uncovered got %s", rep.UncoveredQty)
	assert.True(t, rep.TotalExpectedProfit.Equal(decimal.NewFromFloat(45)), "expected profit got %s", rep.TotalExpectedProfit)

	var ocoCount, fifoCount int
	for _, lb := range rep.PerLot {
		switch lb.MatchOrigin {
		case MatchOriginOCO:
			ocoCount++
			assert.Equal(t, "b1", lb.BuyOrderID)
		case MatchOriginFIFO:
			fifoCount++
			assert.Equal(t, "b2", lb.BuyOrderID)
		}
	}
	assert.Equal(t, 1, ocoCount)
	assert.Equal(t, 1, fifoCount)
}

// An OCO-grouped lot only ever matches TPs sharing its own
// oco_group_id; a same-symbol TP from a different group is left for the
// FIFO pass, never cross-matched in the OCO pass.
func TestMatchOCO_NeverCrossesGroups(t *testing.T) {
	t0 := time.Now()
	lots := []OpenLot{
		{Symbol: "SOL_USDT", BuyOrderID: "b1", LotQty: decimal.NewFromFloat(10), OCOGroupID: "G1", BuyTime: t0},
	}
	tps := []store.Order{
		mkTP("tp_other_group", 10, 28, t0.Add(time.Minute), "G2"),
	}

	matched, unmatched, remaining := MatchOCO(lots, tps)

	assert.Empty(t, matched)
	assert.Len(t, unmatched, 1)
	assert.Len(t, remaining, 1)
}

// OCO pass sum-of-siblings case: two same-group TPs whose combined
// quantity clears the 90% tolerance, even though neither alone matches
// exactly.
func TestMatchOCO_SumOfSiblingsWithinTolerance(t *testing.T) {
	t0 := time.Now()
	lots := []OpenLot{
		{Symbol: "SOL_USDT", BuyOrderID: "b1", LotQty: decimal.NewFromFloat(10), OCOGroupID: "G1", BuyTime: t0},
	}
	tps := []store.Order{
		mkTP("tp_a", 6, 28, t0.Add(time.Minute), "G1"),
		mkTP("tp_b", 3.5, 29, t0.Add(2*time.Minute), "G1"),
	}

	matched, unmatched, _ := MatchOCO(lots, tps)

	assert.Len(t, matched, 1)
	assert.Empty(t, unmatched)
	assert.Equal(t, MatchOriginOCO, matched[0].MatchOrigin)
	assert.Len(t, matched[0].MatchedTPs, 2)
}
