// Package tpanalytics computes expected take-profit coverage: FIFO
// open-lot reconstruction from executed orders, OCO-then-FIFO matching of
// active TP orders to lots, and the per-symbol coverage/profit report.
package tpanalytics

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"cryptosentinel/internal/exchangeclient"
	"cryptosentinel/internal/market"
	"cryptosentinel/internal/store"
)

// MatchOrigin records which pass matched a lot to its TP(s).
type MatchOrigin string

const (
	MatchOriginNone MatchOrigin = ""
	MatchOriginOCO  MatchOrigin = "OCO"
	MatchOriginFIFO MatchOrigin = "FIFO"
)

// ocoTolerance is the 10% shortfall tolerance the OCO pass accepts when
// summing multiple same-group TPs against one lot.
const ocoTolerance = 0.10

// fifoOverageTolerance bounds how much a single large TP may exceed the
// lots it sequentially covers in the TP-covers-many-lots case.
const fifoOverageTolerance = 0.15

// fifoCoverageTolerance is the minimum fraction of a lot that accumulated
// small TPs must cover in the lots-covered-by-many-TPs case.
const fifoCoverageTolerance = 0.85

// OpenLot is a reconstructed unclosed quantity from a filled BUY.
type OpenLot struct {
	Symbol        string
	BuyOrderID    string
	BuyTime       time.Time
	BuyPrice      decimal.Decimal
	LotQty        decimal.Decimal
	ParentOrderID string
	OCOGroupID    string
	Virtual       bool

	MatchedTPs  []store.Order
	MatchOrigin MatchOrigin
	CoveredQty  decimal.Decimal
}

// Uncovered reports the portion of LotQty not yet matched to any TP.
func (l OpenLot) Uncovered() decimal.Decimal {
	u := l.LotQty.Sub(l.CoveredQty)
	if u.IsNegative() {
		return decimal.Zero
	}
	return u
}

// RebuildOpenLots applies FIFO sell-against-buy subtraction across filled
// buys/sells for one base currency, returning the unclosed remainder of
// each buy as an OpenLot. buys and sells must already be filtered to one
// base currency and sorted oldest-first (store.OrderStore's
// FilledBuysInFIFOOrder/FilledSellsInFIFOOrder do both).
func RebuildOpenLots(buys, sells []store.Order) []OpenLot {
	sellRemaining := make(map[string]decimal.Decimal, len(sells))
	for _, s := range sells {
		qty := s.CumulativeQuantity
		if qty.IsZero() {
			qty = s.Quantity
		}
		sellRemaining[s.ExchangeOrderID] = qty
	}

	var lots []OpenLot
	for _, b := range buys {
		remaining := b.CumulativeQuantity
		if remaining.IsZero() {
			remaining = b.Quantity
		}

		for _, s := range sells {
			if remaining.LessThanOrEqual(decimal.Zero) {
				break
			}
			sellQty := sellRemaining[s.ExchangeOrderID]
			if sellQty.LessThanOrEqual(decimal.Zero) {
				continue
			}
			apply := decimal.Min(remaining, sellQty)
			remaining = remaining.Sub(apply)
			sellRemaining[s.ExchangeOrderID] = sellQty.Sub(apply)
		}

		if remaining.IsPositive() {
			price := b.Price
			if price.IsZero() {
				price = b.AvgPrice
			}
			if price.IsPositive() {
				lots = append(lots, OpenLot{
					Symbol:        b.Symbol,
					BuyOrderID:    b.ExchangeOrderID,
					BuyTime:       b.ExchangeCreateTime,
					BuyPrice:      price,
					LotQty:        remaining,
					ParentOrderID: b.ParentOrderID,
					OCOGroupID:    b.OCOGroupID,
				})
			}
		}
	}
	return lots
}

// SynthesizeVirtualLot builds a fallback lot when the portfolio holds a
// balance but no lots are reconstructable: priced at the weighted-average
// historical buy price, or, if no historical buys exist either, at the
// current market price. Virtual lots are exempt from any TP-after-entry
// time check since they represent the present, not a historical order.
func SynthesizeVirtualLot(base string, balance decimal.Decimal, buys []store.Order, currentPrice decimal.Decimal) OpenLot {
	price := weightedAverageBuyPrice(buys)
	if price.IsZero() {
		price = currentPrice
	}
	return OpenLot{
		Symbol:   base,
		LotQty:   balance,
		BuyPrice: price,
		Virtual:  true,
	}
}

func weightedAverageBuyPrice(buys []store.Order) decimal.Decimal {
	var totalQty, totalValue decimal.Decimal
	for _, b := range buys {
		qty := b.CumulativeQuantity
		if qty.IsZero() {
			qty = b.Quantity
		}
		price := b.Price
		if price.IsZero() {
			price = b.AvgPrice
		}
		totalQty = totalQty.Add(qty)
		totalValue = totalValue.Add(qty.Mul(price))
	}
	if totalQty.IsZero() {
		return decimal.Zero
	}
	return totalValue.Div(totalQty)
}

// MatchOCO is the first matching pass: within a matching OCO group, try an
// exact quantity match first, then sum multiple same-group TPs (FIFO by
// create time) until their total covers ≥90% of the lot.
func MatchOCO(lots []OpenLot, tpOrders []store.Order) (matched, unmatched []OpenLot, remaining []store.Order) {
	used := make(map[string]bool, len(tpOrders))

	for i := range lots {
		lot := &lots[i]
		if lot.OCOGroupID == "" {
			unmatched = append(unmatched, *lot)
			continue
		}

		var groupTPs []store.Order
		for _, tp := range tpOrders {
			if used[tp.ExchangeOrderID] {
				continue
			}
			if tp.OCOGroupID == lot.OCOGroupID && market.SameBase(tp.Symbol, lot.Symbol) {
				groupTPs = append(groupTPs, tp)
			}
		}

		if len(groupTPs) == 0 {
			unmatched = append(unmatched, *lot)
			continue
		}

		if exact := findExactQty(groupTPs, lot.LotQty); exact != nil {
			lot.MatchedTPs = []store.Order{*exact}
			lot.MatchOrigin = MatchOriginOCO
			lot.CoveredQty = lot.LotQty
			used[exact.ExchangeOrderID] = true
			matched = append(matched, *lot)
			continue
		}

		sortByCreateTime(groupTPs)
		var total decimal.Decimal
		var picked []store.Order
		for _, tp := range groupTPs {
			total = total.Add(tp.Quantity)
			picked = append(picked, tp)
			threshold := lot.LotQty.Mul(decimal.NewFromFloat(1 - ocoTolerance))
			if total.GreaterThanOrEqual(threshold) {
				lot.MatchedTPs = picked
				lot.MatchOrigin = MatchOriginOCO
				lot.CoveredQty = decimal.Min(total, lot.LotQty)
				for _, p := range picked {
					used[p.ExchangeOrderID] = true
				}
				matched = append(matched, *lot)
				break
			}
		}
		if lot.MatchOrigin == MatchOriginNone {
			unmatched = append(unmatched, *lot)
		}
	}

	for _, tp := range tpOrders {
		if !used[tp.ExchangeOrderID] {
			remaining = append(remaining, tp)
		}
	}
	return matched, unmatched, remaining
}

func findExactQty(tps []store.Order, qty decimal.Decimal) *store.Order {
	for i, tp := range tps {
		if tp.Quantity.Equal(qty) {
			return &tps[i]
		}
	}
	return nil
}

func sortByCreateTime(orders []store.Order) {
	for i := 1; i < len(orders); i++ {
		for j := i; j > 0 && orders[j].ExchangeCreateTime.Before(orders[j-1].ExchangeCreateTime); j-- {
			orders[j], orders[j-1] = orders[j-1], orders[j]
		}
	}
}

// MatchFIFO is the second pass over lots/TPs MatchOCO left unmatched:
// one large TP covering sequential lots (≤15% overage tolerance), then one
// large lot covered by accumulated small TPs (≥85% coverage).
func MatchFIFO(lots []OpenLot, tpOrders []store.Order) []OpenLot {
	sortByBuyTime(lots)
	sortByCreateTime(tpOrders)
	used := make(map[string]bool, len(tpOrders))

	out := make([]OpenLot, len(lots))
	copy(out, lots)

	// TP-covers-many-lots: walk lots in FIFO order, consuming from one TP
	// until it (near-)exhausts, within an overage tolerance.
	for _, tp := range tpOrders {
		if used[tp.ExchangeOrderID] {
			continue
		}
		remaining := tp.Quantity
		maxConsume := tp.Quantity.Mul(decimal.NewFromFloat(1 + fifoOverageTolerance))
		var consumed []int
		var totalLotQty decimal.Decimal
		for i := range out {
			if out[i].MatchOrigin != MatchOriginNone || remaining.LessThanOrEqual(decimal.Zero) {
				continue
			}
			if totalLotQty.Add(out[i].Uncovered()).GreaterThan(maxConsume) {
				break
			}
			totalLotQty = totalLotQty.Add(out[i].Uncovered())
			consumed = append(consumed, i)
			remaining = remaining.Sub(out[i].Uncovered())
		}
		if len(consumed) > 1 && totalLotQty.IsPositive() {
			for _, idx := range consumed {
				out[idx].MatchedTPs = append(out[idx].MatchedTPs, tp)
				out[idx].MatchOrigin = MatchOriginFIFO
				out[idx].CoveredQty = out[idx].LotQty
			}
			used[tp.ExchangeOrderID] = true
		}
	}

	// Lots-matched-by-many-small-TPs: accumulate unused TPs against each
	// remaining lot until coverage clears the tolerance.
	for i := range out {
		if out[i].MatchOrigin != MatchOriginNone {
			continue
		}
		var total decimal.Decimal
		var picked []store.Order
		for _, tp := range tpOrders {
			if used[tp.ExchangeOrderID] {
				continue
			}
			total = total.Add(tp.Quantity)
			picked = append(picked, tp)
			if total.GreaterThanOrEqual(out[i].LotQty.Mul(decimal.NewFromFloat(fifoCoverageTolerance))) {
				break
			}
		}
		if total.GreaterThanOrEqual(out[i].LotQty.Mul(decimal.NewFromFloat(fifoCoverageTolerance))) {
			out[i].MatchedTPs = picked
			out[i].MatchOrigin = MatchOriginFIFO
			out[i].CoveredQty = decimal.Min(total, out[i].LotQty)
			for _, p := range picked {
				used[p.ExchangeOrderID] = true
			}
		}
	}
	return out
}

func sortByBuyTime(lots []OpenLot) {
	for i := 1; i < len(lots); i++ {
		for j := i; j > 0 && lots[j].BuyTime.Before(lots[j-1].BuyTime); j-- {
			lots[j], lots[j-1] = lots[j-1], lots[j]
		}
	}
}

// LotBreakdown is one line of SymbolReport's per_lot_breakdown.
type LotBreakdown struct {
	BuyOrderID     string
	BuyPrice       decimal.Decimal
	LotQty         decimal.Decimal
	CoveredQty     decimal.Decimal
	MatchOrigin    MatchOrigin
	MatchedTPPrice decimal.Decimal
	ExpectedProfit decimal.Decimal
}

// SymbolReport is ExpectedTPEngine's output for one base currency.
type SymbolReport struct {
	Base                 string
	NetQty               decimal.Decimal
	CurrentPrice         decimal.Decimal
	PositionValue        decimal.Decimal
	ActualPositionValue  decimal.Decimal
	CoveredQty           decimal.Decimal
	UncoveredQty         decimal.Decimal
	TotalExpectedProfit  decimal.Decimal
	PerLot               []LotBreakdown
}

// Report assembles the full SymbolReport for base: rebuild, match, and
// aggregate. buys/sells must already be FIFO-ordered filled orders for
// base; tpOrders is the set of currently active TP orders for base.
func Report(base string, buys, sells []store.Order, tpOrders []store.Order, currentPrice decimal.Decimal) SymbolReport {
	lots := RebuildOpenLots(buys, sells)
	matched, unmatched, remainingTPs := MatchOCO(lots, tpOrders)
	fifoResult := MatchFIFO(unmatched, remainingTPs)

	all := append(matched, fifoResult...)

	rep := SymbolReport{Base: base, CurrentPrice: currentPrice}
	for _, lot := range all {
		rep.NetQty = rep.NetQty.Add(lot.LotQty)
		rep.PositionValue = rep.PositionValue.Add(lot.LotQty.Mul(currentPrice))
		rep.ActualPositionValue = rep.ActualPositionValue.Add(lot.LotQty.Mul(lot.BuyPrice))
		rep.CoveredQty = rep.CoveredQty.Add(lot.CoveredQty)
		rep.UncoveredQty = rep.UncoveredQty.Add(lot.Uncovered())

		lb := LotBreakdown{
			BuyOrderID:  lot.BuyOrderID,
			BuyPrice:    lot.BuyPrice,
			LotQty:      lot.LotQty,
			CoveredQty:  lot.CoveredQty,
			MatchOrigin: lot.MatchOrigin,
		}
		if len(lot.MatchedTPs) > 0 {
			tpPrice := primaryTPPrice(lot.MatchedTPs)
			lb.MatchedTPPrice = tpPrice
			profit := tpPrice.Sub(lot.BuyPrice).Mul(lot.CoveredQty)
			lb.ExpectedProfit = profit
			rep.TotalExpectedProfit = rep.TotalExpectedProfit.Add(profit)
		}
		rep.PerLot = append(rep.PerLot, lb)
	}
	return rep
}

func primaryTPPrice(tps []store.Order) decimal.Decimal {
	if len(tps) == 0 {
		return decimal.Zero
	}
	return tps[0].Price
}

// AccountSnapshot is the minimal portfolio view Report's caller resolves
// before invoking RebuildOpenLots/SynthesizeVirtualLot, supplied by the
// (out-of-scope) portfolio/balance fetcher via exchangeclient.
type AccountSnapshot struct {
	Base        string
	Balance     decimal.Decimal
	CurrentTime time.Time
}

// FetchCurrentPrice resolves base's current price via the exchange client,
// the last-resort input SynthesizeVirtualLot needs when no historical buy
// exists either.
func FetchCurrentPrice(ctx context.Context, client exchangeclient.ExchangeClient, base string) (decimal.Decimal, error) {
	for _, symbol := range market.Variants(base) {
		t, err := client.GetTicker(ctx, symbol)
		if err == nil {
			return t.Last, nil
		}
	}
	return decimal.Zero, nil
}
