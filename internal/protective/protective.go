// Package protective creates the SL/TP OCO pair for a filled entry,
// handles the rejection/partial-failure policy, and walks the margin-609
// and balance-306 recovery ladders.
package protective

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"cryptosentinel/internal/exchangeclient"
	"cryptosentinel/internal/lockset"
	"cryptosentinel/internal/logger"
	"cryptosentinel/internal/market"
	"cryptosentinel/internal/metrics"
	"cryptosentinel/internal/normalize"
	"cryptosentinel/internal/store"
	"cryptosentinel/internal/xerrors"
)

// Outcome is the high-level result CreateForFilled reports, beyond the
// individual SL/TP placement statuses.
type Outcome string

const (
	OutcomeCreated               Outcome = "created"
	OutcomeAlreadyProtected      Outcome = "already_protected"
	OutcomePartial               Outcome = "partial"
	OutcomeUnprotectedSmallPosition Outcome = "unprotected_small_position"
	OutcomeInsufficientBalance   Outcome = "insufficient_balance"
)

// Result is CreateForFilled's typed return.
type Result struct {
	Outcome     Outcome
	StopLoss    *store.Order
	TakeProfit  *store.Order
	TopUp       decimal.Decimal
	WorkingLeverage int
	Detail      string
}

// LeverageRungs is the halving ladder error-306 retries walk, shared with
// SignalMonitor's entry-placement ladder.
var LeverageRungs = []int{10, 5, 2, 1}

// leverageRungs keeps this file's existing call sites unchanged.
var leverageRungs = LeverageRungs

// MarginLockouts is the in-process 30-minute error-609 symbol lockout set.
type MarginLockouts struct{ set *lockset.Set }

func NewMarginLockouts() *MarginLockouts { return &MarginLockouts{set: lockset.New()} }

func (m *MarginLockouts) Lock(symbol string) { m.set.Acquire(symbol, 30*time.Minute) }
func (m *MarginLockouts) Locked(symbol string) bool { return m.set.Held(symbol) }

// LeverageCache remembers the last working leverage per symbol, so future
// entries start there instead of re-walking the ladder from 10x.
type LeverageCache struct {
	working map[string]int
}

func NewLeverageCache() *LeverageCache { return &LeverageCache{working: make(map[string]int)} }

func (c *LeverageCache) Get(symbol string) int {
	if lv, ok := c.working[symbol]; ok {
		return lv
	}
	return leverageRungs[0]
}

func (c *LeverageCache) Record(symbol string, leverage int) { c.working[symbol] = leverage }

// Engine creates and repairs protective order pairs.
type Engine struct {
	Client    exchangeclient.ExchangeClient
	Orders    *store.OrderStore
	Events    *store.SignalEventStore
	Market    *market.Cache
	Lockouts  *MarginLockouts
	Leverage  *LeverageCache
}

// New builds an Engine with fresh in-process lockout/leverage state.
func New(client exchangeclient.ExchangeClient, orders *store.OrderStore, events *store.SignalEventStore, mkt *market.Cache) *Engine {
	return NewWithState(client, orders, events, mkt, NewMarginLockouts(), NewLeverageCache())
}

// NewWithState builds an Engine sharing externally-owned lockout/leverage
// state. SignalMonitor's entry-placement ladder and this engine's SL/TP
// ladder must observe the same 609-lockout and leverage-cache state, so
// cmd/sentinel constructs one MarginLockouts/LeverageCache pair and passes
// it to both.
func NewWithState(client exchangeclient.ExchangeClient, orders *store.OrderStore, events *store.SignalEventStore, mkt *market.Cache, lockouts *MarginLockouts, leverage *LeverageCache) *Engine {
	return &Engine{
		Client:   client,
		Orders:   orders,
		Events:   events,
		Market:   mkt,
		Lockouts: lockouts,
		Leverage: leverage,
	}
}

// ResolvePercentages returns item's SL/TP percentages, falling back to the
// strategy-mode defaults (conservative 3%/3%, aggressive 2%/2%) when unset.
// Shared with SLTPChecker's suggested-price computation.
func ResolvePercentages(item store.WatchlistItem) (sl, tp decimal.Decimal) {
	if item.SLPercentage.IsPositive() && item.TPPercentage.IsPositive() {
		return item.SLPercentage, item.TPPercentage
	}
	switch item.SLTPMode {
	case store.ModeAggressive:
		return decimal.NewFromFloat(2), decimal.NewFromFloat(2)
	default:
		return decimal.NewFromFloat(3), decimal.NewFromFloat(3)
	}
}

// CreateForFilled attaches the protective pair to entry, a just-filled BUY
// (or symmetric SELL) order, creating only whichever legs are missing.
func (e *Engine) CreateForFilled(ctx context.Context, entry store.Order, item store.WatchlistItem) (Result, error) {
	children, err := e.Orders.FindChildren(ctx, entry.ExchangeOrderID)
	if err != nil {
		return Result{}, err
	}
	var hasSL, hasTP bool
	for _, c := range children {
		if !c.IsActive() {
			continue
		}
		switch c.OrderRole {
		case store.OrderRoleStopLoss:
			hasSL = true
		case store.OrderRoleTakeProfit:
			hasTP = true
		}
	}
	if hasSL && hasTP {
		return Result{Outcome: OutcomeAlreadyProtected}, nil
	}

	return e.placeProtection(ctx, entry, item, !hasSL, !hasTP)
}

// CreateManual places protective orders for symbol's live balance outside
// the fill-driven path (SLTPChecker's inline button actions). A synthetic
// parent entry anchored at refPrice is persisted first so the resulting
// OCO pair has the parent linkage the integrity sweep expects; source is
// manual, so the auto-mode TP validity guard never shifts prices.
func (e *Engine) CreateManual(ctx context.Context, symbol string, item store.WatchlistItem, balance, refPrice decimal.Decimal, wantSL, wantTP bool) (Result, error) {
	if !wantSL && !wantTP {
		return Result{Outcome: OutcomeAlreadyProtected}, nil
	}
	entry := store.Order{
		ExchangeOrderID:    fmt.Sprintf("manual_%s_%d", symbol, time.Now().Unix()),
		Symbol:             symbol,
		Side:               store.SideBuy,
		OrderType:          store.OrderTypeMarket,
		Status:             store.StatusFilled,
		AvgPrice:           refPrice,
		Quantity:           balance,
		CumulativeQuantity: balance,
		Source:             store.SourceManual,
		ExchangeCreateTime: time.Now(),
	}
	if err := e.Orders.Upsert(ctx, entry); err != nil && !errors.Is(err, store.ErrDuplicateOrder) {
		return Result{}, err
	}
	return e.placeProtection(ctx, entry, item, wantSL, wantTP)
}

// placeProtection resolves percentages, computes and normalizes target
// prices, then places whichever of the SL/TP legs the caller still needs.
func (e *Engine) placeProtection(ctx context.Context, entry store.Order, item store.WatchlistItem, needSL, needTP bool) (Result, error) {
	slPct, tpPct := ResolvePercentages(item)
	entryPrice := entry.AvgPrice
	if entryPrice.IsZero() {
		entryPrice = entry.Price
	}

	var slRaw, tpRaw decimal.Decimal
	exitSide := "SELL"
	if entry.Side == store.SideSell {
		exitSide = "BUY"
		slRaw = entryPrice.Mul(decimal.NewFromInt(1).Add(slPct.Div(decimal.NewFromInt(100))))
		tpRaw = entryPrice.Mul(decimal.NewFromInt(1).Sub(tpPct.Div(decimal.NewFromInt(100))))
	} else {
		slRaw = entryPrice.Mul(decimal.NewFromInt(1).Sub(slPct.Div(decimal.NewFromInt(100))))
		tpRaw = entryPrice.Mul(decimal.NewFromInt(1).Add(tpPct.Div(decimal.NewFromInt(100))))
	}

	meta, err := e.Market.GetMetadata(ctx, entry.Symbol)
	if err != nil {
		return Result{}, err
	}

	qty := entry.CumulativeQuantity
	if qty.IsZero() {
		qty = entry.Quantity
	}
	normQtyStr, err := normalize.NormalizeQuantity(meta, qty, entryPrice)
	if err != nil {
		topup := normalize.TopUpSuggestion(meta, qty)
		e.recordEvent(ctx, entry.Symbol, "UNPROTECTED_SMALL_POSITION", fmt.Sprintf("qty=%s topup=%s", qty.String(), topup.String()))
		metrics.SetUncovered(entry.Symbol, true)
		return Result{Outcome: OutcomeUnprotectedSmallPosition, TopUp: topup}, nil
	}
	slPriceStr := normalize.NormalizePrice(meta, slRaw, normalize.RoleStopLoss)
	tpPriceStr := normalize.NormalizePrice(meta, tpRaw, normalize.RoleTakeProfit)
	tpPrice, _ := decimal.NewFromString(tpPriceStr)

	// Auto-mode TP validity guard: a TP that would trigger immediately is
	// re-pinned 0.5% past the current market instead. Manual placements are
	// never adjusted.
	if entry.Source == store.SourceAuto {
		ticker, tErr := e.Client.GetTicker(ctx, entry.Symbol)
		if tErr == nil {
			if exitSide == "SELL" && tpPrice.LessThanOrEqual(ticker.Ask) {
				tpPrice = ticker.Ask.Mul(decimal.NewFromFloat(1.005))
			} else if exitSide == "BUY" && tpPrice.GreaterThanOrEqual(ticker.Bid) {
				tpPrice = ticker.Bid.Mul(decimal.NewFromFloat(0.995))
			}
			tpPriceStr = normalize.NormalizePrice(meta, tpPrice, normalize.RoleTakeProfit)
		}
	}

	ocoGroupID := fmt.Sprintf("oco_%s_%d", entry.ExchangeOrderID, time.Now().Unix())
	isMargin := item.TradeOnMargin && !e.Lockouts.Locked(entry.Symbol)
	leverage := e.Leverage.Get(entry.Symbol)

	result := Result{WorkingLeverage: leverage}
	slPlaced := !needSL

	if needSL {
		sl, slErr := e.placeWithLadder(ctx, entry, exitSide, normQtyStr, slPriceStr, entryPrice, ocoGroupID, store.OrderRoleStopLoss, isMargin, &leverage)
		if slErr != nil {
			return Result{}, slErr
		}
		result.StopLoss = sl
		slPlaced = sl != nil && sl.Status != store.StatusRejected
	}

	if needTP {
		// A 609 on the SL leg locks the symbol out; the TP leg honours it.
		isMargin = isMargin && !e.Lockouts.Locked(entry.Symbol)
		tp, tpErr := e.placeWithLadder(ctx, entry, exitSide, normQtyStr, tpPriceStr, entryPrice, ocoGroupID, store.OrderRoleTakeProfit, isMargin, &leverage)
		if tpErr != nil {
			return Result{}, tpErr
		}
		result.TakeProfit = tp
		if tp != nil && tp.Status == store.StatusRejected && slPlaced {
			result.Outcome = OutcomePartial
			metrics.RecordProtectiveOrderOutcome(entry.Symbol, string(OutcomePartial))
			e.Leverage.Record(entry.Symbol, leverage)
			result.WorkingLeverage = leverage
			return result, nil
		}
	}

	slRejected := result.StopLoss == nil || result.StopLoss.Status == store.StatusRejected
	tpRejected := result.TakeProfit == nil || result.TakeProfit.Status == store.StatusRejected
	if slRejected && tpRejected {
		result.Outcome = OutcomeInsufficientBalance
		metrics.RecordProtectiveOrderOutcome(entry.Symbol, string(OutcomeInsufficientBalance))
		return result, nil
	}

	result.Outcome = OutcomeCreated
	e.Leverage.Record(entry.Symbol, leverage)
	result.WorkingLeverage = leverage
	metrics.RecordProtectiveOrderOutcome(entry.Symbol, string(OutcomeCreated))
	return result, nil
}

// placeWithLadder places one protective leg (SL or TP), walking the
// error-609-then-error-306 recovery ladders. leverage is updated in place
// with whatever rung finally succeeded.
func (e *Engine) placeWithLadder(ctx context.Context, entry store.Order, side, qty, price string, refPrice decimal.Decimal, ocoGroupID string, role store.OrderRole, isMargin bool, leverage *int) (*store.Order, error) {
	qtyDec, _ := decimal.NewFromString(qty)
	priceDec, _ := decimal.NewFromString(price)

	place := func(margin bool, lev int) (exchangeclient.PlacedOrder, error) {
		if role == store.OrderRoleStopLoss {
			return e.Client.PlaceStopLossOrder(ctx, entry.Symbol, side, priceDec, qtyDec, priceDec, refPrice, margin, lev)
		}
		return e.Client.PlaceTakeProfitOrder(ctx, entry.Symbol, side, priceDec, qtyDec, priceDec, refPrice, margin, lev)
	}

	placed, err := place(isMargin, *leverage)
	if err == nil {
		return e.persistLeg(ctx, entry, role, side, priceDec, qtyDec, ocoGroupID, placed, store.StatusActive)
	}

	switch {
	case isMargin && IsMargin609(err):
		e.Lockouts.Lock(entry.Symbol)
		logger.Warnf("protective: %s margin lockout set after 609, retrying SPOT", entry.Symbol)
		placed, err = place(false, 1)
		if err != nil {
			return e.persistLeg(ctx, entry, role, side, priceDec, qtyDec, ocoGroupID, placed, store.StatusRejected)
		}
		return e.persistLeg(ctx, entry, role, side, priceDec, qtyDec, ocoGroupID, placed, store.StatusActive)

	case IsBalance306(err):
		for _, rung := range leverageRungs {
			if rung >= *leverage {
				continue
			}
			placed, err = place(true, rung)
			if err == nil {
				*leverage = rung
				return e.persistLeg(ctx, entry, role, side, priceDec, qtyDec, ocoGroupID, placed, store.StatusActive)
			}
			if !IsBalance306(err) {
				break
			}
		}
		reduced := refPrice.Mul(qtyDec).Mul(decimal.NewFromFloat(0.95))
		if reduced.LessThan(decimal.NewFromInt(100)) {
			reduced = decimal.NewFromInt(100)
		}
		placed, err = e.Client.PlaceMarketOrder(ctx, entry.Symbol, side, reduced, false, 1)
		if err != nil {
			return e.persistLeg(ctx, entry, role, side, priceDec, qtyDec, ocoGroupID, placed, store.StatusRejected)
		}
		*leverage = 1
		return e.persistLeg(ctx, entry, role, side, priceDec, qtyDec, ocoGroupID, placed, store.StatusActive)
	}

	return e.persistLeg(ctx, entry, role, side, priceDec, qtyDec, ocoGroupID, placed, store.StatusRejected)
}

// IsMargin609 reports whether err is the exchange's insufficient-margin
// rejection (error 609), shared with SignalMonitor's entry-placement ladder.
func IsMargin609(err error) bool {
	return errors.Is(err, xerrors.ErrInsufficientMargin609)
}

// IsBalance306 reports whether err is the exchange's insufficient-balance
// rejection (error 306), shared with SignalMonitor's entry-placement ladder.
func IsBalance306(err error) bool {
	return errors.Is(err, xerrors.ErrInsufficientBalance306)
}

func (e *Engine) persistLeg(ctx context.Context, entry store.Order, role store.OrderRole, side string, price, qty decimal.Decimal, ocoGroupID string, placed exchangeclient.PlacedOrder, status store.OrderStatus) (*store.Order, error) {
	orderType := store.OrderTypeStopLimit
	if role == store.OrderRoleTakeProfit {
		orderType = store.OrderTypeTakeProfitLimit
	}
	o := store.Order{
		ExchangeOrderID:    placed.OrderID,
		Symbol:             entry.Symbol,
		Side:               store.Side(side),
		OrderType:          orderType,
		OrderRole:          role,
		Status:             status,
		Price:              price,
		TriggerPrice:       price,
		Quantity:           qty,
		ParentOrderID:      entry.ExchangeOrderID,
		OCOGroupID:         ocoGroupID,
		Source:             entry.Source,
		ExchangeCreateTime: time.Now(),
	}
	if err := e.Orders.Upsert(ctx, o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (e *Engine) recordEvent(ctx context.Context, symbol, eventType, detail string) {
	metrics.RecordSignalEvent(symbol, eventType)
	if e.Events == nil {
		return
	}
	if err := e.Events.Append(ctx, symbol, eventType, detail); err != nil {
		logger.Warnf("protective: failed to record event %s for %s: %v", eventType, symbol, err)
	}
}
