// Package signalmonitor is the periodic loop that turns indicator-feed
// signals into alerts and BUY placements, running each symbol through the
// guardrail evaluator and the alert throttler.
package signalmonitor

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"cryptosentinel/internal/alertthrottle"
	"cryptosentinel/internal/exchangeclient"
	"cryptosentinel/internal/guardrail"
	"cryptosentinel/internal/lockset"
	"cryptosentinel/internal/logger"
	"cryptosentinel/internal/market"
	"cryptosentinel/internal/metrics"
	"cryptosentinel/internal/notifier"
	"cryptosentinel/internal/protective"
	"cryptosentinel/internal/ratelimit"
	"cryptosentinel/internal/store"
)

// Reading is one indicator-feed evaluation for a symbol: the derived
// trading signal plus the price it was computed against. The indicator
// math itself (RSI/ATR/MA crossovers/etc.) is an external collaborator's
// responsibility; SignalMonitor consumes only this pair.
type Reading struct {
	Signal guardrail.Signal
	Price  decimal.Decimal
}

// IndicatorFeed is the external signal source SignalMonitor depends on.
type IndicatorFeed interface {
	Evaluate(ctx context.Context, symbol string) (Reading, error)
}

// SignalState is the prior-tick memory SignalMonitor keeps per symbol to
// compute is_first_buy/is_new_buy_transition.
type SignalState struct {
	LastSignal   guardrail.Signal
	LastBuyPrice decimal.Decimal
	EverBought   bool
}

// Monitor owns the signal evaluation loop and its per-symbol state.
type Monitor struct {
	Feed       IndicatorFeed
	Client     exchangeclient.ExchangeClient
	Orders     *store.OrderStore
	Watchlist  *store.WatchlistStore
	Events     *store.SignalEventStore
	Guard      *alertthrottle.Throttler
	Notifier   notifier.Notifier
	Limiter    *ratelimit.Limiter
	Interval   time.Duration

	// Lockouts and Leverage are shared with the protective-order engine so
	// the entry-placement ladder here and the SL/TP ladder there observe
	// the same 609-lockout/leverage-learning state. Nil is tolerated
	// (treated as "never locked" / "start at the top rung") so a Monitor
	// built without them still runs, just without cross-component state
	// sharing.
	Lockouts *protective.MarginLockouts
	Leverage *protective.LeverageCache

	// EquityFieldOverride is config.PORTFOLIO_EQUITY_FIELD_OVERRIDE, passed
	// through to exchangeclient.ResolveEquity for the account-based gates.
	EquityFieldOverride string

	creationLocks   *lockset.Set
	exposureNotices *lockset.Set
	states          map[string]SignalState
}

// New builds a Monitor with the default 30s interval and a fresh 10s-TTL
// creation-lock set.
func New(feed IndicatorFeed, client exchangeclient.ExchangeClient, orders *store.OrderStore, watchlist *store.WatchlistStore, events *store.SignalEventStore, guard *alertthrottle.Throttler, n notifier.Notifier, limiter *ratelimit.Limiter) *Monitor {
	return &Monitor{
		Feed:          feed,
		Client:        client,
		Orders:        orders,
		Watchlist:     watchlist,
		Events:        events,
		Guard:         guard,
		Notifier:      n,
		Limiter:       limiter,
		Interval:        30 * time.Second,
		creationLocks:   lockset.New(),
		exposureNotices: lockset.New(),
		states:          make(map[string]SignalState),
	}
}

const creationLockTTL = 10 * time.Second

// exposureNoticeTTL rate-limits the "protección activada" notification so a
// BUY signal persisting across ticks doesn't repeat it every 30s.
const exposureNoticeTTL = time.Hour

// Run drives the cooperative ticker loop until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
			now := time.Now()
			m.creationLocks.Sweep(now)
			m.exposureNotices.Sweep(now)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	start := time.Now()
	defer metrics.RecordCycleDuration("signalmonitor", time.Since(start).Seconds())

	items, err := m.Watchlist.ActiveAlertable(ctx)
	if err != nil {
		logger.Warnf("signalmonitor: fetch watchlist: %v", err)
		return
	}

	decisions := sortDecisionsByPriority(items)
	for _, item := range decisions {
		m.evaluateOne(ctx, item)
	}
}

// sortDecisionsByPriority is a no-op seam today (BUY entries only; SELL
// auto-placement is deliberately not done), kept so a future symmetric
// SELL-entry mode has somewhere to plug in an ordering.
func sortDecisionsByPriority(items []store.WatchlistItem) []store.WatchlistItem {
	return items
}

func (m *Monitor) evaluateOne(ctx context.Context, cached store.WatchlistItem) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("signalmonitor: recovered panic for %s: %v", cached.Symbol, r)
			metrics.RecordPanicRecovered("signalmonitor", cached.Symbol)
		}
	}()

	// Never trust the stale cached row; re-read fresh.
	item, err := m.Watchlist.Get(ctx, cached.Symbol)
	if err != nil {
		logger.Warnf("signalmonitor: refresh watchlist for %s: %v", cached.Symbol, err)
		return
	}

	if m.Limiter != nil {
		if err := m.Limiter.Wait(ctx, ratelimit.GroupMarketData); err != nil {
			return
		}
	}

	reading, err := m.Feed.Evaluate(ctx, item.Symbol)
	if err != nil {
		logger.Warnf("signalmonitor: indicator feed unavailable for %s: %v", item.Symbol, err)
		return
	}

	prior := m.states[item.Symbol]
	isFirstBuy := reading.Signal == guardrail.SignalBuy && !prior.EverBought
	isNewBuyTransition := reading.Signal == guardrail.SignalBuy && prior.LastSignal != guardrail.SignalBuy
	_ = isFirstBuy
	_ = isNewBuyTransition

	switch reading.Signal {
	case guardrail.SignalBuy:
		m.handleBuy(ctx, item, reading, &prior)
	case guardrail.SignalSell:
		// No user-facing SELL alert and no automatic SELL placement;
		// state still tracked for future transitions.
	}

	prior.LastSignal = reading.Signal
	m.states[item.Symbol] = prior
}

func (m *Monitor) handleBuy(ctx context.Context, item store.WatchlistItem, reading Reading, prior *SignalState) {
	lockKey := item.Symbol + ":BUY"
	if !m.creationLocks.Acquire(lockKey, creationLockTTL) {
		return
	}
	defer m.creationLocks.Release(lockKey)

	accounts, err := m.Client.GetAccountSummary(ctx)
	if err != nil {
		logger.Warnf("signalmonitor: account summary unavailable for %s: %v", item.Symbol, err)
	}
	portfolioValue := portfolioValueForSymbol(accounts, item.Symbol, reading.Price)
	availableUSD := availableUSDFor(accounts, item.Symbol, m.EquityFieldOverride)

	if item.TradeAmountUSD.IsPositive() {
		cap := item.TradeAmountUSD.Mul(decimal.NewFromInt(3))
		if portfolioValue.GreaterThan(cap) {
			return // portfolio-value cap exceeded: skip alert and order silently, no Telegram noise
		}
	}

	openPositions, err := m.Orders.OpenPositionCountForBase(ctx, item.Symbol)
	if err != nil {
		logger.Warnf("signalmonitor: open-position count failed for %s: %v", item.Symbol, err)
	}

	// The exposure cap is checked before the throttler: hitting it blocks
	// the alert outright (no alert-state write) and notifies the operator
	// that exposure protection kicked in.
	if openPositions >= guardrail.MaxOpenPerSymbol {
		metrics.RecordGuardrailRejection(item.Symbol, guardrail.ReasonPerBaseExposureCap)
		m.notifyExposureCap(ctx, item, openPositions)
		return
	}

	ok, reason := m.Guard.ShouldSend(item.Symbol, alertthrottle.SideBuy, reading.Price, item.TradeEnabled, item.MinPriceChangePct)
	if ok {
		m.Guard.Commit(item.Symbol, alertthrottle.SideBuy, reading.Price, time.Now())
		m.dispatchAlert(ctx, item, reading)
	} else {
		metrics.RecordAlertSuppressed(reason)
	}

	recentBuys, err := m.Orders.FindRecentBuys(ctx, item.Symbol, time.Now().Add(-guardrail.RecentOrderCooldown))
	if err != nil {
		logger.Warnf("signalmonitor: recent-buy lookup failed for %s: %v", item.Symbol, err)
	}

	snap := guardrail.Snapshot{
		CreationLockHeld:        false, // already consumed the lock above to get here
		RecentBuyWithinCooldown: len(recentBuys) > 0,
		OpenPositionsForBase:    openPositions,
		LastOrderPrice:          prior.LastBuyPrice,
		PortfolioValueForSymbol: portfolioValue,
		AvailableUSD:            availableUSD,
		MarginLocked609:         m.Lockouts != nil && m.Lockouts.Locked(item.Symbol),
	}
	decision := guardrail.Evaluate(item, guardrail.SignalBuy, reading.Price, time.Now(), snap)
	if !decision.Allowed {
		metrics.RecordGuardrailRejection(item.Symbol, decision.Reason)
		return
	}
	if !item.TradeEnabled {
		return
	}

	isMargin := decision.SuggestedMode == guardrail.ModeMargin
	leverage := m.startingLeverage(item.Symbol)
	placed, finalLeverage, err := m.placeEntryWithLadder(ctx, item.Symbol, "BUY", item.TradeAmountUSD, isMargin, leverage)
	if err != nil {
		logger.Warnf("signalmonitor: BUY placement failed for %s: %v", item.Symbol, err)
		// On placement failure, clear only the creation-lock; alert state
		// stays committed so we don't re-spam.
		return
	}
	if m.Leverage != nil {
		m.Leverage.Record(item.Symbol, finalLeverage)
	}

	order := store.Order{
		ExchangeOrderID:    placed.OrderID,
		Symbol:             item.Symbol,
		Side:               store.SideBuy,
		OrderType:          store.OrderTypeMarket,
		Status:             store.OrderStatus(placed.Status),
		AvgPrice:           placed.AvgPrice,
		CumulativeQuantity: placed.CumulativeQuantity,
		Source:             store.SourceAuto,
		ExchangeCreateTime: time.Now(),
	}
	if err := m.Orders.Upsert(ctx, order); err != nil {
		logger.Warnf("signalmonitor: failed to persist BUY for %s: %v", item.Symbol, err)
	}
	prior.LastBuyPrice = placed.AvgPrice
	prior.EverBought = true
}

// startingLeverage is the rung the entry-placement ladder starts walking
// from: the leverage-learning cache's last-working value, or the top rung
// if nothing's recorded yet for symbol.
func (m *Monitor) startingLeverage(symbol string) int {
	if m.Leverage != nil {
		return m.Leverage.Get(symbol)
	}
	return protective.LeverageRungs[0]
}

// placeEntryWithLadder places the entry market order, walking the same
// error-609-then-error-306 recovery ladders protective.Engine's SL/TP legs
// walk. Returns the leverage that finally succeeded so the caller can
// record it into the shared LeverageCache.
func (m *Monitor) placeEntryWithLadder(ctx context.Context, symbol, side string, notionalUSD decimal.Decimal, isMargin bool, leverage int) (exchangeclient.PlacedOrder, int, error) {
	placed, err := m.Client.PlaceMarketOrder(ctx, symbol, side, notionalUSD, isMargin, leverage)
	if err == nil {
		return placed, leverage, nil
	}

	switch {
	case isMargin && protective.IsMargin609(err):
		if m.Lockouts != nil {
			m.Lockouts.Lock(symbol)
		}
		logger.Warnf("signalmonitor: %s margin lockout set after 609, retrying SPOT", symbol)
		placed, err = m.Client.PlaceMarketOrder(ctx, symbol, side, notionalUSD, false, 1)
		return placed, 1, err

	case protective.IsBalance306(err):
		for _, rung := range protective.LeverageRungs {
			if rung >= leverage {
				continue
			}
			placed, err = m.Client.PlaceMarketOrder(ctx, symbol, side, notionalUSD, true, rung)
			if err == nil {
				return placed, rung, nil
			}
			if !protective.IsBalance306(err) {
				break
			}
		}
		accounts, _ := m.Client.GetAccountSummary(ctx)
		reduced := availableUSDFor(accounts, symbol, m.EquityFieldOverride).Mul(decimal.NewFromFloat(0.95))
		if reduced.LessThan(decimal.NewFromInt(100)) {
			reduced = decimal.NewFromInt(100)
		}
		placed, err = m.Client.PlaceMarketOrder(ctx, symbol, side, reduced, false, 1)
		return placed, 1, err
	}

	return placed, leverage, err
}

// portfolioValueForSymbol is the current USD value of symbol's
// base-currency account line, preferring the exchange-reported
// MarketValueUSD field and falling back to balance*currentPrice when the
// exchange doesn't report it directly.
func portfolioValueForSymbol(accounts []exchangeclient.Account, symbol string, currentPrice decimal.Decimal) decimal.Decimal {
	acc, ok := exchangeclient.FindAccount(accounts, market.BaseOf(symbol))
	if !ok {
		return decimal.Zero
	}
	if acc.MarketValueUSD.IsPositive() {
		return acc.MarketValueUSD
	}
	return acc.Balance.Mul(currentPrice)
}

// availableUSDFor is the quote-currency account's spendable balance,
// resolved through the field-scan + priority-selection fallback
// (exchangeclient.ResolveEquity) since exchanges report "available" under
// different dynamic keys depending on margin mode.
func availableUSDFor(accounts []exchangeclient.Account, symbol, equityFieldOverride string) decimal.Decimal {
	acc, ok := exchangeclient.FindAccount(accounts, market.QuoteOf(symbol))
	if !ok {
		return decimal.Zero
	}
	if acc.Available.IsPositive() {
		return acc.Available
	}
	value, _ := exchangeclient.ResolveEquity(acc, equityFieldOverride)
	return value
}

// notifyExposureCap tells the operator the per-base exposure cap blocked a
// BUY signal ("protección activada"), at most once per exposureNoticeTTL
// per symbol.
func (m *Monitor) notifyExposureCap(ctx context.Context, item store.WatchlistItem, openPositions int) {
	if m.Events != nil {
		_ = m.Events.Append(ctx, item.Symbol, "EXPOSURE_CAP", fmt.Sprintf(`{"open_positions":%d}`, openPositions))
	}
	if m.Notifier == nil || !m.exposureNotices.Acquire(item.Symbol, exposureNoticeTTL) {
		return
	}
	text := fmt.Sprintf("%s: protección activada — %d/%d posiciones abiertas, señal BUY ignorada",
		item.Symbol, openPositions, guardrail.MaxOpenPerSymbol)
	if err := m.Notifier.SendMessage(ctx, text, nil, item.Symbol); err != nil {
		logger.Warnf("signalmonitor: exposure-cap notify failed for %s: %v", item.Symbol, err)
		metrics.RecordNotifierError()
	}
}

func (m *Monitor) dispatchAlert(ctx context.Context, item store.WatchlistItem, reading Reading) {
	if m.Notifier == nil {
		return
	}
	text := "BUY signal: " + item.Symbol + " @ " + reading.Price.String()
	if err := m.Notifier.SendMessage(ctx, text, nil, item.Symbol); err != nil {
		logger.Warnf("signalmonitor: notifier send failed for %s: %v", item.Symbol, err)
		metrics.RecordNotifierError()
		return
	}
	if m.Events != nil {
		_ = m.Events.Append(ctx, item.Symbol, "BUY_ALERT", reading.Price.String())
	}
	metrics.RecordSignalEvent(item.Symbol, "BUY_ALERT")
}
