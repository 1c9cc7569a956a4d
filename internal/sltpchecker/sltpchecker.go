// Package sltpchecker is the periodic protection sweep: it finds positions
// with no active protective orders and orphaned/incomplete OCO groups,
// surfacing both as Telegram alerts with inline action buttons.
package sltpchecker

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"cryptosentinel/internal/exchangeclient"
	"cryptosentinel/internal/logger"
	"cryptosentinel/internal/market"
	"cryptosentinel/internal/metrics"
	"cryptosentinel/internal/normalize"
	"cryptosentinel/internal/notifier"
	"cryptosentinel/internal/protective"
	"cryptosentinel/internal/store"
)

// balanceTolerance is the quantity-vs-balance match window used to discard
// orders belonging to old, closed positions.
const balanceTolerance = 0.05

// UnprotectedPosition is one line of Sweep's report: a balance with no (or
// only partial) active protective coverage.
type UnprotectedPosition struct {
	Symbol          string
	Balance         decimal.Decimal
	HasSL           bool
	HasTP           bool
	SuggestedSL     string
	SuggestedTP     string
}

// OCOIntegrityIssue is one orphaned order or incomplete OCO group found by
// DetectOCOIntegrity.
type OCOIntegrityIssue struct {
	Kind   string // "orphaned_protective_order" | "incomplete_oco_group"
	Symbol string
	Detail string
}

// Report is Sweep's full output.
type Report struct {
	Unprotected  []UnprotectedPosition
	OCOIssues    []OCOIntegrityIssue
}

// Checker runs the protection sweep and serves its button callbacks.
type Checker struct {
	Client    exchangeclient.ExchangeClient
	Orders    *store.OrderStore
	Watchlist *store.WatchlistStore
	Market    *market.Cache
	Notifier  notifier.Notifier
	Signer    *notifier.Signer
	Interval  time.Duration

	// Protective serves the notification's "Create SL & TP"/"SL only"/
	// "TP only" button callbacks; nil disables the create actions.
	Protective *protective.Engine
}

// New builds a Checker with the default hourly interval.
func New(client exchangeclient.ExchangeClient, orders *store.OrderStore, watchlist *store.WatchlistStore, mkt *market.Cache, n notifier.Notifier, signer *notifier.Signer) *Checker {
	return &Checker{
		Client:    client,
		Orders:    orders,
		Watchlist: watchlist,
		Market:    mkt,
		Notifier:  n,
		Signer:    signer,
		Interval:  time.Hour,
	}
}

// Run drives the cooperative ticker loop until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := c.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if _, err := c.Sweep(ctx); err != nil {
				logger.Warnf("sltpchecker: sweep failed: %v", err)
				metrics.RecordExchangeSyncError("sltp_sweep")
			}
			metrics.RecordCycleDuration("sltpchecker", time.Since(start).Seconds())
		}
	}
}

// Sweep checks every non-stablecoin balance for active protection, builds
// the unprotected-position report, and runs the OCO integrity scan.
func (c *Checker) Sweep(ctx context.Context) (Report, error) {
	accounts, err := c.Client.GetAccountSummary(ctx)
	if err != nil {
		return Report{}, err
	}

	open, err := c.Client.ListOpenOrders(ctx)
	if err != nil {
		return Report{}, err
	}
	triggers, err := c.Client.ListTriggerOrders(ctx)
	if err != nil {
		return Report{}, err
	}
	allOrders := append(open, triggers...)

	var report Report
	for _, acc := range accounts {
		if isStableOrFiat(acc.Currency) || !acc.Balance.IsPositive() {
			continue
		}
		hasSL, hasTP := classifyProtection(allOrders, acc.Currency, acc.Balance)
		if hasSL && hasTP {
			continue
		}

		item, haveItem := c.watchlistFor(ctx, acc.Currency)

		up := UnprotectedPosition{Symbol: acc.Currency, Balance: acc.Balance, HasSL: hasSL, HasTP: hasTP}
		slPct, tpPct := protective.ResolvePercentages(item)
		if meta, err := c.Market.GetMetadata(ctx, acc.Currency+"_USDT"); err == nil {
			if ticker, err := c.Client.GetTicker(ctx, acc.Currency+"_USDT"); err == nil {
				one := decimal.NewFromInt(1)
				hundred := decimal.NewFromInt(100)
				sl := ticker.Last.Mul(one.Sub(slPct.Div(hundred)))
				tp := ticker.Last.Mul(one.Add(tpPct.Div(hundred)))
				up.SuggestedSL = normalize.NormalizePrice(meta, sl, normalize.RoleStopLoss)
				up.SuggestedTP = normalize.NormalizePrice(meta, tp, normalize.RoleTakeProfit)
			}
		}
		report.Unprotected = append(report.Unprotected, up)
		metrics.SetUncovered(acc.Currency, true)

		if haveItem && item.SkipSLTPReminder {
			continue // operator pressed "don't ask again"
		}
		c.notifyUnprotected(ctx, up)
	}

	report.OCOIssues = c.DetectOCOIntegrity(ctx)
	return report, nil
}

// classifyProtection classifies the live orders protecting base and
// discards any whose quantity doesn't match the current balance within
// tolerance.
func classifyProtection(orders []exchangeclient.RawOrder, base string, balance decimal.Decimal) (hasSL, hasTP bool) {
	tolerance := balance.Mul(decimal.NewFromFloat(balanceTolerance))
	lower := balance.Sub(tolerance)
	upper := balance.Add(tolerance)

	for _, o := range orders {
		if !market.SameBase(o.Symbol, base) {
			continue
		}
		if o.Side != "SELL" {
			continue
		}
		// Close-position trigger orders list with quantity zero; they cover
		// the whole balance, so only sized orders go through the tolerance
		// filter.
		if o.Quantity.IsPositive() && (o.Quantity.LessThan(lower) || o.Quantity.GreaterThan(upper)) {
			continue // belongs to an old, now-closed position
		}
		switch {
		case o.OrderType == "STOP_LIMIT":
			hasSL = true
		case o.OrderType == "TAKE_PROFIT_LIMIT":
			hasTP = true
		case o.OrderType == "LIMIT" && o.TriggerPrice.IsPositive():
			hasSL = true
		}
	}
	return hasSL, hasTP
}

func isStableOrFiat(currency string) bool {
	switch currency {
	case "USD", "USDT", "USDC", "BUSD", "DAI":
		return true
	default:
		return false
	}
}

func (c *Checker) notifyUnprotected(ctx context.Context, up UnprotectedPosition) {
	if c.Notifier == nil {
		return
	}
	text := fmt.Sprintf("%s has an unprotected position (balance %s): suggested SL %s / TP %s",
		up.Symbol, up.Balance.String(), up.SuggestedSL, up.SuggestedTP)
	buttons := []notifier.Button{
		{Label: "Create SL & TP", Action: ActionCreateSLTP},
		{Label: "SL only", Action: ActionCreateSL},
		{Label: "TP only", Action: ActionCreateTP},
		{Label: "Don't ask again", Action: ActionSkipReminder},
	}
	if err := c.Notifier.SendMessage(ctx, text, buttons, up.Symbol); err != nil {
		logger.Warnf("sltpchecker: notify failed for %s: %v", up.Symbol, err)
		metrics.RecordNotifierError()
	}
}

// Button actions embedded in the notification's signed callback ids.
const (
	ActionCreateSLTP   = "create_sl_tp"
	ActionCreateSL     = "create_sl"
	ActionCreateTP     = "create_tp"
	ActionSkipReminder = "skip_sl_tp"
)

// HandleCallback dispatches a verified button click from the alerting
// channel: "don't ask again" sets the watchlist's skip_sl_tp_reminder flag,
// the create actions place the asked protective legs for the live balance
// via ProtectiveOrderEngine's manual path.
func (c *Checker) HandleCallback(ctx context.Context, callbackID string) error {
	action, symbol, err := c.Signer.Verify(callbackID)
	if err != nil {
		return fmt.Errorf("verify callback: %w", err)
	}

	switch action {
	case ActionSkipReminder:
		for _, variant := range market.Variants(symbol) {
			if err := c.Watchlist.SetSkipSLTPReminder(ctx, variant, true); err != nil {
				return err
			}
		}
		return nil
	case ActionCreateSLTP:
		return c.createProtection(ctx, symbol, true, true)
	case ActionCreateSL:
		return c.createProtection(ctx, symbol, true, false)
	case ActionCreateTP:
		return c.createProtection(ctx, symbol, false, true)
	default:
		return fmt.Errorf("unknown callback action %q", action)
	}
}

func (c *Checker) createProtection(ctx context.Context, base string, wantSL, wantTP bool) error {
	if c.Protective == nil {
		return fmt.Errorf("protective engine not configured")
	}

	accounts, err := c.Client.GetAccountSummary(ctx)
	if err != nil {
		return err
	}
	acc, ok := exchangeclient.FindAccount(accounts, market.BaseOf(base))
	if !ok || !acc.Balance.IsPositive() {
		return fmt.Errorf("no balance for %s", base)
	}

	symbol := market.BaseOf(base) + "_USDT"
	ticker, err := c.Client.GetTicker(ctx, symbol)
	if err != nil {
		return err
	}

	item, _ := c.watchlistFor(ctx, base)
	res, err := c.Protective.CreateManual(ctx, symbol, item, acc.Balance, ticker.Last, wantSL, wantTP)
	if err != nil {
		return err
	}
	logger.Infof("sltpchecker: manual protection for %s: %s", symbol, res.Outcome)
	metrics.SetUncovered(market.BaseOf(base), false)
	return nil
}

// watchlistFor resolves the watchlist row for a base currency, trying both
// quote spellings.
func (c *Checker) watchlistFor(ctx context.Context, base string) (store.WatchlistItem, bool) {
	if c.Watchlist == nil {
		return store.WatchlistItem{}, false
	}
	for _, variant := range market.Variants(base) {
		if item, err := c.Watchlist.Get(ctx, variant); err == nil {
			return item, true
		}
	}
	return store.WatchlistItem{}, false
}

// DetectOCOIntegrity finds orphaned protective orders (missing parent/oco
// linkage) and incomplete OCO groups (only one of SL/TP role active) in
// OrderStore's persisted view. ExchangeSync keeps that view converged with
// the exchange, so a stale local "active" clears within two of its cycles.
func (c *Checker) DetectOCOIntegrity(ctx context.Context) []OCOIntegrityIssue {
	var issues []OCOIntegrityIssue

	active, err := c.Orders.FindAllByStatus(ctx, store.ActiveStatuses)
	if err != nil {
		logger.Warnf("sltpchecker: OCO integrity scan: %v", err)
		return nil
	}

	groups := make(map[string][]store.Order)
	for _, o := range active {
		if o.OrderRole == store.OrderRoleNone {
			continue
		}
		if o.ParentOrderID == "" || o.OCOGroupID == "" {
			issues = append(issues, OCOIntegrityIssue{
				Kind:   "orphaned_protective_order",
				Symbol: o.Symbol,
				Detail: fmt.Sprintf("order %s missing parent/oco linkage", o.ExchangeOrderID),
			})
			continue
		}
		groups[o.OCOGroupID] = append(groups[o.OCOGroupID], o)
	}

	for groupID, members := range groups {
		var hasSL, hasTP bool
		for _, m := range members {
			switch m.OrderRole {
			case store.OrderRoleStopLoss:
				hasSL = true
			case store.OrderRoleTakeProfit:
				hasTP = true
			}
		}
		if hasSL != hasTP {
			issues = append(issues, OCOIntegrityIssue{
				Kind:   "incomplete_oco_group",
				Symbol: members[0].Symbol,
				Detail: fmt.Sprintf("oco group %s has only one active leg", groupID),
			})
		}
	}

	if len(issues) > 0 && c.Notifier != nil {
		text := fmt.Sprintf("%d OCO integrity issue(s) detected", len(issues))
		if err := c.Notifier.SendMessage(ctx, text, nil, ""); err != nil {
			logger.Warnf("sltpchecker: OCO integrity notify failed: %v", err)
			metrics.RecordNotifierError()
		}
	}
	return issues
}
