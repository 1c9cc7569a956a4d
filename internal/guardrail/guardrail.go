// Package guardrail implements the entry-placement guardrails as one pure
// decision function with no I/O. Gates run in a fixed order; the first
// failure short-circuits evaluation.
package guardrail

import (
	"time"

	"github.com/shopspring/decimal"

	"cryptosentinel/internal/store"
)

// Mode is the entry mode a Decision suggests.
type Mode string

const (
	ModeSpot   Mode = "SPOT"
	ModeMargin Mode = "MARGIN"
)

// Signal is the trading signal SignalMonitor derived from the indicator
// feed for one symbol.
type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalWait Signal = "WAIT"
)

// Reason codes returned in Decision.Reason, one per gate plus the
// config/balance failure modes.
const (
	ReasonCreationLockHeld       = "creation_lock_held"
	ReasonRecentOrderCooldown    = "recent_order_cooldown"
	ReasonPerBaseExposureCap     = "per_base_exposure_cap"
	ReasonPriceChangeInsufficient = "price_change_insufficient"
	ReasonPortfolioValueCap      = "portfolio_value_cap"
	ReasonConfigMissingAmount    = "config_missing_amount"
	ReasonBalancePrecheckFailed  = "balance_precheck_failed"
	ReasonAllowed                = ""
)

// Snapshot is the point-in-time state the evaluator reads, gathered by the
// caller (SignalMonitor) from OrderStore/exchange/lock state before calling
// Evaluate; the evaluator itself performs no I/O.
type Snapshot struct {
	CreationLockHeld        bool
	RecentBuyWithinCooldown bool // a BUY for this symbol within the last 5 min
	OpenPositionsForBase    int
	TotalOpenPositions      int
	LastOrderPrice          decimal.Decimal // zero means "no prior order"
	PortfolioValueForSymbol decimal.Decimal
	AvailableUSD            decimal.Decimal
	MarginLocked609         bool
}

// Decision is GuardrailEvaluator's typed result.
type Decision struct {
	Allowed       bool
	Reason        string
	SuggestedMode Mode
}

// MaxOpenPerSymbol caps open positions per base currency.
const MaxOpenPerSymbol = 3

// MaxOpenGlobal is the global exposure cap; computed and reported, never
// enforced under the current ruleset.
const MaxOpenGlobal = 100

// RecentOrderCooldown is the minimum gap between BUY entries for a symbol.
const RecentOrderCooldown = 5 * time.Minute

// Evaluate runs every gate in order for a prospective BUY entry.
func Evaluate(item store.WatchlistItem, signal Signal, currentPrice decimal.Decimal, now time.Time, snap Snapshot) Decision {
	mode := ModeMargin
	if item.TradeOnMargin {
		mode = ModeMargin
	} else {
		mode = ModeSpot
	}
	if snap.MarginLocked609 {
		mode = ModeSpot
	}

	// An order-creation lock already held means another attempt is in flight.
	if snap.CreationLockHeld {
		return Decision{Allowed: false, Reason: ReasonCreationLockHeld, SuggestedMode: mode}
	}

	// Recent-order cooldown, resolved from OrderStore by the caller.
	if snap.RecentBuyWithinCooldown {
		return Decision{Allowed: false, Reason: ReasonRecentOrderCooldown, SuggestedMode: mode}
	}

	// Per-base exposure cap.
	if snap.OpenPositionsForBase >= MaxOpenPerSymbol {
		return Decision{Allowed: false, Reason: ReasonPerBaseExposureCap, SuggestedMode: mode}
	}

	// Global exposure cap: informational only, never blocks.
	_ = snap.TotalOpenPositions >= MaxOpenGlobal

	// Price-change requirement, applies even if the cooldown has expired.
	minChange := item.MinPriceChangePct
	if minChange.IsZero() {
		minChange = decimal.NewFromFloat(1.0)
	}
	if snap.LastOrderPrice.IsPositive() {
		diff := currentPrice.Sub(snap.LastOrderPrice).Abs()
		pctChange := diff.Div(snap.LastOrderPrice).Mul(decimal.NewFromInt(100))
		if pctChange.LessThan(minChange) {
			return Decision{Allowed: false, Reason: ReasonPriceChangeInsufficient, SuggestedMode: mode}
		}
	}

	// Portfolio-value cap.
	if item.TradeAmountUSD.IsPositive() {
		cap := item.TradeAmountUSD.Mul(decimal.NewFromInt(3))
		if snap.PortfolioValueForSymbol.GreaterThan(cap) {
			return Decision{Allowed: false, Reason: ReasonPortfolioValueCap, SuggestedMode: mode}
		}
	}

	// Configuration present.
	if !item.TradeAmountUSD.IsPositive() {
		return Decision{Allowed: false, Reason: ReasonConfigMissingAmount, SuggestedMode: mode}
	}

	// Balance pre-check, SPOT only (margin's cross-collateral check is the
	// exchange's job).
	if mode == ModeSpot {
		required := item.TradeAmountUSD.Mul(decimal.NewFromFloat(1.10))
		if snap.AvailableUSD.LessThan(required) {
			return Decision{Allowed: false, Reason: ReasonBalancePrecheckFailed, SuggestedMode: mode}
		}
	}

	return Decision{Allowed: true, Reason: ReasonAllowed, SuggestedMode: mode}
}

// ProtectiveSnapshot is the narrower state EvaluateProtective reads.
type ProtectiveSnapshot struct {
	CreationLockHeld     bool
	OpenPositionsForBase int
}

// EvaluateProtective is the SL/TP entry point: protective orders still
// respect the per-symbol creation lock and per-base exposure counting
// (they mutate the same OCO-group invariants) but bypass the cooldown,
// price-change, portfolio-value, config, and balance gates, since they
// protect existing positions rather than opening new exposure.
func EvaluateProtective(snap ProtectiveSnapshot) Decision {
	if snap.CreationLockHeld {
		return Decision{Allowed: false, Reason: ReasonCreationLockHeld}
	}
	if snap.OpenPositionsForBase >= MaxOpenPerSymbol {
		return Decision{Allowed: false, Reason: ReasonPerBaseExposureCap}
	}
	return Decision{Allowed: true}
}
