// Package alertthrottle decides whether to send an alert for (symbol,
// side, price) given prior alert state and trade-enabled status. State is
// strictly write-before-send: the caller must hold the 2s per-(symbol,side)
// send-lock across both the ShouldSend decision and the Commit write.
package alertthrottle

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Side names which direction an alert state tracks.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type alertState struct {
	symbol         string
	lastAlertTime  time.Time
	lastAlertPrice decimal.Decimal
	lastSide       Side
}

// Throttler holds in-memory per-(symbol,side) alert state.
type Throttler struct {
	mu     sync.Mutex
	states map[string]alertState

	cooldown time.Duration
}

// New builds a Throttler with the given same-side cooldown (spec default
// 5 minutes, internal/config.ALERT_COOLDOWN_MINUTES).
func New(cooldown time.Duration) *Throttler {
	return &Throttler{states: make(map[string]alertState), cooldown: cooldown}
}

func key(symbol string, side Side) string { return symbol + ":" + string(side) }

func opposite(side Side) Side {
	if side == SideBuy {
		return SideSell
	}
	return SideBuy
}

// ShouldSend decides whether symbol/side should fire an alert at
// currentPrice. It does not mutate state; call Commit after a positive
// decision, while still holding the caller's send-lock.
func (t *Throttler) ShouldSend(symbol string, side Side, currentPrice decimal.Decimal, tradeEnabled bool, minPriceChangePct decimal.Decimal) (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[key(symbol, side)]
	if oppSt, oppOk := t.states[key(symbol, opposite(side))]; oppOk && (!ok || oppSt.lastAlertTime.After(st.lastAlertTime)) {
		return true, "direction_change"
	}
	if !ok {
		return true, "first_alert"
	}

	priceChanged := false
	if st.lastAlertPrice.IsPositive() {
		diff := currentPrice.Sub(st.lastAlertPrice).Abs()
		pct := diff.Div(st.lastAlertPrice).Mul(decimal.NewFromInt(100))
		priceChanged = pct.GreaterThanOrEqual(minPriceChangePct)
	} else {
		priceChanged = true
	}

	if !tradeEnabled {
		if priceChanged {
			return true, "price_change"
		}
		return false, "price_change_insufficient"
	}

	cooldownElapsed := time.Since(st.lastAlertTime) >= t.cooldown
	if cooldownElapsed || priceChanged {
		if cooldownElapsed {
			return true, "cooldown_elapsed"
		}
		return true, "price_change"
	}
	return false, "cooldown_and_price_change_insufficient"
}

// Commit records symbol/side's alert state. Must be called, under the same
// send-lock as ShouldSend, before the outbound notifier call so a faulting
// send never causes a re-send on the next tick.
func (t *Throttler) Commit(symbol string, side Side, price decimal.Decimal, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[key(symbol, side)] = alertState{symbol: symbol, lastAlertTime: at, lastAlertPrice: price, lastSide: side}
}

// ActiveAlert is one symbol's current cooldown window, read-only.
type ActiveAlert struct {
	Symbol         string
	Side           Side
	LastAlertTime  time.Time
	LastAlertPrice decimal.Decimal
	CooldownUntil  time.Time
}

// ActiveStates returns every symbol still inside its alert cooldown window,
// for the read-model's GET /v1/alerts/active.
func (t *Throttler) ActiveStates() []ActiveAlert {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []ActiveAlert
	for _, st := range t.states {
		until := st.lastAlertTime.Add(t.cooldown)
		if time.Now().After(until) {
			continue
		}
		out = append(out, ActiveAlert{
			Symbol:         st.symbol,
			Side:           st.lastSide,
			LastAlertTime:  st.lastAlertTime,
			LastAlertPrice: st.lastAlertPrice,
			CooldownUntil:  until,
		})
	}
	return out
}
