// Package normalize is the price/quantity normalizer: pure, deterministic
// rounding to exchange-valid values, exclusively in shopspring/decimal:
// no binary floats in the formatting step.
package normalize

import (
	"github.com/shopspring/decimal"

	"cryptosentinel/internal/market"
	"cryptosentinel/internal/money"
	"cryptosentinel/internal/xerrors"
)

// Role selects the rounding direction for NormalizePrice.
type Role int

const (
	RoleEntry Role = iota
	RoleStopLoss
	RoleTakeProfit
)

// NormalizePrice rounds raw to meta's price tick size. TAKE_PROFIT rounds
// up, STOP_LOSS rounds down, entries round to nearest with ties up.
func NormalizePrice(meta market.Metadata, raw decimal.Decimal, role Role) string {
	var rounded decimal.Decimal
	switch role {
	case RoleTakeProfit:
		rounded = money.RoundToStep(raw, meta.PriceTickSize, money.RoundUp)
	case RoleStopLoss:
		rounded = money.RoundToStep(raw, meta.PriceTickSize, money.RoundDown)
	default:
		rounded = money.RoundToStep(raw, meta.PriceTickSize, money.RoundNearest)
	}
	return money.StringFixed(rounded, meta.PriceDecimals)
}

// NormalizeQuantity floors raw to meta's quantity step, returning the
// canonical decimal string. Fails with ErrBelowMinQty if the floored
// quantity is below meta.MinQuantity, or ErrBelowMinNotional if
// normalized×refPrice is below meta.MinNotional.
func NormalizeQuantity(meta market.Metadata, raw, refPrice decimal.Decimal) (string, error) {
	floored := money.FloorToStep(raw, meta.QuantityStep)
	if floored.LessThan(meta.MinQuantity) {
		return "", xerrors.ErrBelowMinQty
	}
	notional := floored.Mul(refPrice)
	if notional.LessThan(meta.MinNotional) {
		return "", xerrors.ErrBelowMinNotional
	}
	return money.StringFixed(floored, meta.QuantityDecimals), nil
}

// TopUpSuggestion computes the quantity a caller would need to add to raw
// so the normalized result clears meta.MinQuantity:
// topup = ceil((minQuantity - normalized_qty) / step) * step.
func TopUpSuggestion(meta market.Metadata, raw decimal.Decimal) decimal.Decimal {
	floored := money.FloorToStep(raw, meta.QuantityStep)
	deficit := meta.MinQuantity.Sub(floored)
	if deficit.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	if meta.QuantityStep.IsZero() {
		return deficit
	}
	steps := deficit.Div(meta.QuantityStep).Ceil()
	return steps.Mul(meta.QuantityStep)
}
