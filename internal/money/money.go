// Package money centralizes decimal arithmetic for the control plane. Every
// price, quantity, and notional value that crosses a package boundary is a
// shopspring/decimal.Decimal; floats never participate in tick-size,
// min-quantity, or min-notional comparisons.
package money

import (
	"github.com/shopspring/decimal"
)

// Zero is decimal.Zero, re-exported so callers don't need a second import.
var Zero = decimal.Zero

// FromFloat converts an externally-sourced float64 (e.g. an exchange JSON
// field) into a Decimal. It exists at system boundaries only; internal code
// should never produce a float64 that later needs this.
func FromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// RoundDirection controls which way FloorToStep/RoundToStep move
// a value that doesn't land exactly on a step boundary.
type RoundDirection int

const (
	RoundNearest RoundDirection = iota
	RoundUp
	RoundDown
)

// RoundToStep rounds raw to the nearest multiple of step in the given
// direction. step must be strictly positive. RoundNearest ties up, the
// rule entry prices use.
func RoundToStep(raw, step decimal.Decimal, dir RoundDirection) decimal.Decimal {
	if step.IsZero() {
		return raw
	}
	quotient := raw.Div(step)
	switch dir {
	case RoundUp:
		return quotient.Ceil().Mul(step)
	case RoundDown:
		return quotient.Floor().Mul(step)
	default:
		return quotient.Round(0).Mul(step)
	}
}

// FloorToStep floors raw down to the nearest multiple of step.
func FloorToStep(raw, step decimal.Decimal) decimal.Decimal {
	return RoundToStep(raw, step, RoundDown)
}

// DecimalsForStep infers the number of fractional digits a step implies,
// e.g. step=0.001 -> 3. Used to format canonical decimal strings of the
// right width when the caller only has a step, not an explicit precision.
func DecimalsForStep(step decimal.Decimal) int32 {
	s := step.String()
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return int32(len(s) - i - 1)
		}
	}
	return 0
}

// StringFixed renders d with exactly places fractional digits, preserving
// trailing zeros (decimal.Decimal.StringFixed already does this; this
// wrapper exists so call sites read as money.StringFixed rather than
// reaching back into shopspring directly).
func StringFixed(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
