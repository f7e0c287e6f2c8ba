// Package money converts between major currency units used inside the
// service and the minor units exchanged with payment providers.
package money

import "github.com/shopspring/decimal"

// minorExponent is the number of decimal places in one major unit (øre, cents).
const minorExponent = 2

// ToMinor converts a major-unit amount to minor units, rounding half away
// from zero to the nearest minor unit.
func ToMinor(amount decimal.Decimal) int64 {
	return amount.Shift(minorExponent).Round(0).IntPart()
}

// FromMinor converts a minor-unit amount to major units.
func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -minorExponent)
}

// Format renders a major-unit amount with two decimals and the currency code,
// e.g. "500.00 NOK".
func Format(amount decimal.Decimal, currency string) string {
	return amount.StringFixed(minorExponent) + " " + currency
}
