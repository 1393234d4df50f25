// Package money converts between provider minor units and the fixed-point
// decimal amounts stored on transactions.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrNotRepresentable is returned when an amount has more fractional digits
// than the currency allows.
var ErrNotRepresentable = errors.New("money: amount not representable in currency minor units")

var zeroDecimal = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "JPY": {}, "KMF": {}, "KRW": {}, "MGA": {},
	"PYG": {}, "RWF": {}, "UGX": {}, "VND": {}, "VUV": {}, "XAF": {}, "XOF": {}, "XPF": {},
}

var threeDecimal = map[string]struct{}{
	"BHD": {}, "JOD": {}, "KWD": {}, "OMR": {}, "TND": {},
}

// NormalizeCurrency upper-cases and trims an ISO-4217 code.
func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// Exponent returns the number of minor-unit digits for the currency.
func Exponent(currency string) int32 {
	code := NormalizeCurrency(currency)
	if _, ok := zeroDecimal[code]; ok {
		return 0
	}
	if _, ok := threeDecimal[code]; ok {
		return 3
	}
	return 2
}

// FromMinor converts an integer amount of minor units into a decimal amount.
// 2999 EUR cents becomes 29.99 with no floating point involved.
func FromMinor(amount int64, currency string) decimal.Decimal {
	return decimal.New(amount, -Exponent(currency))
}

// ToMinor converts a decimal amount back to minor units.
func ToMinor(amount decimal.Decimal, currency string) (int64, error) {
	shifted := amount.Shift(Exponent(currency))
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s %s", ErrNotRepresentable, amount.String(), NormalizeCurrency(currency))
	}
	return shifted.IntPart(), nil
}

// ParseMajor parses a major-unit literal such as "10000.00" exactly.
func ParseMajor(value, currency string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, errors.New("money: empty amount")
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("money: parse %q: %w", trimmed, err)
	}
	if _, err := ToMinor(d, currency); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// Format renders the amount with exactly the currency's number of digits.
func Format(amount decimal.Decimal, currency string) string {
	return amount.StringFixed(Exponent(currency))
}
