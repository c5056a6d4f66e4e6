// Package money holds the pure arithmetic the ledger relies on: quantizing
// amounts to an account's precision, validating currency codes and deriving
// display rates.
package money

import (
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/fxledger/internal/domain"
)

const (
	MinPrecision = 0
	MaxPrecision = 8

	// DefaultPrecision is used when a stored account carries no precision.
	DefaultPrecision = 2
)

// Quantize rounds value to the closest multiple of 10^-precision. Ties round
// away from zero.
func Quantize(value decimal.Decimal, precision int32) decimal.Decimal {
	return value.Round(precision)
}

// IsQuantized reports whether value is an exact multiple of 10^-precision.
func IsQuantized(value decimal.Decimal, precision int32) bool {
	return value.Equal(value.Round(precision))
}

// ValidatePrecision rejects precisions outside [MinPrecision, MaxPrecision].
func ValidatePrecision(precision int32) error {
	if precision < MinPrecision || precision > MaxPrecision {
		return domain.ErrInvalidPrecision
	}
	return nil
}

// Format renders value with exactly precision fractional digits.
func Format(value decimal.Decimal, precision int32) string {
	return Quantize(value, precision).StringFixed(precision)
}
