package money

import (
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/fxledger/internal/domain"
)

// RatePlaces is the number of fractional digits kept on display rates.
const RatePlaces = 8

// ImpliedRate derives the informational exchange rate of a two-leg operation
// from the requested (pre-quantization) amounts. When one leg is in the pivot
// currency the rate is quoted as pivot units per unit of the other currency,
// otherwise as units of B per unit of A.
func ImpliedRate(a, b domain.Leg, pivot string) (decimal.Decimal, error) {
	num, den := b.Amount, a.Amount
	if pivot != "" {
		switch pivot {
		case a.Currency:
			num, den = a.Amount, b.Amount
		case b.Currency:
			num, den = b.Amount, a.Amount
		}
	}
	if !num.IsPositive() || !den.IsPositive() {
		return decimal.Zero, domain.ErrInvalidRate
	}
	rate := num.DivRound(den, RatePlaces)
	if !rate.IsPositive() {
		return decimal.Zero, domain.ErrInvalidRate
	}
	return rate, nil
}
