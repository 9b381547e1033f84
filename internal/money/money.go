// Package money normalizes currency amounts and quantities to a fixed
// precision before they are compared or persisted.
package money

import "github.com/shopspring/decimal"

const (
	CurrencyPlaces int32 = 2
	QuantityPlaces int32 = 4
)

// RoundCurrency rounds half away from zero to two fractional digits.
func RoundCurrency(d decimal.Decimal) decimal.Decimal {
	return d.Round(CurrencyPlaces)
}

// RoundQuantity keeps enough precision for fractional units such as liters.
func RoundQuantity(d decimal.Decimal) decimal.Decimal {
	return d.Round(QuantityPlaces)
}

// FromFloat converts a raw float coming from an untyped source.
// The result is not rounded.
func FromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func LineTotal(quantity decimal.Decimal, unitPrice decimal.Decimal) decimal.Decimal {
	return RoundCurrency(RoundQuantity(quantity).Mul(RoundCurrency(unitPrice)))
}

// Sum adds already normalized amounts and normalizes the result.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return RoundCurrency(total)
}

func MinQuantity(a decimal.Decimal, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return RoundQuantity(a)
	}
	return RoundQuantity(b)
}
