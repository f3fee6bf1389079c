package helpers

import (
	"github.com/shopspring/decimal"
)

// ToSatoshi converts a fractional amount to smallest units, flooring any
// digits beyond precision. Negative amounts clamp to zero.
func ToSatoshi(fractional decimal.Decimal, precision int32) uint64 {
	if fractional.IsNegative() {
		return 0
	}
	return uint64(fractional.Shift(precision).Floor().IntPart())
}

// FromSatoshi converts smallest units to a fractional amount.
func FromSatoshi(amount uint64, precision int32) decimal.Decimal {
	return decimal.NewFromInt(int64(amount)).Shift(-precision)
}
