// Package num holds the fixed-point arithmetic used across the pricing and
// settlement paths. Token amounts are uint64 base units; rates and ratios are
// arbitrary-precision decimals. Every conversion between the two pins its
// rounding direction explicitly, because which way a sub-unit rounds decides
// who absorbs it.
package num

import (
	"github.com/shopspring/decimal"
)

// ratioPrecision is the scale used when deriving a ratio from two integer
// amounts. 18 fractional digits keeps sub-unit error far below one base unit
// for any realistic pool size.
const ratioPrecision = 18

// MulFloor returns floor(amount * rate) as a uint64.
func MulFloor(amount uint64, rate decimal.Decimal) uint64 {
	return decimal.NewFromUint64(amount).Mul(rate).Floor().BigInt().Uint64()
}

// MulCeil returns ceil(amount * rate) as a uint64.
func MulCeil(amount uint64, rate decimal.Decimal) uint64 {
	return decimal.NewFromUint64(amount).Mul(rate).Ceil().BigInt().Uint64()
}

// DivFloor returns floor(amount / rate) as a uint64. rate must be nonzero.
func DivFloor(amount uint64, rate decimal.Decimal) uint64 {
	return decimal.NewFromUint64(amount).DivRound(rate, ratioPrecision).Floor().BigInt().Uint64()
}

// DivCeil returns ceil(amount / rate) as a uint64. rate must be nonzero.
func DivCeil(amount uint64, rate decimal.Decimal) uint64 {
	return decimal.NewFromUint64(amount).DivRound(rate, ratioPrecision).Ceil().BigInt().Uint64()
}

// Ratio returns n/d at ratio precision. d must be nonzero.
func Ratio(n, d uint64) decimal.Decimal {
	return decimal.NewFromUint64(n).DivRound(decimal.NewFromUint64(d), ratioPrecision)
}

// SubSat returns a-b, clamped to zero on underflow.
func SubSat(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
