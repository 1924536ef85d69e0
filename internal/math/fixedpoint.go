package math

import (
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// RatioPrecision is the number of decimal places kept for stored ratios
// (allocation percentage, premium share, utilization, yield).
const RatioPrecision = 18

var bigIntPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBigInt() *big.Int {
	return bigIntPool.Get().(*big.Int)
}

func putBigInt(v *big.Int) {
	v.SetInt64(0)
	bigIntPool.Put(v)
}

// MulDivFloor returns floor(a*b/c) using a 128-bit intermediate so the
// product cannot overflow. a, b >= 0 and c > 0; callers keep b <= c so the
// result fits in int64.
func MulDivFloor(a, b, c int64) int64 {
	x, y := getBigInt(), getBigInt()
	product := getBigInt()
	defer putBigInt(x)
	defer putBigInt(y)
	defer putBigInt(product)

	product.Mul(x.SetInt64(a), y.SetInt64(b))
	product.Quo(product, y.SetInt64(c))
	return product.Int64()
}

// Ratio returns num/den truncated to RatioPrecision. A zero denominator
// yields zero.
func Ratio(num, den int64) decimal.Decimal {
	if den == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(num).DivRound(decimal.NewFromInt(den), RatioPrecision+1).Truncate(RatioPrecision)
}

// Annualize scales a rate observed over windowDays to a 365-day year.
func Annualize(rate decimal.Decimal, windowDays int) decimal.Decimal {
	if windowDays <= 0 {
		return decimal.Zero
	}
	return rate.Mul(decimal.NewFromInt(365)).DivRound(decimal.NewFromInt(int64(windowDays)), RatioPrecision+1).Truncate(RatioPrecision)
}

// SumInt64 adds values and reports false on overflow.
func SumInt64(values ...int64) (int64, bool) {
	var total int64
	for _, v := range values {
		next := total + v
		if (v > 0 && next < total) || (v < 0 && next > total) {
			return 0, false
		}
		total = next
	}
	return total, true
}
