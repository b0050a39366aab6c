package chase

import (
	"math"

	"github.com/shopspring/decimal"
)

var (
	decZero = decimal.Zero
	decOne  = decimal.NewFromInt(1)
	decHalf = decimal.NewFromFloat(0.5)
)

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decZero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

func decMin(a, b decimal.Decimal) decimal.Decimal {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

func clamp01(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decZero
	}
	if v.Cmp(decOne) > 0 {
		return decOne
	}
	return v
}
