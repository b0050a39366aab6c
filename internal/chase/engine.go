package chase

import (
	"time"

	"github.com/shopspring/decimal"

	"scalpel/internal/pkg/symbol"
)

// horizon is the ramp length for time-weighted variants: a chase is treated
// as fully aged 30 seconds in.
const horizon = 30 * time.Second

// ComputePrice runs the strategy over the context and returns the next
// limit price. Total over its input domain: bad optional fields degrade to
// neutral defaults instead of erroring.
func ComputePrice(s Strategy, ctx Context) float64 {
	switch s {
	case AggressiveLinear:
		return decToFloat(aggressiveLinear(ctx))
	case TimeWeighted:
		return decToFloat(timeWeighted(ctx))
	case SpreadAdaptive:
		return decToFloat(spreadAdaptive(ctx))
	case ConservativeBounded:
		return decToFloat(conservativeBounded(ctx))
	case DeltaWeighted:
		return decToFloat(deltaWeighted(ctx))
	case HybridTimeDelta:
		return decToFloat(hybridTimeDelta(ctx))
	default:
		return decToFloat(aggressiveLinear(ctx))
	}
}

// ValidatePrice clamps a computed price to the slippage ceiling
// initial + maxSlippage. The bool reports whether clamping occurred; the
// caller logs it, the trade is bounded rather than blocked.
func ValidatePrice(computed, initialPrice, maxSlippage float64) (float64, bool) {
	if maxSlippage < 0 {
		maxSlippage = 0
	}
	ceiling := decFromFloat(initialPrice).Add(decFromFloat(maxSlippage))
	price := decFromFloat(computed)
	if price.Cmp(ceiling) > 0 {
		return decToFloat(ceiling), true
	}
	return decToFloat(price), false
}

// Slippage is the reporting helper max(0, final-initial).
func Slippage(initialPrice, finalPrice float64) float64 {
	diff := decFromFloat(finalPrice).Sub(decFromFloat(initialPrice))
	if diff.IsNegative() {
		return 0
	}
	return decToFloat(diff)
}

// step returns the underlying's quote increment as a decimal.
func step(ctx Context) decimal.Decimal {
	return decFromFloat(symbol.Tick(ctx.Symbol))
}

func timeWeight(elapsed time.Duration) decimal.Decimal {
	if elapsed < 0 {
		elapsed = 0
	}
	ratio := decimal.NewFromInt(elapsed.Milliseconds()).
		Div(decimal.NewFromInt(horizon.Milliseconds()))
	return clamp01(ratio)
}

// bid + step*attempt
func aggressiveLinear(ctx Context) decimal.Decimal {
	bid := decFromFloat(ctx.Snapshot.Bid)
	return bid.Add(step(ctx).Mul(decimal.NewFromInt(ctx.attempt())))
}

// bid + min(spread/2, mid-bid) * timeWeight
func timeWeighted(ctx Context) decimal.Decimal {
	bid := decFromFloat(ctx.Snapshot.Bid)
	mid := decFromFloat(ctx.Snapshot.Mid)
	spread := decFromFloat(ctx.Snapshot.Spread)

	adjustment := decMin(spread.Mul(decHalf), mid.Sub(bid))
	if adjustment.IsNegative() {
		adjustment = decZero
	}
	return bid.Add(adjustment.Mul(timeWeight(ctx.Elapsed)))
}

// bid + step*mult*attempt, mult widening with the spread
func spreadAdaptive(ctx Context) decimal.Decimal {
	spread := ctx.Snapshot.Spread
	mult := decOne
	switch {
	case spread > 0.25:
		mult = decimal.NewFromFloat(1.5)
	case spread > 0.10:
		mult = decimal.NewFromFloat(1.2)
	}
	bid := decFromFloat(ctx.Snapshot.Bid)
	return bid.Add(step(ctx).Mul(mult).Mul(decimal.NewFromInt(ctx.attempt())))
}

// aggressive-linear capped at mid
func conservativeBounded(ctx Context) decimal.Decimal {
	return decMin(aggressiveLinear(ctx), decFromFloat(ctx.Snapshot.Mid))
}

func deltaWeightFor(delta float64) decimal.Decimal {
	abs := delta
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs > 0.7:
		return decHalf
	case abs > 0.5:
		return decimal.NewFromFloat(0.75)
	default:
		return decOne
	}
}

// bid + step*deltaWeight*attempt; deep contracts step gently
func deltaWeighted(ctx Context) decimal.Decimal {
	bid := decFromFloat(ctx.Snapshot.Bid)
	scaled := step(ctx).Mul(deltaWeightFor(ctx.delta()))
	return bid.Add(scaled.Mul(decimal.NewFromInt(ctx.attempt())))
}

// bid + step*deltaWeight*(1+timeWeight)*attempt, capped at mid
func hybridTimeDelta(ctx Context) decimal.Decimal {
	bid := decFromFloat(ctx.Snapshot.Bid)
	scaled := step(ctx).
		Mul(deltaWeightFor(ctx.delta())).
		Mul(decOne.Add(timeWeight(ctx.Elapsed)))
	price := bid.Add(scaled.Mul(decimal.NewFromInt(ctx.attempt())))
	return decMin(price, decFromFloat(ctx.Snapshot.Mid))
}
