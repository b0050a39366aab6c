package chase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"scalpel/internal/market"
)

func snap(bid, ask float64) market.Snapshot {
	return market.Snapshot{
		Bid:       bid,
		Ask:       ask,
		Mid:       (bid + ask) / 2,
		Spread:    ask - bid,
		Timestamp: time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC),
	}
}

func TestAggressiveLinear(t *testing.T) {
	t.Run("SPX steps in nickels", func(t *testing.T) {
		ctx := Context{Snapshot: snap(5100.00, 5100.40), Attempt: 3, Symbol: "SPX"}
		assert.InDelta(t, 5100.15, ComputePrice(AggressiveLinear, ctx), 1e-9)
	})

	t.Run("equity steps in pennies", func(t *testing.T) {
		ctx := Context{Snapshot: snap(45.00, 45.10), Attempt: 2, Symbol: "AAPL"}
		assert.InDelta(t, 45.02, ComputePrice(AggressiveLinear, ctx), 1e-9)
	})

	t.Run("attempt below one is treated as first", func(t *testing.T) {
		ctx := Context{Snapshot: snap(100.00, 100.10), Attempt: 0, Symbol: "AAPL"}
		assert.InDelta(t, 100.01, ComputePrice(AggressiveLinear, ctx), 1e-9)
	})
}

func TestTimeWeighted(t *testing.T) {
	t.Run("half horizon uses half the gap", func(t *testing.T) {
		s := market.Snapshot{Bid: 450.00, Ask: 450.10, Mid: 450.20, Spread: 0.10}
		ctx := Context{Snapshot: s, Attempt: 1, Elapsed: 15 * time.Second, Symbol: "XSP"}
		assert.InDelta(t, 450.025, ComputePrice(TimeWeighted, ctx), 1e-9)
	})

	t.Run("weight clamps at horizon", func(t *testing.T) {
		s := snap(450.00, 450.10)
		early := Context{Snapshot: s, Elapsed: 0, Symbol: "XSP"}
		late := Context{Snapshot: s, Elapsed: 2 * time.Minute, Symbol: "XSP"}
		assert.InDelta(t, 450.00, ComputePrice(TimeWeighted, early), 1e-9)
		assert.InDelta(t, 450.05, ComputePrice(TimeWeighted, late), 1e-9)
	})

	t.Run("negative elapsed treated as zero", func(t *testing.T) {
		ctx := Context{Snapshot: snap(450.00, 450.10), Elapsed: -time.Second, Symbol: "XSP"}
		assert.InDelta(t, 450.00, ComputePrice(TimeWeighted, ctx), 1e-9)
	})

	t.Run("inverted mid never pulls below bid", func(t *testing.T) {
		s := market.Snapshot{Bid: 450.00, Ask: 450.10, Mid: 449.00, Spread: 0.10}
		ctx := Context{Snapshot: s, Elapsed: time.Minute, Symbol: "XSP"}
		assert.InDelta(t, 450.00, ComputePrice(TimeWeighted, ctx), 1e-9)
	})
}

func TestSpreadAdaptive(t *testing.T) {
	cases := []struct {
		name    string
		bid     float64
		ask     float64
		attempt int
		want    float64
	}{
		{"tight spread multiplier 1.0", 100.00, 100.08, 2, 100.02},
		{"medium spread multiplier 1.2", 100.00, 100.15, 2, 100.024},
		{"wide spread multiplier 1.5", 100.00, 100.30, 2, 100.03},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := Context{Snapshot: snap(tc.bid, tc.ask), Attempt: tc.attempt, Symbol: "AAPL"}
			assert.InDelta(t, tc.want, ComputePrice(SpreadAdaptive, ctx), 1e-9)
		})
	}
}

func TestConservativeBoundedNeverCrossesMid(t *testing.T) {
	t.Run("caps at mid", func(t *testing.T) {
		// aggressive would quote 5100.50, mid is 5100.10
		ctx := Context{Snapshot: snap(5100.00, 5100.20), Attempt: 10, Symbol: "SPX"}
		assert.InDelta(t, 5100.10, ComputePrice(ConservativeBounded, ctx), 1e-9)
	})

	t.Run("below mid passes through", func(t *testing.T) {
		ctx := Context{Snapshot: snap(5100.00, 5100.40), Attempt: 1, Symbol: "SPX"}
		assert.InDelta(t, 5100.05, ComputePrice(ConservativeBounded, ctx), 1e-9)
	})

	t.Run("property holds across attempts", func(t *testing.T) {
		s := snap(450.00, 450.30)
		for attempt := 1; attempt <= 50; attempt++ {
			ctx := Context{Snapshot: s, Attempt: attempt, Symbol: "XSP"}
			assert.LessOrEqual(t, ComputePrice(ConservativeBounded, ctx), s.Mid)
		}
	})
}

func TestDeltaWeighted(t *testing.T) {
	s := snap(5100.00, 5100.40)

	cases := []struct {
		name   string
		greeks *Greeks
		want   float64
	}{
		{"no greeks defaults to neutral weight", nil, 5100.10},
		{"neutral delta full step", &Greeks{Delta: 0.30}, 5100.10},
		{"mid delta three quarter step", &Greeks{Delta: 0.60}, 5100.075},
		{"deep delta half step", &Greeks{Delta: 0.80}, 5100.05},
		{"deep put delta half step", &Greeks{Delta: -0.80}, 5100.05},
		{"boundary 0.5 keeps full step", &Greeks{Delta: 0.5}, 5100.10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := Context{Snapshot: s, Attempt: 2, Symbol: "SPX", Greeks: tc.greeks}
			assert.InDelta(t, tc.want, ComputePrice(DeltaWeighted, ctx), 1e-9)
		})
	}
}

func TestHybridTimeDelta(t *testing.T) {
	t.Run("scales step by delta and age", func(t *testing.T) {
		// step 0.05, delta weight 0.5, (1+0.5) at 15s, attempt 2:
		// 5100 + 0.05*0.5*1.5*2 = 5100.075
		ctx := Context{
			Snapshot: snap(5100.00, 5100.40),
			Attempt:  2,
			Elapsed:  15 * time.Second,
			Symbol:   "SPX",
			Greeks:   &Greeks{Delta: 0.8},
		}
		assert.InDelta(t, 5100.075, ComputePrice(HybridTimeDelta, ctx), 1e-9)
	})

	t.Run("never exceeds mid", func(t *testing.T) {
		s := snap(450.00, 450.20)
		for attempt := 1; attempt <= 30; attempt++ {
			ctx := Context{
				Snapshot: s,
				Attempt:  attempt,
				Elapsed:  time.Minute,
				Symbol:   "XSP",
			}
			assert.LessOrEqual(t, ComputePrice(HybridTimeDelta, ctx), s.Mid)
		}
	})
}

func TestComputePriceIsDeterministic(t *testing.T) {
	ctx := Context{
		Snapshot: snap(450.00, 450.30),
		Attempt:  4,
		Elapsed:  12345 * time.Millisecond,
		Symbol:   "SPX",
		Greeks:   &Greeks{Delta: 0.65},
	}
	for s := AggressiveLinear; s <= HybridTimeDelta; s++ {
		first := ComputePrice(s, ctx)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, ComputePrice(s, ctx), "strategy %s", s)
		}
	}
}

func TestValidatePrice(t *testing.T) {
	t.Run("clamps above ceiling", func(t *testing.T) {
		price, clamped := ValidatePrice(5101.00, 5100.00, 0.50)
		assert.True(t, clamped)
		assert.InDelta(t, 5100.50, price, 1e-9)
	})

	t.Run("passes below ceiling", func(t *testing.T) {
		price, clamped := ValidatePrice(5100.30, 5100.00, 0.50)
		assert.False(t, clamped)
		assert.InDelta(t, 5100.30, price, 1e-9)
	})

	t.Run("ceiling property holds for arbitrary inputs", func(t *testing.T) {
		for _, p := range []float64{0, 1, 449.99, 450.0, 450.5, 1e6} {
			price, _ := ValidatePrice(p, 450.0, 0.25)
			assert.LessOrEqual(t, price, 450.25)
		}
	})

	t.Run("negative slippage budget collapses to initial", func(t *testing.T) {
		price, clamped := ValidatePrice(450.50, 450.0, -1)
		assert.True(t, clamped)
		assert.InDelta(t, 450.0, price, 1e-9)
	})
}

func TestSlippage(t *testing.T) {
	assert.InDelta(t, 0.15, Slippage(5100.00, 5100.15), 1e-9)
	assert.Zero(t, Slippage(5100.00, 5100.00))
	assert.Zero(t, Slippage(5100.00, 5099.00))
}
