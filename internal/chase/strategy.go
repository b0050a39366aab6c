// Package chase prices limit-order re-quotes. Every strategy is a pure
// function over a Context: same input, same price, no state between calls.
package chase

import (
	"fmt"
	"time"

	"scalpel/internal/market"
)

// Strategy selects one of the fixed pricing variants. Parsing happens when
// a profile is loaded, so an unknown name is caught at construction time
// rather than surfacing mid-chase.
type Strategy int

const (
	AggressiveLinear Strategy = iota
	TimeWeighted
	SpreadAdaptive
	ConservativeBounded
	DeltaWeighted
	HybridTimeDelta
)

var strategyNames = map[Strategy]string{
	AggressiveLinear:    "aggressive-linear",
	TimeWeighted:        "time-weighted",
	SpreadAdaptive:      "spread-adaptive",
	ConservativeBounded: "conservative-bounded",
	DeltaWeighted:       "delta-weighted",
	HybridTimeDelta:     "hybrid-time-delta",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s Strategy) MarshalText() ([]byte, error) {
	name, ok := strategyNames[s]
	if !ok {
		return nil, fmt.Errorf("chase: invalid strategy %d", int(s))
	}
	return []byte(name), nil
}

func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func ParseStrategy(name string) (Strategy, error) {
	for s, n := range strategyNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("chase: unknown strategy %q", name)
}

// StrategyNames lists every valid strategy name, in declaration order.
func StrategyNames() []string {
	out := make([]string, 0, len(strategyNames))
	for s := AggressiveLinear; s <= HybridTimeDelta; s++ {
		out = append(out, strategyNames[s])
	}
	return out
}

// Greeks carries option sensitivities; only delta steers chase pricing.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
}

// Context is one re-quote evaluation: current market, how many prices have
// been computed so far, and how long this chase has been running. Built
// fresh per tick, never mutated.
type Context struct {
	Snapshot     market.Snapshot
	Attempt      int
	Elapsed      time.Duration
	Symbol       string
	InitialPrice float64
	Greeks       *Greeks
}

// neutralDelta is assumed when no greeks are supplied.
const neutralDelta = 0.5

func (c Context) delta() float64 {
	if c.Greeks == nil {
		return neutralDelta
	}
	return c.Greeks.Delta
}

func (c Context) attempt() int64 {
	if c.Attempt < 1 {
		return 1
	}
	return int64(c.Attempt)
}
