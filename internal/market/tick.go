// Package market carries quote data from feed adapters to the execution
// core: raw ticks, per-tick snapshots and the in-memory quote store.
package market

import (
	"time"
)

// Tick is one quote update for an underlying. Bid/Ask may be zero when the
// feed only publishes trades; Last is always set.
type Tick struct {
	Symbol    string    `json:"symbol"`
	Last      float64   `json:"last"`
	Bid       float64   `json:"bid,omitempty"`
	Ask       float64   `json:"ask,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is the immutable per-tick view the chase engine consumes.
// Mid is (bid+ask)/2 when both sides are present, otherwise the last trade.
type Snapshot struct {
	Mid       float64   `json:"mid"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Spread    float64   `json:"spread"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot derives the chase-engine view of a tick. One-sided or trade-only
// ticks collapse to a zero-spread snapshot around the last price.
func (t Tick) Snapshot() Snapshot {
	if t.Bid > 0 && t.Ask > 0 && t.Ask >= t.Bid {
		return Snapshot{
			Mid:       (t.Bid + t.Ask) / 2,
			Bid:       t.Bid,
			Ask:       t.Ask,
			Spread:    t.Ask - t.Bid,
			Timestamp: t.Timestamp,
		}
	}
	return Snapshot{
		Mid:       t.Last,
		Bid:       t.Last,
		Ask:       t.Last,
		Spread:    0,
		Timestamp: t.Timestamp,
	}
}

func (t Tick) Valid() bool {
	if t.Symbol == "" || t.Timestamp.IsZero() {
		return false
	}
	if t.Last <= 0 && (t.Bid <= 0 || t.Ask <= 0) {
		return false
	}
	return true
}
