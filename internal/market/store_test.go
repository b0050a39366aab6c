package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(freshness time.Duration, now time.Time) *QuoteStore {
	s := NewQuoteStore(freshness)
	s.nowFn = func() time.Time { return now }
	return s
}

func TestSnapshotFreshness(t *testing.T) {
	now := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	s := newTestStore(2*time.Second, now)

	t.Run("unknown symbol", func(t *testing.T) {
		_, err := s.Snapshot("SPX")
		assert.ErrorIs(t, err, ErrNoQuote)
	})

	t.Run("fresh tick passes", func(t *testing.T) {
		s.Update(Tick{Symbol: "SPX", Bid: 5100.0, Ask: 5100.2, Last: 5100.1, Timestamp: now.Add(-time.Second)})
		snap, err := s.Snapshot("SPX")
		require.NoError(t, err)
		assert.InDelta(t, 5100.1, snap.Mid, 1e-9)
	})

	t.Run("old tick is stale", func(t *testing.T) {
		s.Update(Tick{Symbol: "NDX", Last: 18000, Timestamp: now.Add(-3 * time.Second)})
		_, err := s.Snapshot("NDX")
		assert.ErrorIs(t, err, ErrStaleData)
	})
}

func TestUpdateIgnoresRegressions(t *testing.T) {
	now := time.Now()
	s := NewQuoteStore(time.Minute)

	s.Update(Tick{Symbol: "SPX", Last: 5101, Timestamp: now})
	s.Update(Tick{Symbol: "SPX", Last: 5099, Timestamp: now.Add(-time.Second)})

	tick, ok := s.Latest("SPX")
	require.True(t, ok)
	assert.InDelta(t, 5101.0, tick.Last, 1e-9)
}

func TestUpdateDropsInvalidTicks(t *testing.T) {
	s := NewQuoteStore(time.Minute)
	s.Update(Tick{Symbol: "", Last: 1, Timestamp: time.Now()})
	s.Update(Tick{Symbol: "SPX", Last: 0})
	assert.Empty(t, s.Symbols())
}

func TestRealizedVol(t *testing.T) {
	s := NewQuoteStore(time.Minute)
	now := time.Now()

	t.Run("needs a window", func(t *testing.T) {
		assert.Zero(t, s.RealizedVol("SPX"))
	})

	t.Run("flat series has zero vol", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			s.Update(Tick{Symbol: "XSP", Last: 450, Timestamp: now.Add(time.Duration(i) * time.Second)})
		}
		assert.InDelta(t, 0, s.RealizedVol("XSP"), 1e-12)
	})

	t.Run("moving series has positive vol", func(t *testing.T) {
		price := 5100.0
		for i := 0; i < 20; i++ {
			if i%2 == 0 {
				price *= 1.001
			} else {
				price *= 0.999
			}
			s.Update(Tick{Symbol: "SPX", Last: price, Timestamp: now.Add(time.Duration(i) * time.Second)})
		}
		assert.Greater(t, s.RealizedVol("SPX"), 0.0)
	})
}

func TestSymbolsSorted(t *testing.T) {
	s := NewQuoteStore(time.Minute)
	now := time.Now()
	for _, sym := range []string{"XSP", "NDX", "SPX"} {
		s.Update(Tick{Symbol: sym, Last: 1, Timestamp: now})
	}
	assert.Equal(t, []string{"NDX", "SPX", "XSP"}, s.Symbols())
}
