package market

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/markcheno/go-talib"
)

var (
	// ErrNoQuote means no tick has been seen for the symbol yet.
	ErrNoQuote = errors.New("market: no quote for symbol")
	// ErrStaleData means the newest tick is older than the freshness window.
	ErrStaleData = errors.New("market: quote outside freshness window")
)

const defaultVolWindow = 120

// QuoteStore keeps the newest tick per symbol plus a short mid-price window
// used for the realized volatility gauge. Reads are concurrent; chase ticks
// pull snapshots from here and skip symbols whose data has gone stale.
type QuoteStore struct {
	mu        sync.RWMutex
	latest    map[string]Tick
	mids      map[string][]float64
	volWindow int
	freshness time.Duration

	nowFn func() time.Time
}

func NewQuoteStore(freshness time.Duration) *QuoteStore {
	if freshness <= 0 {
		freshness = 5 * time.Second
	}
	return &QuoteStore{
		latest:    make(map[string]Tick),
		mids:      make(map[string][]float64),
		volWindow: defaultVolWindow,
		freshness: freshness,
		nowFn:     time.Now,
	}
}

func (s *QuoteStore) Update(t Tick) {
	if !t.Valid() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.latest[t.Symbol]; ok && t.Timestamp.Before(prev.Timestamp) {
		return
	}
	s.latest[t.Symbol] = t

	mid := t.Snapshot().Mid
	window := append(s.mids[t.Symbol], mid)
	if len(window) > s.volWindow {
		window = window[len(window)-s.volWindow:]
	}
	s.mids[t.Symbol] = window
}

// Latest returns the newest tick regardless of age.
func (s *QuoteStore) Latest(symbol string) (Tick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.latest[symbol]
	return t, ok
}

// Snapshot returns the chase-engine view of the newest tick, or an error
// when the symbol is unknown or its data is older than the freshness window.
func (s *QuoteStore) Snapshot(symbol string) (Snapshot, error) {
	s.mu.RLock()
	t, ok := s.latest[symbol]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{}, ErrNoQuote
	}
	if s.nowFn().Sub(t.Timestamp) > s.freshness {
		return Snapshot{}, ErrStaleData
	}
	return t.Snapshot(), nil
}

// RealizedVol is the standard deviation of log returns over the stored mid
// window. Returns 0 until enough ticks have accumulated.
func (s *QuoteStore) RealizedVol(symbol string) float64 {
	s.mu.RLock()
	window := s.mids[symbol]
	s.mu.RUnlock()
	if len(window) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(window)-1)
	for i := 1; i < len(window); i++ {
		if window[i-1] <= 0 || window[i] <= 0 {
			continue
		}
		returns = append(returns, math.Log(window[i]/window[i-1]))
	}
	if len(returns) < 2 {
		return 0
	}
	series := talib.StdDev(returns, len(returns), 1.0)
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}

func (s *QuoteStore) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.latest))
	for sym := range s.latest {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Freshness reports the configured staleness window.
func (s *QuoteStore) Freshness() time.Duration {
	return s.freshness
}
