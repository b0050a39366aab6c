package market

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"scalpel/internal/pkg/symbol"
)

// SyntheticConfig drives the random-walk quote generator used for paper
// sessions and soak runs without a live feed.
type SyntheticConfig struct {
	Interval    time.Duration      // tick cadence, default 250ms
	Drift       float64            // per-tick log drift
	Volatility  float64            // per-tick log stddev, default 0.0004
	SpreadTicks int                // quoted spread in underlying ticks, default 2
	Seed        int64              // 0 seeds from wall clock
	StartPrices map[string]float64 // per-symbol starting mid, default 100
}

func (c *SyntheticConfig) withDefaults() SyntheticConfig {
	out := *c
	if out.Interval <= 0 {
		out.Interval = 250 * time.Millisecond
	}
	if out.Volatility <= 0 {
		out.Volatility = 0.0004
	}
	if out.SpreadTicks <= 0 {
		out.SpreadTicks = 2
	}
	if out.Seed == 0 {
		out.Seed = time.Now().UnixNano()
	}
	return out
}

// Synthetic is a market.Source producing a geometric random walk per symbol.
type Synthetic struct {
	cfg SyntheticConfig

	mu     sync.Mutex
	cancel context.CancelFunc

	statsMu sync.Mutex
	stats   SourceStats
}

func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	return &Synthetic{cfg: cfg.withDefaults()}
}

func (s *Synthetic) Subscribe(ctx context.Context, symbols []string, opts SubscribeOptions) (<-chan Tick, error) {
	symbols = symbol.NormalizeList(symbols)
	if len(symbols) == 0 {
		return nil, fmt.Errorf("no valid symbols for synthetic subscription")
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 512
	}
	out := make(chan Tick, buffer)
	subCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		defer close(out)
		s.run(subCtx, symbols, out, opts)
	}()
	return out, nil
}

func (s *Synthetic) run(ctx context.Context, symbols []string, out chan<- Tick, opts SubscribeOptions) {
	rnd := rand.New(rand.NewSource(s.cfg.Seed))
	mids := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		start := s.cfg.StartPrices[sym]
		if start <= 0 {
			start = 100
		}
		mids[sym] = start
	}

	if opts.OnConnect != nil {
		opts.OnConnect()
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if opts.OnDisconnect != nil {
				opts.OnDisconnect(nil)
			}
			return
		case now := <-ticker.C:
			for _, sym := range symbols {
				mid := mids[sym] * math.Exp(s.cfg.Drift+s.cfg.Volatility*rnd.NormFloat64())
				mids[sym] = mid
				tick := s.quoteAround(sym, mid, now)
				select {
				case out <- tick:
				default:
					// drop on backpressure, next tick supersedes anyway
				}
			}
		}
	}
}

// quoteAround builds a two-sided quote on the symbol's tick grid.
func (s *Synthetic) quoteAround(sym string, mid float64, now time.Time) Tick {
	grid := symbol.Tick(sym)
	half := float64(s.cfg.SpreadTicks) * grid / 2
	bid := math.Floor((mid-half)/grid) * grid
	ask := math.Ceil((mid+half)/grid) * grid
	if bid <= 0 {
		bid = grid
	}
	if ask <= bid {
		ask = bid + grid
	}
	return Tick{
		Symbol:    sym,
		Last:      mid,
		Bid:       bid,
		Ask:       ask,
		Timestamp: now,
	}
}

func (s *Synthetic) Stats() SourceStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *Synthetic) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return nil
}
