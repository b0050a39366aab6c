// Package binance adapts the public Binance book-ticker stream into a
// market.Source. It needs no credentials; prices are remapped onto internal
// underlyings so soak runs see realistic two-sided quote dynamics.
package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"scalpel/internal/logger"
	"scalpel/internal/market"
	symbolpkg "scalpel/internal/pkg/symbol"

	"github.com/adshao/go-binance/v2/futures"
)

type Source struct {
	cfg Config

	mu     sync.Mutex
	cancel context.CancelFunc

	statsMu sync.Mutex
	stats   market.SourceStats
}

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	if len(final.SymbolMap) == 0 {
		return nil, fmt.Errorf("binance source requires a symbol map")
	}
	if final.ProxyEnabled && final.WSProxyURL != "" {
		futures.SetWsProxyUrl(final.WSProxyURL)
	}
	return &Source{cfg: final}, nil
}

func (s *Source) Subscribe(ctx context.Context, symbols []string, opts market.SubscribeOptions) (<-chan market.Tick, error) {
	// venue symbol -> internal symbol, restricted to the requested set
	reverse := make(map[string]string)
	venueSymbols := make([]string, 0, len(symbols))
	for _, sym := range symbolpkg.NormalizeList(symbols) {
		venue, ok := s.cfg.SymbolMap[sym]
		if !ok {
			logger.Warnf("[binance] no venue mapping for %s, skip", sym)
			continue
		}
		reverse[venue] = sym
		venueSymbols = append(venueSymbols, venue)
	}
	if len(venueSymbols) == 0 {
		return nil, fmt.Errorf("no mapped symbols for binance subscription")
	}

	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 1024
	}
	out := make(chan market.Tick, buffer)
	subCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		defer close(out)
		s.runBookTickerLoop(subCtx, venueSymbols, reverse, out, opts)
	}()
	return out, nil
}

func (s *Source) runBookTickerLoop(ctx context.Context, venueSymbols []string, reverse map[string]string, out chan<- market.Tick, opts market.SubscribeOptions) {
	delay := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		var errMu sync.Mutex
		var lastErr error
		handler := func(event *futures.WsBookTickerEvent) {
			tick, ok := convertBookTickerEvent(event)
			if !ok {
				return
			}
			internal, ok := reverse[tick.Symbol]
			if !ok {
				return
			}
			tick.Symbol = internal

			select {
			case <-ctx.Done():
				return
			case out <- tick:
			default:
				logger.Warnf("[binance] tick channel full, drop %s", tick.Symbol)
			}
		}
		errHandler := func(err error) {
			if err == nil {
				return
			}
			errMu.Lock()
			lastErr = err
			errMu.Unlock()
		}
		doneC, stopC, err := futures.WsCombinedBookTickerServe(venueSymbols, handler, errHandler)
		if err != nil {
			s.recordSubscribeError(err)
			if opts.OnDisconnect != nil {
				opts.OnDisconnect(err)
			}
			if !sleepWithContext(ctx, delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}
		delay = time.Second
		if opts.OnConnect != nil {
			opts.OnConnect()
		}
		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC
			return
		case <-doneC:
		}
		close(stopC)
		errMu.Lock()
		errCopy := lastErr
		errMu.Unlock()
		s.recordReconnect(errCopy)
		if opts.OnDisconnect != nil {
			opts.OnDisconnect(errCopy)
		}
		if !sleepWithContext(ctx, delay) {
			return
		}
		delay = nextDelay(delay)
	}
}

func (s *Source) Stats() market.SourceStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return nil
}

func convertBookTickerEvent(ev *futures.WsBookTickerEvent) (market.Tick, bool) {
	if ev == nil {
		return market.Tick{}, false
	}
	bid := parseFloat(ev.BestBidPrice)
	ask := parseFloat(ev.BestAskPrice)
	if bid <= 0 || ask <= 0 || ask < bid {
		return market.Tick{}, false
	}
	sym := strings.ToUpper(strings.TrimSpace(ev.Symbol))
	if sym == "" {
		return market.Tick{}, false
	}
	ts := time.Now()
	if ev.Time > 0 {
		ts = time.UnixMilli(ev.Time)
	}
	return market.Tick{
		Symbol:    sym,
		Last:      (bid + ask) / 2,
		Bid:       bid,
		Ask:       ask,
		Timestamp: ts,
	}, true
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextDelay(current time.Duration) time.Duration {
	if current <= 0 {
		return time.Second
	}
	next := current * 2
	if next > 30*time.Second {
		next = 30 * time.Second
	}
	return next
}

func (s *Source) recordSubscribeError(err error) {
	if err == nil {
		return
	}
	s.statsMu.Lock()
	s.stats.SubscribeErrors++
	s.stats.LastError = err.Error()
	s.statsMu.Unlock()
}

func (s *Source) recordReconnect(err error) {
	s.statsMu.Lock()
	s.stats.Reconnects++
	if err != nil && err.Error() != "" {
		s.stats.LastError = err.Error()
	}
	s.statsMu.Unlock()
}
