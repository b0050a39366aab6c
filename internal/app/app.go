// Package app assembles the execution core: config in, one running process
// out. It owns process lifetime; every component stops when the run context
// is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"scalpel/internal/broker"
	"scalpel/internal/config"
	"scalpel/internal/history"
	"scalpel/internal/ledger"
	"scalpel/internal/logger"
	"scalpel/internal/market"
	"scalpel/internal/metrics"
	"scalpel/internal/profile"
	"scalpel/internal/scheduler"
	"scalpel/internal/trade"
	httpapi "scalpel/internal/transport/http"

	"golang.org/x/sync/errgroup"
)

// ledgerStatsEvery is how often the ledger gauges are re-projected.
const ledgerStatsEvery = 30 * time.Second

// App holds every assembled component. Build it with NewApp, run it once.
type App struct {
	cfg      *config.Config
	ledger   *ledger.Ledger
	history  *history.Store
	profiles *profile.Registry
	quotes   *market.QuoteStore
	source   market.Source
	venue    *broker.Paper
	brk      broker.Broker
	metrics  *metrics.Metrics
	manager  *trade.Manager
	server   *httpapi.Server
	symbols  []string
}

// NewApp builds the application from a loaded config without starting it.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	return buildAppWithWire(context.Background(), cfg)
}

// Run starts every component and blocks until the context is cancelled or
// one of them fails. Resources are released on the way out.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return errors.New("app not initialized")
	}
	defer a.close()

	group, ctx := errgroup.WithContext(ctx)

	a.ledger.StartJanitor(ctx, a.cfg.Ledger.SweepInterval())
	a.startLedgerStatsRefresh(ctx)

	group.Go(func() error {
		if err := a.server.Start(ctx); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return a.manager.Run(ctx)
	})
	group.Go(func() error {
		return a.pumpTicks(ctx)
	})

	return group.Wait()
}

// Manager exposes the trade manager for soak and replay harnesses.
func (a *App) Manager() *trade.Manager {
	if a == nil {
		return nil
	}
	return a.manager
}

// pumpTicks is the single quote path: store first, then the simulated venue
// so resting orders fill against the newest book, then the trade actors.
func (a *App) pumpTicks(ctx context.Context) error {
	ticks, err := a.source.Subscribe(ctx, a.symbols, market.SubscribeOptions{
		OnConnect: func() {
			logger.Infof("market feed connected (%s)", a.cfg.Market.Feed)
		},
		OnDisconnect: func(err error) {
			logger.Warnf("market feed dropped: %v", err)
		},
	})
	if err != nil {
		return fmt.Errorf("subscribe market feed: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-ticks:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("market feed closed")
			}
			a.quotes.Update(t)
			a.venue.OnTick(t)
			a.manager.OnTick(t)
			if snap := t.Snapshot(); snap.Mid > 0 {
				a.metrics.ObserveQuote(t.Symbol, snap.Mid, snap.Spread, a.quotes.RealizedVol(t.Symbol))
			}
		}
	}
}

func (a *App) startLedgerStatsRefresh(ctx context.Context) {
	sched := scheduler.NewIntervalScheduler(ctx, "ledger-stats", ledgerStatsEvery, 0)
	sched.RunImmediately = true
	go sched.Start(func() {
		statsCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		st, err := a.ledger.GetStats(statsCtx)
		if err != nil {
			logger.Warnf("ledger stats refresh failed: %v", err)
			return
		}
		a.metrics.UpdateLedger(st)
	})
}

// close releases everything Build opened. Runs after the errgroup drains, so
// no component is still using these handles.
func (a *App) close() {
	if a.source != nil {
		_ = a.source.Close()
	}
	if a.brk != nil {
		_ = a.brk.Close()
	}
	if a.history != nil {
		_ = a.history.Close()
	}
	if a.ledger != nil {
		_ = a.ledger.Close()
	}
}
