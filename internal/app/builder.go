package app

import (
	"context"
	"errors"
	"fmt"

	"scalpel/internal/broker"
	"scalpel/internal/config"
	binancefeed "scalpel/internal/gateway/binance"
	"scalpel/internal/history"
	"scalpel/internal/ledger"
	"scalpel/internal/logger"
	"scalpel/internal/market"
	"scalpel/internal/metrics"
	"scalpel/internal/pkg/symbol"
	"scalpel/internal/profile"
	"scalpel/internal/trade"
	httpapi "scalpel/internal/transport/http"
)

// AppBuilder stages construction. The feed and venue factories are fields so
// harnesses can substitute deterministic ones.
type AppBuilder struct {
	cfg *config.Config

	sourceFn func(*config.Config) (market.Source, error)
	venueFn  func(*config.Config) (*broker.Paper, broker.Broker)
}

type AppBuilderOption func(*AppBuilder)

// WithMarketSource replaces the configured quote feed.
func WithMarketSource(src market.Source) AppBuilderOption {
	return func(b *AppBuilder) {
		b.sourceFn = func(*config.Config) (market.Source, error) { return src, nil }
	}
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:      cfg,
		sourceFn: buildMarketSource,
		venueFn:  buildPaperVenue,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, errors.New("nil config")
	}
	cfg := b.cfg

	led, err := ledger.New(ledger.Config{Path: cfg.Ledger.Path, Retention: cfg.Ledger.Retention()})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	logger.Infof("✓ order ledger open at %s (retention %s)", cfg.Ledger.Path, cfg.Ledger.Retention())

	hist, err := history.New(cfg.History.Path)
	if err != nil {
		return nil, fmt.Errorf("open trade history: %w", err)
	}
	logger.Infof("✓ trade history open at %s", cfg.History.Path)

	profiles, err := profile.NewRegistry(cfg.Profiles.Path)
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	logger.Infof("✓ profiles loaded: %v", profiles.Names())

	params := cfg.Execution.Params()
	quotes := market.NewQuoteStore(params.Freshness)
	symbols := symbol.NormalizeList(cfg.Market.Symbols)

	source, err := b.sourceFn(cfg)
	if err != nil {
		return nil, fmt.Errorf("build market feed: %w", err)
	}
	logger.Infof("✓ market feed %s serving %v", cfg.Market.Feed, symbols)

	venue, guarded := b.venueFn(cfg)
	mets := metrics.New(metrics.Config{})

	manager, err := trade.NewManager(trade.ManagerConfig{
		Defaults: params,
		Ledger:   led,
		Broker:   guarded,
		Quotes:   quotes,
		Profiles: profiles,
		Archiver: hist,
		Stats:    mets,
	})
	if err != nil {
		return nil, fmt.Errorf("build trade manager: %w", err)
	}

	server, err := httpapi.NewServer(httpapi.ServerConfig{
		Addr:     cfg.App.HTTPAddr,
		Trades:   manager,
		History:  hist,
		Ledger:   led,
		Profiles: profiles,
		Quotes:   quotes,
		Metrics:  mets.Handler(),
	})
	if err != nil {
		return nil, fmt.Errorf("build http server: %w", err)
	}
	logger.Infof("✓ http api on %s", server.Addr())

	return &App{
		cfg:      cfg,
		ledger:   led,
		history:  hist,
		profiles: profiles,
		quotes:   quotes,
		source:   source,
		venue:    venue,
		brk:      guarded,
		metrics:  mets,
		manager:  manager,
		server:   server,
		symbols:  symbols,
	}, nil
}

func buildMarketSource(cfg *config.Config) (market.Source, error) {
	switch cfg.Market.Feed {
	case "binance":
		return binancefeed.New(binancefeed.Config{
			SymbolMap:    cfg.Market.Binance.SymbolMap,
			ProxyEnabled: cfg.Market.Binance.ProxyEnabled,
			WSProxyURL:   cfg.Market.Binance.WSProxyURL,
		})
	default:
		return market.NewSynthetic(market.SyntheticConfig{
			Interval:    cfg.Market.Synthetic.Interval(),
			Drift:       cfg.Market.Synthetic.Drift,
			Volatility:  cfg.Market.Synthetic.Volatility,
			SpreadTicks: cfg.Market.Synthetic.SpreadTicks,
			Seed:        cfg.Market.Synthetic.Seed,
			StartPrices: cfg.Market.Synthetic.StartPrices,
		}), nil
	}
}

// buildPaperVenue returns the concrete venue (the tick path needs it) and
// the circuit-guarded view handed to the trade manager.
func buildPaperVenue(cfg *config.Config) (*broker.Paper, broker.Broker) {
	venue := broker.NewPaper(broker.PaperConfig{
		AckDelay:    cfg.Broker.AckDelay(),
		AllowAmend:  cfg.Broker.AllowAmend,
		EventBuffer: cfg.Broker.EventBuffer,
	})
	guarded := broker.NewGuard(venue, cfg.Broker.Circuit.Threshold, cfg.Broker.Circuit.Cooldown())
	return venue, guarded
}

type appBuilderDeps interface {
	Build(context.Context) (*App, error)
}

func provideAppFromBuilder(b appBuilderDeps, ctx context.Context) (*App, error) {
	return b.Build(ctx)
}

func provideAppBuilder(cfg *config.Config) *AppBuilder {
	return NewAppBuilder(cfg)
}
