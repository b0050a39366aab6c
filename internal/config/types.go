package config

import (
	"strings"
	"time"

	"scalpel/internal/chase"
	"scalpel/internal/trade"
)

// Config is the main configuration carrier for scalpel.
type Config struct {
	App       AppConfig       `toml:"app"`
	Execution ExecutionConfig `toml:"execution"`
	Ledger    LedgerConfig    `toml:"ledger"`
	History   HistoryConfig   `toml:"history"`
	Profiles  ProfilesConfig  `toml:"profiles"`
	Market    MarketConfig    `toml:"market"`
	Broker    BrokerConfig    `toml:"broker"`
}

type AppConfig struct {
	Env          string `toml:"env"`
	LogLevel     string `toml:"log_level"`
	LogFormat    string `toml:"log_format"`
	HTTPAddr     string `toml:"http_addr"`
	LogPath      string `toml:"log_path"`
	AuditLogPath string `toml:"audit_log_path"`
}

// ExecutionConfig holds the app-level execution parameters every trade runs
// under unless its profile overrides them. The bounds have no baked-in
// defaults; a config that omits them is rejected at load.
type ExecutionConfig struct {
	Strategy       string  `toml:"strategy"`
	GraceMs        int     `toml:"grace_ms"`
	RetryCap       int     `toml:"retry_cap"`
	AttemptCeiling int     `toml:"attempt_ceiling"`
	ChaseCeilingMs int     `toml:"chase_ceiling_ms"`
	TickTolerance  float64 `toml:"tick_tolerance"`
	MaxSlippage    float64 `toml:"max_slippage"`
	FreshnessMs    int     `toml:"freshness_ms"`

	// Exit rules. Zero disables the rule.
	TakeProfitPct float64 `toml:"take_profit_pct"`
	StopLossPct   float64 `toml:"stop_loss_pct"`
	MaxHoldMs     int     `toml:"max_hold_ms"`
}

// Params converts the execution section into the manager's default bounds.
// The strategy name was already parse-checked by validate.
func (e ExecutionConfig) Params() trade.Params {
	strategy, _ := chase.ParseStrategy(e.Strategy)
	return trade.Params{
		Strategy:       strategy,
		Grace:          time.Duration(e.GraceMs) * time.Millisecond,
		RetryCap:       e.RetryCap,
		AttemptCeiling: e.AttemptCeiling,
		ChaseCeiling:   time.Duration(e.ChaseCeilingMs) * time.Millisecond,
		TickTolerance:  e.TickTolerance,
		MaxSlippage:    e.MaxSlippage,
		Freshness:      time.Duration(e.FreshnessMs) * time.Millisecond,
		TakeProfitPct:  e.TakeProfitPct,
		StopLossPct:    e.StopLossPct,
		MaxHold:        time.Duration(e.MaxHoldMs) * time.Millisecond,
	}
}

type LedgerConfig struct {
	Path                 string `toml:"path"`
	RetentionHours       int    `toml:"retention_hours"`
	SweepIntervalMinutes int    `toml:"sweep_interval_minutes"`
}

func (l LedgerConfig) Retention() time.Duration {
	return time.Duration(l.RetentionHours) * time.Hour
}

func (l LedgerConfig) SweepInterval() time.Duration {
	return time.Duration(l.SweepIntervalMinutes) * time.Minute
}

type HistoryConfig struct {
	Path string `toml:"path"`
}

type ProfilesConfig struct {
	Path string `toml:"path"`
}

// MarketConfig selects and tunes the quote feed.
type MarketConfig struct {
	Feed      string          `toml:"feed"` // "synthetic" | "binance"
	Symbols   []string        `toml:"symbols"`
	Synthetic SyntheticConfig `toml:"synthetic"`
	Binance   BinanceConfig   `toml:"binance"`
}

type SyntheticConfig struct {
	IntervalMs  int                `toml:"interval_ms"`
	Drift       float64            `toml:"drift"`
	Volatility  float64            `toml:"volatility"`
	SpreadTicks int                `toml:"spread_ticks"`
	Seed        int64              `toml:"seed"`
	StartPrices map[string]float64 `toml:"start_prices"`
}

func (s SyntheticConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
}

// BinanceConfig maps internal underlyings onto venue streams for soak runs.
// Public market data only; no credentials belong here.
type BinanceConfig struct {
	SymbolMap    map[string]string `toml:"symbol_map"`
	ProxyEnabled bool              `toml:"proxy_enabled"`
	WSProxyURL   string            `toml:"ws_proxy_url"`
}

type BrokerConfig struct {
	AckDelayMs  int           `toml:"ack_delay_ms"`
	AllowAmend  bool          `toml:"allow_amend"`
	EventBuffer int           `toml:"event_buffer"`
	Circuit     CircuitConfig `toml:"circuit"`
}

func (b BrokerConfig) AckDelay() time.Duration {
	return time.Duration(b.AckDelayMs) * time.Millisecond
}

type CircuitConfig struct {
	Threshold  int `toml:"threshold"`
	CooldownMs int `toml:"cooldown_ms"`
}

func (c CircuitConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMs) * time.Millisecond
}

// keySet tracks which field paths the config files set explicitly, so
// defaults never stomp a deliberate zero.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault is one field's defaulting rule.
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
