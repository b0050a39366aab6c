package config

import (
	"fmt"
	"strings"

	"scalpel/internal/chase"
	"scalpel/internal/pkg/symbol"
)

func validate(c *Config, keys keySet) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Execution.validate(keys); err != nil {
		return err
	}
	if err := c.Ledger.validate(); err != nil {
		return err
	}
	if err := c.History.validate(); err != nil {
		return err
	}
	if err := c.Profiles.validate(); err != nil {
		return err
	}
	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := c.Broker.validate(); err != nil {
		return err
	}
	return nil
}

func (a *AppConfig) validate() error {
	switch strings.ToLower(a.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("app.log_level must be one of debug/info/warn/error, got %q", a.LogLevel)
	}
	switch strings.ToLower(a.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("app.log_format must be text or json, got %q", a.LogFormat)
	}
	if strings.TrimSpace(a.HTTPAddr) == "" {
		return fmt.Errorf("app.http_addr cannot be empty")
	}
	return nil
}

func (e *ExecutionConfig) validate(keys keySet) error {
	if _, err := chase.ParseStrategy(e.Strategy); err != nil {
		return fmt.Errorf("execution.strategy: %w", err)
	}
	if e.GraceMs <= 0 {
		return fmt.Errorf("execution.grace_ms is required and must be > 0")
	}
	if e.RetryCap < 1 {
		return fmt.Errorf("execution.retry_cap is required and must be >= 1")
	}
	if e.AttemptCeiling < 1 {
		return fmt.Errorf("execution.attempt_ceiling is required and must be >= 1")
	}
	if e.ChaseCeilingMs <= 0 {
		return fmt.Errorf("execution.chase_ceiling_ms is required and must be > 0")
	}
	// Zero tolerance is a legal setting (touch the order on any move), so
	// presence is checked rather than the value.
	if !keys.isSet("execution.tick_tolerance") {
		return fmt.Errorf("execution.tick_tolerance is required")
	}
	if e.TickTolerance < 0 {
		return fmt.Errorf("execution.tick_tolerance must be >= 0")
	}
	if e.MaxSlippage <= 0 {
		return fmt.Errorf("execution.max_slippage is required and must be > 0")
	}
	if e.FreshnessMs <= 0 {
		return fmt.Errorf("execution.freshness_ms is required and must be > 0")
	}
	if e.TakeProfitPct < 0 {
		return fmt.Errorf("execution.take_profit_pct must be >= 0")
	}
	if e.StopLossPct < 0 {
		return fmt.Errorf("execution.stop_loss_pct must be >= 0")
	}
	if e.MaxHoldMs < 0 {
		return fmt.Errorf("execution.max_hold_ms must be >= 0")
	}
	return nil
}

func (l *LedgerConfig) validate() error {
	if strings.TrimSpace(l.Path) == "" {
		return fmt.Errorf("ledger.path cannot be empty")
	}
	if l.RetentionHours < 1 {
		return fmt.Errorf("ledger.retention_hours must be >= 1")
	}
	if l.SweepIntervalMinutes < 1 {
		return fmt.Errorf("ledger.sweep_interval_minutes must be >= 1")
	}
	return nil
}

func (h *HistoryConfig) validate() error {
	if strings.TrimSpace(h.Path) == "" {
		return fmt.Errorf("history.path cannot be empty")
	}
	return nil
}

func (p *ProfilesConfig) validate() error {
	if strings.TrimSpace(p.Path) == "" {
		return fmt.Errorf("profiles.path cannot be empty")
	}
	return nil
}

func (m *MarketConfig) validate() error {
	switch m.Feed {
	case "synthetic", "binance":
	default:
		return fmt.Errorf("market.feed must be synthetic or binance, got %q", m.Feed)
	}
	if len(m.Symbols) == 0 {
		return fmt.Errorf("market.symbols requires at least one underlying")
	}
	for _, sym := range m.Symbols {
		if !symbol.IsValid(sym) {
			return fmt.Errorf("market.symbols contains unknown underlying %q", sym)
		}
	}
	if m.Feed == "binance" {
		if len(m.Binance.SymbolMap) == 0 {
			return fmt.Errorf("market.binance.symbol_map is required for the binance feed")
		}
		for _, sym := range m.Symbols {
			if _, ok := m.Binance.SymbolMap[symbol.Normalize(sym)]; !ok {
				return fmt.Errorf("market.binance.symbol_map missing venue mapping for %s", sym)
			}
		}
	}
	if m.Synthetic.Volatility < 0 {
		return fmt.Errorf("market.synthetic.volatility must be >= 0")
	}
	return nil
}

func (b *BrokerConfig) validate() error {
	if b.EventBuffer < 1 {
		return fmt.Errorf("broker.event_buffer must be >= 1")
	}
	if b.Circuit.Threshold < 1 {
		return fmt.Errorf("broker.circuit.threshold must be >= 1")
	}
	if b.Circuit.CooldownMs < 1 {
		return fmt.Errorf("broker.circuit.cooldown_ms must be >= 1")
	}
	return nil
}
