package config

import (
	"strings"

	"scalpel/internal/pkg/symbol"
)

const (
	defaultAppEnv          = "dev"
	defaultAppLogLevel     = "info"
	defaultAppLogFormat    = "text"
	defaultAppHTTPAddr     = ":9920"
	defaultAppLogPath      = "/data/logs/scalpel.log"
	defaultAppAuditLogPath = "/data/logs/scalpel-audit.log"

	defaultStrategy = "aggressive-linear"

	defaultLedgerPath      = "/data/db/ledger.db"
	defaultLedgerRetention = 24 // hours
	defaultLedgerSweep     = 60 // minutes

	defaultHistoryPath  = "/data/db/history.db"
	defaultProfilesPath = "configs/profiles.yaml"

	defaultMarketFeed        = "synthetic"
	defaultSyntheticInterval = 250 // ms
	defaultSyntheticSpread   = 2   // ticks

	defaultBrokerEventBuffer = 256
	defaultCircuitThreshold  = 5
	defaultCircuitCooldown   = 30_000 // ms
)

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Execution.applyDefaults(keys)
	c.Ledger.applyDefaults(keys)
	c.History.applyDefaults(keys)
	c.Profiles.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Broker.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		stringFieldDefault("app.audit_log_path", &a.AuditLogPath, defaultAppAuditLogPath),
	)
}

// Only the strategy name defaults here. The numeric execution bounds stay
// as the file left them; validate rejects the holes.
func (e *ExecutionConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("execution.strategy", &e.Strategy, defaultStrategy),
	)
}

func (l *LedgerConfig) applyDefaults(keys keySet) {
	if l == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("ledger.path", &l.Path, defaultLedgerPath),
		fieldDefault{
			key:   "ledger.retention_hours",
			need:  func() bool { return l.RetentionHours <= 0 },
			apply: func() { l.RetentionHours = defaultLedgerRetention },
		},
		fieldDefault{
			key:   "ledger.sweep_interval_minutes",
			need:  func() bool { return l.SweepIntervalMinutes <= 0 },
			apply: func() { l.SweepIntervalMinutes = defaultLedgerSweep },
		},
	)
}

func (h *HistoryConfig) applyDefaults(keys keySet) {
	if h == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("history.path", &h.Path, defaultHistoryPath),
	)
}

func (p *ProfilesConfig) applyDefaults(keys keySet) {
	if p == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("profiles.path", &p.Path, defaultProfilesPath),
	)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("market.feed", &m.Feed, defaultMarketFeed),
		fieldDefault{
			key:   "market.synthetic.interval_ms",
			need:  func() bool { return m.Synthetic.IntervalMs <= 0 },
			apply: func() { m.Synthetic.IntervalMs = defaultSyntheticInterval },
		},
		fieldDefault{
			key:   "market.synthetic.spread_ticks",
			need:  func() bool { return m.Synthetic.SpreadTicks <= 0 },
			apply: func() { m.Synthetic.SpreadTicks = defaultSyntheticSpread },
		},
	)
	m.Feed = strings.ToLower(strings.TrimSpace(m.Feed))
	m.Symbols = symbol.NormalizeList(m.Symbols)
	if len(m.Symbols) == 0 {
		m.Symbols = []string{"SPX"}
	}
}

func (b *BrokerConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "broker.event_buffer",
			need:  func() bool { return b.EventBuffer <= 0 },
			apply: func() { b.EventBuffer = defaultBrokerEventBuffer },
		},
		fieldDefault{
			key:   "broker.circuit.threshold",
			need:  func() bool { return b.Circuit.Threshold <= 0 },
			apply: func() { b.Circuit.Threshold = defaultCircuitThreshold },
		},
		fieldDefault{
			key:   "broker.circuit.cooldown_ms",
			need:  func() bool { return b.Circuit.CooldownMs <= 0 },
			apply: func() { b.Circuit.CooldownMs = defaultCircuitCooldown },
		},
	)
	if b.AckDelayMs < 0 {
		b.AckDelayMs = 0
	}
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
