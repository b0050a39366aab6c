package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"scalpel/internal/chase"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalExecution = `
execution:
  grace_ms: 2000
  retry_cap: 3
  attempt_ceiling: 10
  chase_ceiling_ms: 20000
  tick_tolerance: 0.01
  max_slippage: 0.5
  freshness_ms: 5000
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", minimalExecution))
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.App.Env)
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, "text", cfg.App.LogFormat)
	assert.Equal(t, ":9920", cfg.App.HTTPAddr)
	assert.Equal(t, "aggressive-linear", cfg.Execution.Strategy)
	assert.Equal(t, 24, cfg.Ledger.RetentionHours)
	assert.Equal(t, 60, cfg.Ledger.SweepIntervalMinutes)
	assert.Equal(t, 24*time.Hour, cfg.Ledger.Retention())
	assert.Equal(t, "configs/profiles.yaml", cfg.Profiles.Path)
	assert.Equal(t, "synthetic", cfg.Market.Feed)
	assert.Equal(t, []string{"SPX"}, cfg.Market.Symbols)
	assert.Equal(t, 250, cfg.Market.Synthetic.IntervalMs)
	assert.Equal(t, 5, cfg.Broker.Circuit.Threshold)
	assert.Equal(t, 30*time.Second, cfg.Broker.Circuit.Cooldown())
}

func TestLoadRejectsMissingExecutionParams(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing grace",
			body: `
execution:
  retry_cap: 3
  attempt_ceiling: 10
  chase_ceiling_ms: 20000
  tick_tolerance: 0.01
  max_slippage: 0.5
  freshness_ms: 5000
`,
			want: "execution.grace_ms",
		},
		{
			name: "missing retry cap",
			body: `
execution:
  grace_ms: 2000
  attempt_ceiling: 10
  chase_ceiling_ms: 20000
  tick_tolerance: 0.01
  max_slippage: 0.5
  freshness_ms: 5000
`,
			want: "execution.retry_cap",
		},
		{
			name: "missing attempt ceiling",
			body: `
execution:
  grace_ms: 2000
  retry_cap: 3
  chase_ceiling_ms: 20000
  tick_tolerance: 0.01
  max_slippage: 0.5
  freshness_ms: 5000
`,
			want: "execution.attempt_ceiling",
		},
		{
			name: "missing chase ceiling",
			body: `
execution:
  grace_ms: 2000
  retry_cap: 3
  attempt_ceiling: 10
  tick_tolerance: 0.01
  max_slippage: 0.5
  freshness_ms: 5000
`,
			want: "execution.chase_ceiling_ms",
		},
		{
			name: "missing tick tolerance",
			body: `
execution:
  grace_ms: 2000
  retry_cap: 3
  attempt_ceiling: 10
  chase_ceiling_ms: 20000
  max_slippage: 0.5
  freshness_ms: 5000
`,
			want: "execution.tick_tolerance",
		},
		{
			name: "missing max slippage",
			body: `
execution:
  grace_ms: 2000
  retry_cap: 3
  attempt_ceiling: 10
  chase_ceiling_ms: 20000
  tick_tolerance: 0.01
  freshness_ms: 5000
`,
			want: "execution.max_slippage",
		},
		{
			name: "missing freshness",
			body: `
execution:
  grace_ms: 2000
  retry_cap: 3
  attempt_ceiling: 10
  chase_ceiling_ms: 20000
  tick_tolerance: 0.01
  max_slippage: 0.5
`,
			want: "execution.freshness_ms",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "config.yaml", tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadAcceptsExplicitZeroTickTolerance(t *testing.T) {
	body := `
execution:
  grace_ms: 2000
  retry_cap: 3
  attempt_ceiling: 10
  chase_ceiling_ms: 20000
  tick_tolerance: 0
  max_slippage: 0.5
  freshness_ms: 5000
`
	cfg, err := Load(writeConfig(t, "config.yaml", body))
	require.NoError(t, err)
	assert.Zero(t, cfg.Execution.TickTolerance)
}

func TestLoadRejectsUnknownStrategy(t *testing.T) {
	body := `
execution:
  strategy: warp-speed
  grace_ms: 2000
  retry_cap: 3
  attempt_ceiling: 10
  chase_ceiling_ms: 20000
  tick_tolerance: 0.01
  max_slippage: 0.5
  freshness_ms: 5000
`
	_, err := Load(writeConfig(t, "config.yaml", body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution.strategy")
}

func TestLoadMergesIncludes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "execution.yaml"), []byte(minimalExecution), 0o644))
	base := `
include:
  - execution.yaml
app:
  log_level: debug
market:
  symbols: [SPX, NDX]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(base), 0o644))

	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, 2000, cfg.Execution.GraceMs)
	assert.Equal(t, []string{"SPX", "NDX"}, cfg.Market.Symbols)
}

func TestLoadValidatesMarketSection(t *testing.T) {
	t.Run("unknown underlying", func(t *testing.T) {
		body := minimalExecution + `
market:
  symbols: [DOGE]
`
		_, err := Load(writeConfig(t, "config.yaml", body))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown underlying")
	})

	t.Run("binance feed needs symbol map", func(t *testing.T) {
		body := minimalExecution + `
market:
  feed: binance
  symbols: [SPX]
`
		_, err := Load(writeConfig(t, "config.yaml", body))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "symbol_map")
	})

	t.Run("binance feed with full map", func(t *testing.T) {
		body := minimalExecution + `
market:
  feed: binance
  symbols: [SPX]
  binance:
    symbol_map:
      SPX: BTCUSDT
`
		cfg, err := Load(writeConfig(t, "config.yaml", body))
		require.NoError(t, err)
		assert.Equal(t, "BTCUSDT", cfg.Market.Binance.SymbolMap["SPX"])
	})
}

func TestExecutionParamsConversion(t *testing.T) {
	body := `
execution:
  strategy: hybrid-time-delta
  grace_ms: 1500
  retry_cap: 2
  attempt_ceiling: 8
  chase_ceiling_ms: 15000
  tick_tolerance: 0.05
  max_slippage: 0.4
  freshness_ms: 3000
  take_profit_pct: 0.25
  stop_loss_pct: 0.10
  max_hold_ms: 600000
`
	cfg, err := Load(writeConfig(t, "config.yaml", body))
	require.NoError(t, err)

	params := cfg.Execution.Params()
	assert.Equal(t, chase.HybridTimeDelta, params.Strategy)
	assert.Equal(t, 1500*time.Millisecond, params.Grace)
	assert.Equal(t, 2, params.RetryCap)
	assert.Equal(t, 8, params.AttemptCeiling)
	assert.Equal(t, 15*time.Second, params.ChaseCeiling)
	assert.InDelta(t, 0.05, params.TickTolerance, 1e-9)
	assert.InDelta(t, 0.4, params.MaxSlippage, 1e-9)
	assert.Equal(t, 3*time.Second, params.Freshness)
	assert.InDelta(t, 0.25, params.TakeProfitPct, 1e-9)
	assert.InDelta(t, 0.10, params.StopLossPct, 1e-9)
	assert.Equal(t, 10*time.Minute, params.MaxHold)
}
