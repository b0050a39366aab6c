// Package profile holds named execution presets. A profile binds a chase
// strategy to exit rules and optional parameter overrides; entering a trade
// names the profile it runs under. Profiles load from a YAML document
// validated against a JSON schema, so a typo'd strategy name or stray field
// is a load-time error, never a mid-trade surprise.
package profile

import (
	"fmt"
	"strings"
	"time"

	"scalpel/internal/chase"
)

// Profile is one validated preset. Zero-valued override fields inherit the
// app-level execution parameters; exit rule fields at zero disable that rule.
type Profile struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Strategy    chase.Strategy `json:"strategy"`

	// Exit rules, applied while a trade holds a position. Percentages are
	// fractions of the entry price: 0.25 exits at a 25% gain.
	TakeProfitPct float64       `json:"tpPct,omitempty"`
	StopLossPct   float64       `json:"slPct,omitempty"`
	MaxHold       time.Duration `json:"maxHold,omitempty"`

	// Per-profile overrides of the execution config.
	Grace          time.Duration `json:"grace,omitempty"`
	RetryCap       int           `json:"retryCap,omitempty"`
	AttemptCeiling int           `json:"attemptCeiling,omitempty"`
	ChaseCeiling   time.Duration `json:"chaseCeiling,omitempty"`
	TickTolerance  float64       `json:"tickTolerance,omitempty"`
	MaxSlippage    float64       `json:"maxSlippage,omitempty"`
}

// fileProfile is the YAML shape. Durations are strings ("15m"), the
// strategy is a name resolved at load time.
type fileProfile struct {
	Description    string  `yaml:"description"`
	Strategy       string  `yaml:"strategy"`
	TakeProfitPct  float64 `yaml:"tp_pct"`
	StopLossPct    float64 `yaml:"sl_pct"`
	MaxHold        string  `yaml:"max_hold"`
	Grace          string  `yaml:"grace"`
	RetryCap       int     `yaml:"retry_cap"`
	AttemptCeiling int     `yaml:"attempt_ceiling"`
	ChaseCeiling   string  `yaml:"chase_ceiling"`
	TickTolerance  float64 `yaml:"tick_tolerance"`
	MaxSlippage    float64 `yaml:"max_slippage"`
}

type fileConfig struct {
	Profiles map[string]fileProfile `yaml:"profiles"`
}

func (f fileProfile) normalize(name string) (Profile, error) {
	strat, err := chase.ParseStrategy(strings.TrimSpace(f.Strategy))
	if err != nil {
		return Profile{}, fmt.Errorf("profile %s: %w", name, err)
	}
	p := Profile{
		Name:           name,
		Description:    strings.TrimSpace(f.Description),
		Strategy:       strat,
		TakeProfitPct:  f.TakeProfitPct,
		StopLossPct:    f.StopLossPct,
		RetryCap:       f.RetryCap,
		AttemptCeiling: f.AttemptCeiling,
		TickTolerance:  f.TickTolerance,
		MaxSlippage:    f.MaxSlippage,
	}
	if p.MaxHold, err = parseDuration(name, "max_hold", f.MaxHold); err != nil {
		return Profile{}, err
	}
	if p.Grace, err = parseDuration(name, "grace", f.Grace); err != nil {
		return Profile{}, err
	}
	if p.ChaseCeiling, err = parseDuration(name, "chase_ceiling", f.ChaseCeiling); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func parseDuration(profile, field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("profile %s: bad %s %q: %w", profile, field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("profile %s: %s must not be negative", profile, field)
	}
	return d, nil
}
