// Package symbol normalizes option underlying symbols and knows the
// price increment each underlying quotes in.
package symbol

import (
	"strings"
)

const (
	// TickIndex is the quoting increment for broad-based index options.
	TickIndex = 0.05
	// TickEquity is the quoting increment for everything else.
	TickEquity = 0.01
)

// indexRoots is the fixed allow-list of index-style underlyings,
// including their weekly/PM-settled variants.
var indexRoots = map[string]struct{}{
	"SPX":  {},
	"SPXW": {},
	"XSP":  {},
	"NDX":  {},
	"NDXP": {},
	"RUT":  {},
	"RUTW": {},
	"VIX":  {},
	"VIXW": {},
	"DJX":  {},
	"OEX":  {},
	"XEO":  {},
}

// Normalize uppercases and strips feed decorations ("$SPX.X" -> "SPX").
func Normalize(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	s = strings.TrimPrefix(s, "$")
	if idx := strings.Index(s, "."); idx >= 0 {
		s = s[:idx]
	}
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	return s
}

func IsIndex(s string) bool {
	_, ok := indexRoots[Normalize(s)]
	return ok
}

// Tick returns the quoting increment for the given underlying.
func Tick(s string) float64 {
	if IsIndex(s) {
		return TickIndex
	}
	return TickEquity
}

func NormalizeList(symbols []string) []string {
	if len(symbols) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		norm := Normalize(s)
		if norm == "" {
			continue
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	return out
}

func IsValid(s string) bool {
	norm := Normalize(s)
	if norm == "" {
		return false
	}
	for _, r := range norm {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
