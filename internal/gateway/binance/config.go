package binance

import "strings"

// Config maps internal underlyings onto venue tickers for soak sessions
// driven by live public book-ticker data instead of the synthetic walk.
type Config struct {
	// SymbolMap maps internal symbol -> venue symbol, e.g. SPX -> BTCUSDT.
	SymbolMap map[string]string

	ProxyEnabled bool
	WSProxyURL   string
}

func (c *Config) withDefaults() Config {
	out := *c
	out.WSProxyURL = strings.TrimSpace(out.WSProxyURL)
	if out.SymbolMap == nil {
		out.SymbolMap = map[string]string{}
	}
	cleaned := make(map[string]string, len(out.SymbolMap))
	for internal, venue := range out.SymbolMap {
		internal = strings.ToUpper(strings.TrimSpace(internal))
		venue = strings.ToUpper(strings.TrimSpace(venue))
		if internal == "" || venue == "" {
			continue
		}
		cleaned[internal] = venue
	}
	out.SymbolMap = cleaned
	return out
}
