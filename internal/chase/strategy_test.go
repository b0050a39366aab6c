package chase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStrategy(t *testing.T) {
	for _, name := range StrategyNames() {
		s, err := ParseStrategy(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, s.String())
	}

	_, err := ParseStrategy("martingale")
	assert.Error(t, err)

	_, err = ParseStrategy("")
	assert.Error(t, err)
}

func TestStrategyNamesOrder(t *testing.T) {
	assert.Equal(t, []string{
		"aggressive-linear",
		"time-weighted",
		"spread-adaptive",
		"conservative-bounded",
		"delta-weighted",
		"hybrid-time-delta",
	}, StrategyNames())
}

func TestStrategyTextRoundTrip(t *testing.T) {
	for s := AggressiveLinear; s <= HybridTimeDelta; s++ {
		text, err := s.MarshalText()
		require.NoError(t, err)

		var back Strategy
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, s, back)
	}

	bad := Strategy(99)
	_, err := bad.MarshalText()
	assert.Error(t, err)
	assert.Equal(t, "unknown", bad.String())
}
