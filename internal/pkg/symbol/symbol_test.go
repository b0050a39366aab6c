package symbol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"spx", "SPX"},
		{" SPX ", "SPX"},
		{"$SPX.X", "SPX"},
		{"NDX:CBOE", "NDX"},
		{"aapl", "AAPL"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Normalize(tc.in), "input %q", tc.in)
	}
}

func TestTick(t *testing.T) {
	t.Run("index underlyings quote in nickels", func(t *testing.T) {
		for _, s := range []string{"SPX", "spxw", "XSP", "NDX", "RUT", "VIX", "$SPX.X"} {
			assert.Equal(t, TickIndex, Tick(s), "symbol %q", s)
		}
	})

	t.Run("equities quote in pennies", func(t *testing.T) {
		for _, s := range []string{"AAPL", "TSLA", "SPY", "QQQ"} {
			assert.Equal(t, TickEquity, Tick(s), "symbol %q", s)
		}
	})
}

func TestIsIndex(t *testing.T) {
	assert.True(t, IsIndex("SPX"))
	assert.True(t, IsIndex("ndxp"))
	assert.False(t, IsIndex("SPY"))
	assert.False(t, IsIndex(""))
}

func TestNormalizeList(t *testing.T) {
	got := NormalizeList([]string{"spx", "SPX", "$NDX.X", "", "aapl"})
	assert.Equal(t, []string{"SPX", "NDX", "AAPL"}, got)

	assert.Nil(t, NormalizeList(nil))
}

func TestIsValid(t *testing.T) {
	assert.True(t, IsValid("SPX"))
	assert.True(t, IsValid("brk"))
	assert.False(t, IsValid(""))
	assert.False(t, IsValid("SP X"))
	assert.False(t, IsValid("SPX/W"))
}
