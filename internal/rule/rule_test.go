package rule

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestQuantizeAmountMinOrderSize(t *testing.T) {
	testCases := []struct {
		desc    string
		minSize string
		want    string
	}{
		{desc: "proceeds above min size", minSize: "1.0", want: "1.234"},
		{desc: "blocked below min size", minSize: "2.0", want: "0"},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			v := NewValidator(Rule{
				TradingPair:            "BTC-USDT",
				MinOrderSize:           dec(tc.minSize),
				MinBaseAmountIncrement: dec("0.001"),
			})
			got, err := v.QuantizeAmount("BTC-USDT", dec("1.23456"), decimal.Zero)
			require.NoError(t, err)
			assert.True(t, got.Equal(dec(tc.want)), got.String())
		})
	}
}

func TestQuantizeAmountLimits(t *testing.T) {
	r := Rule{
		TradingPair:            "ETH-USDT",
		MinOrderSize:           dec("0.01"),
		MaxOrderSize:           dec("100"),
		MinBaseAmountIncrement: dec("0.01"),
		MinNotionalSize:        dec("10"),
	}

	assert.True(t, r.QuantizeAmount(dec("150"), dec("2000")).IsZero(), "above max")
	assert.True(t, r.QuantizeAmount(dec("0.005"), dec("2000")).IsZero(), "floors to zero")
	// 0.01 * 1000 = 10 < 10 * 1.01
	assert.True(t, r.QuantizeAmount(dec("0.01"), dec("1000")).IsZero(), "below notional margin")
	assert.True(t, r.QuantizeAmount(dec("0.01"), dec("1010")).Equal(dec("0.01")))
	assert.True(t, r.QuantizeAmount(dec("0.01"), decimal.Zero).Equal(dec("0.01")), "unknown price skips notional")
	assert.True(t, r.QuantizeAmount(dec("-1"), dec("1")).IsZero())

	r.MaxOrderSize = decimal.Zero
	assert.True(t, r.QuantizeAmount(dec("150.129"), dec("2000")).Equal(dec("150.12")), "zero max is unbounded")
}

func TestQuantizeIsIdempotent(t *testing.T) {
	r := Rule{
		MinOrderSize:           dec("0.001"),
		MinBaseAmountIncrement: dec("0.0001"),
		MinPriceIncrement:      dec("0.05"),
	}
	amounts := []string{"1.23456", "0.00099", "7", "3.14159265", "0.0001"}
	for _, a := range amounts {
		once := r.QuantizeAmount(dec(a), dec("10"))
		twice := r.QuantizeAmount(once, dec("10"))
		assert.True(t, once.Equal(twice), "amount %s: %s != %s", a, once, twice)
	}

	prices := []string{"100.024", "100.025", "100.076", "0.01"}
	for _, p := range prices {
		once := r.QuantizePrice(dec(p))
		assert.True(t, once.Equal(r.QuantizePrice(once)), "price %s", p)
	}
	assert.True(t, r.QuantizePrice(dec("100.076")).Equal(dec("100.1")))
	assert.True(t, r.QuantizePrice(dec("100.024")).Equal(dec("100")))
}

func TestValidatorReplace(t *testing.T) {
	v := NewValidator()
	assert.False(t, v.Ready())
	_, err := v.QuantizePrice("BTC-USDT", dec("1"))
	assert.ErrorIs(t, err, ErrUnknownPair)

	v.Replace([]Rule{{TradingPair: "BTC-USDT", MinPriceIncrement: dec("0.1")}})
	assert.True(t, v.Ready())
	assert.Equal(t, 1, v.Pairs())
	got, err := v.QuantizePrice("BTC-USDT", dec("10.04"))
	require.NoError(t, err)
	assert.True(t, got.Equal(dec("10")))
}
