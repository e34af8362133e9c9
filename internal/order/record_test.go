package order

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeconn/internal/adapter/enum"
	"tradeconn/pkg/exception"
)

var testNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestRecord(amount string) *Record {
	r := NewRecord("c-1", "BTC-USDT", enum.OrderSideBuy, enum.OrderTypeLimit, dec("100"), dec(amount), testNow)
	_, _ = r.SetExchangeOrderID("x-1")
	return r
}

func TestApplyTradeDuplicateIsIgnored(t *testing.T) {
	r := newTestRecord("1")
	t1 := Trade{ID: "T1", Amount: dec("0.5"), Price: dec("100"), Fee: dec("0.01"), FeeAsset: "USDT"}

	applied, err := r.ApplyTrade(t1, testNow)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = r.ApplyTrade(t1, testNow)
	require.NoError(t, err)
	assert.False(t, applied)

	assert.True(t, r.ExecutedBase.Equal(dec("0.5")), r.ExecutedBase.String())
	assert.True(t, r.ExecutedQuote.Equal(dec("50")))
	assert.True(t, r.FeePaid.Equal(dec("0.01")))
	assert.Equal(t, enum.OrderStatePartiallyFilled, r.State)
}

func TestApplyTradeCompletesWithinTolerance(t *testing.T) {
	r := newTestRecord("1")
	_, err := r.ApplyTrade(Trade{ID: "a", Amount: dec("0.6"), Price: dec("100")}, testNow)
	require.NoError(t, err)
	_, err = r.ApplyTrade(Trade{ID: "b", Amount: dec("0.399999999999"), Price: dec("101")}, testNow)
	require.NoError(t, err)

	assert.Equal(t, enum.OrderStateFilled, r.State)
	assert.True(t, r.IsTerminal())

	applied, err := r.ApplyTrade(Trade{ID: "c", Amount: dec("0.1"), Price: dec("100")}, testNow)
	require.NoError(t, err)
	assert.False(t, applied, "terminal record must not accept fills")
}

func TestApplyTradeRejectsOverfill(t *testing.T) {
	r := newTestRecord("1")
	_, err := r.ApplyTrade(Trade{ID: "a", Amount: dec("1.5"), Price: dec("100")}, testNow)
	assert.ErrorIs(t, err, exception.ErrOrderInvalidFill)
	assert.True(t, r.ExecutedBase.IsZero())

	_, err = r.ApplyTrade(Trade{ID: "", Amount: dec("0.1")}, testNow)
	assert.ErrorIs(t, err, exception.ErrOrderInvalidFill)
}

func TestExecutedBaseIsMonotonic(t *testing.T) {
	r := newTestRecord("10")
	prev := r.ExecutedBase
	trades := []Trade{
		{ID: "1", Amount: dec("1"), Price: dec("10")},
		{ID: "2", Amount: dec("2"), Price: dec("10")},
		{ID: "1", Amount: dec("1"), Price: dec("10")},
		{ID: "bad", Amount: dec("20"), Price: dec("10")},
		{ID: "3", Amount: dec("0.5"), Price: dec("10")},
	}
	for _, tr := range trades {
		_, _ = r.ApplyTrade(tr, testNow)
		assert.True(t, r.ExecutedBase.GreaterThanOrEqual(prev))
		prev = r.ExecutedBase
	}
	assert.True(t, r.ExecutedBase.Equal(dec("3.5")))
}

func TestFeesInSecondAsset(t *testing.T) {
	r := newTestRecord("2")
	_, _ = r.ApplyTrade(Trade{ID: "1", Amount: dec("1"), Price: dec("10"), Fee: dec("0.1"), FeeAsset: "USDT"}, testNow)
	_, _ = r.ApplyTrade(Trade{ID: "2", Amount: dec("0.5"), Price: dec("10"), Fee: dec("0.002"), FeeAsset: "BNB"}, testNow)

	assert.Equal(t, "USDT", r.FeeAsset)
	assert.True(t, r.FeePaid.Equal(dec("0.1")))
	assert.True(t, r.OtherFees["BNB"].Equal(dec("0.002")))
}

func TestMarkTerminal(t *testing.T) {
	r := newTestRecord("1")

	changed, err := r.MarkTerminal(enum.OrderStateCancelled, "user", testNow)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = r.MarkTerminal(enum.OrderStateCancelled, "again", testNow)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "user", r.Reason)

	changed, err = r.MarkTerminal(enum.OrderStateFailed, "late", testNow)
	assert.ErrorIs(t, err, exception.ErrAmbiguousTerminalState)
	assert.False(t, changed)
	assert.Equal(t, enum.OrderStateCancelled, r.State)

	_, err = r.MarkTerminal(enum.OrderStatePartiallyFilled, "", testNow)
	assert.ErrorIs(t, err, exception.ErrOrderInvalidTransition)
}

func TestSetExchangeOrderID(t *testing.T) {
	r := NewRecord("c", "ETH-USDT", enum.OrderSideSell, enum.OrderTypeMarket, decimal.Zero, dec("1"), testNow)
	assert.Equal(t, enum.OrderStateLocal, r.State)

	changed, err := r.SetExchangeOrderID("42")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, enum.OrderStateSubmitted, r.State)

	changed, err = r.SetExchangeOrderID("42")
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = r.SetExchangeOrderID("43")
	assert.ErrorIs(t, err, exception.ErrOrderInvalidTransition)
	assert.Equal(t, "42", r.ExchangeOrderID)
}

func TestLocalOrderCanFail(t *testing.T) {
	r := NewRecord("c", "ETH-USDT", enum.OrderSideSell, enum.OrderTypeLimit, dec("1"), dec("1"), testNow)
	changed, err := r.MarkTerminal(enum.OrderStateFailed, "rejected", testNow)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestChannelOrderIndependence(t *testing.T) {
	trades := []Trade{
		{ID: "t1", Amount: dec("0.25"), Price: dec("100"), Fee: dec("0.1"), FeeAsset: "USDT"},
		{ID: "t2", Amount: dec("0.25"), Price: dec("101"), Fee: dec("0.1"), FeeAsset: "USDT"},
		{ID: "t3", Amount: dec("0.5"), Price: dec("99"), Fee: dec("0.2"), FeeAsset: "USDT"},
	}
	// each sequence is one possible interleaving of the push and poll deliveries
	sequences := [][]int{
		{0, 1, 2},
		{2, 1, 0},
		{0, 0, 1, 2, 2, 1},
		{1, 2, 0, 1, 0, 2},
		{2, 0, 2, 1, 0},
	}

	var want Entry
	for i, seq := range sequences {
		r := newTestRecord("1")
		for _, idx := range seq {
			_, err := r.ApplyTrade(trades[idx], testNow)
			require.NoError(t, err)
		}
		got := r.Entry()
		if i == 0 {
			want = got
			assert.Equal(t, enum.OrderStateFilled, got.State)
			continue
		}
		assert.Equal(t, want.State, got.State)
		assert.True(t, want.ExecutedBase.Equal(got.ExecutedBase))
		assert.True(t, want.ExecutedQuote.Equal(got.ExecutedQuote))
		assert.True(t, want.FeePaid.Equal(got.FeePaid))
		assert.Equal(t, want.AppliedTradeIDs, got.AppliedTradeIDs)
	}
}

func TestCloneIsDetached(t *testing.T) {
	r := newTestRecord("1")
	_, _ = r.ApplyTrade(Trade{ID: "a", Amount: dec("0.1"), Price: dec("1")}, testNow)
	c := r.Clone()
	_, _ = r.ApplyTrade(Trade{ID: "b", Amount: dec("0.1"), Price: dec("1")}, testNow)

	assert.Equal(t, 1, c.TradeCount())
	assert.False(t, c.HasTrade("b"))
	assert.True(t, c.ExecutedBase.Equal(dec("0.1")))
}
