package enum

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderStateTerminal(t *testing.T) {
	terminal := []OrderState{OrderStateFilled, OrderStateCancelled, OrderStateFailed, OrderStateExpired}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), s.String())
		assert.False(t, s.IsOpen(), s.String())
	}

	for _, s := range []OrderState{OrderStateLocal, OrderStateSubmitted, OrderStatePartiallyFilled} {
		assert.False(t, s.IsTerminal(), s.String())
	}
	assert.False(t, OrderStateLocal.IsOpen())
	assert.True(t, OrderStatePartiallyFilled.IsOpen())
}

func TestAvailability(t *testing.T) {
	assert.False(t, OrderSide(0).IsAvailable())
	assert.True(t, OrderSideSell.IsAvailable())
	assert.False(t, _order_type_end.IsAvailable())
	assert.True(t, OrderTypeLimitMaker.IsLimit())
	assert.False(t, OrderTypeMarket.IsLimit())
}

func TestParsePlatform(t *testing.T) {
	assert.Equal(t, PlatformBinance, ParsePlatform(" Binance "))
	assert.Equal(t, PlatformBTCC, ParsePlatform("btcc"))
	assert.False(t, ParsePlatform("kraken").IsAvailable())
}
