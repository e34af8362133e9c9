package binance

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeconn/internal/adapter/enum"
	"tradeconn/internal/restclient"
	"tradeconn/internal/venue"
	"tradeconn/pkg/exception"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type reply struct {
	status int
	body   string
}

// newTestAdapter serves replies keyed by "METHOD path". The returned func yields the last form sent to a key.
func newTestAdapter(t *testing.T, replies map[string]reply) (*Adapter, func(key string) url.Values) {
	t.Helper()
	var mu sync.Mutex
	forms := make(map[string]url.Values)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		_ = r.ParseForm()
		mu.Lock()
		forms[key] = r.Form
		mu.Unlock()

		rp, ok := replies[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":-1,"msg":"no route"}`))
			return
		}
		if rp.status != 0 {
			w.WriteHeader(rp.status)
		}
		_, _ = w.Write([]byte(rp.body))
	}))
	t.Cleanup(srv.Close)

	budget, err := restclient.NewBudget(RateLimits(), nil)
	require.NoError(t, err)
	client := restclient.New(srv.URL, budget, restclient.WithRetryPolicy(restclient.RetryPolicy{MaxAttempts: 1}))
	return New(client, srv.URL, "key", "secret", []string{"BTC-USDT"}), func(key string) url.Values {
		mu.Lock()
		defer mu.Unlock()
		return forms[key]
	}
}

func TestResolveLimit(t *testing.T) {
	post := httptest.NewRequest(http.MethodPost, "/api/v3/order", nil)
	get := httptest.NewRequest(http.MethodGet, "/api/v3/order", nil)
	account := httptest.NewRequest(http.MethodGet, "/api/v3/account", nil)

	assert.Equal(t, LimitOrders, ResolveLimit(post))
	assert.Equal(t, LimitWeight, ResolveLimit(get))
	assert.Equal(t, LimitWeight, ResolveLimit(account))
}

func TestPlaceOrder(t *testing.T) {
	a, form := newTestAdapter(t, map[string]reply{
		"POST /api/v3/order": {body: `{"symbol":"BTCUSDT","orderId":28,"clientOrderId":"c1","transactTime":1700000000000,"status":"NEW"}`},
	})

	res, err := a.PlaceOrder(t.Context(), venue.PlaceRequest{
		ClientOrderID: "c1",
		TradingPair:   "BTC-USDT",
		Side:          enum.OrderSideBuy,
		Type:          enum.OrderTypeLimitMaker,
		Price:         dec("100.5"),
		Amount:        dec("0.01"),
	})
	require.NoError(t, err)
	assert.Equal(t, "28", res.ExchangeOrderID)
	assert.Equal(t, enum.OrderStateSubmitted, res.State)
	assert.Equal(t, int64(1700000000000), res.Timestamp.UnixMilli())

	f := form("POST /api/v3/order")
	assert.Equal(t, "BTCUSDT", f.Get("symbol"))
	assert.Equal(t, "BUY", f.Get("side"))
	assert.Equal(t, "LIMIT_MAKER", f.Get("type"))
	assert.Equal(t, "c1", f.Get("newClientOrderId"))
	assert.NotEmpty(t, f.Get("signature"))
}

func TestPlaceOrderErrors(t *testing.T) {
	req := venue.PlaceRequest{ClientOrderID: "c1", TradingPair: "BTC-USDT", Side: enum.OrderSideSell, Type: enum.OrderTypeMarket, Amount: dec("1")}

	a, _ := newTestAdapter(t, map[string]reply{
		"POST /api/v3/order": {status: http.StatusBadRequest, body: `{"code":-2010,"msg":"Account has insufficient balance for requested action."}`},
	})
	_, err := a.PlaceOrder(t.Context(), req)
	var rejection *exception.VenueRejection
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "-2010", rejection.Code)

	a, _ = newTestAdapter(t, map[string]reply{
		"POST /api/v3/order": {status: http.StatusServiceUnavailable, body: `{"code":-1007,"msg":"Timeout waiting for response from backend server. Send status unknown; execution status unknown."}`},
	})
	_, err = a.PlaceOrder(t.Context(), req)
	assert.ErrorIs(t, err, exception.ErrTransientNetwork)

	// edge pages carry no venue code, so the order may or may not exist
	for _, status := range []int{http.StatusBadGateway, 520, http.StatusForbidden} {
		a, _ = newTestAdapter(t, map[string]reply{
			"POST /api/v3/order": {status: status, body: `<html><head><title>error</title></head><body>cloudflare</body></html>`},
		})
		_, err = a.PlaceOrder(t.Context(), req)
		assert.ErrorIs(t, err, exception.ErrTransientNetwork, status)
		assert.False(t, errors.As(err, &rejection), status)
	}

	a, _ = newTestAdapter(t, map[string]reply{
		"POST /api/v3/order": {status: http.StatusTooManyRequests, body: `{"code":-1003,"msg":"Too many requests."}`},
	})
	_, err = a.PlaceOrder(t.Context(), req)
	assert.ErrorIs(t, err, exception.ErrRateLimited)
}

func TestGetOrderStatusEdgePage(t *testing.T) {
	a, _ := newTestAdapter(t, map[string]reply{
		"GET /api/v3/order": {status: http.StatusForbidden, body: `<html><body>blocked</body></html>`},
	})

	_, err := a.GetOrderStatus(t.Context(), venue.OrderRef{ClientOrderID: "c1", TradingPair: "BTC-USDT"})
	assert.ErrorIs(t, err, exception.ErrTransientNetwork)
	assert.NotErrorIs(t, err, exception.ErrOrderNotFound)
}

func TestGetOrderStatus(t *testing.T) {
	a, form := newTestAdapter(t, map[string]reply{
		"GET /api/v3/order": {body: `{"symbol":"BTCUSDT","orderId":28,"clientOrderId":"c1","status":"PARTIALLY_FILLED","executedQty":"0.25","updateTime":1700000000000}`},
	})

	st, err := a.GetOrderStatus(t.Context(), venue.OrderRef{ClientOrderID: "c1", TradingPair: "BTC-USDT"})
	require.NoError(t, err)
	assert.Equal(t, enum.OrderStatePartiallyFilled, st.State)
	assert.Equal(t, "28", st.ExchangeOrderID)
	assert.Equal(t, "BTC-USDT", st.TradingPair)
	assert.True(t, dec("0.25").Equal(st.ExecutedAmount))
	assert.Equal(t, "c1", form("GET /api/v3/order").Get("origClientOrderId"))
}

func TestGetOrderStatusNotFound(t *testing.T) {
	a, _ := newTestAdapter(t, map[string]reply{
		"GET /api/v3/order": {status: http.StatusBadRequest, body: `{"code":-2013,"msg":"Order does not exist."}`},
	})

	_, err := a.GetOrderStatus(t.Context(), venue.OrderRef{ClientOrderID: "c1", TradingPair: "BTC-USDT"})
	assert.ErrorIs(t, err, exception.ErrOrderNotFound)
}

func TestGetOrderTrades(t *testing.T) {
	a, form := newTestAdapter(t, map[string]reply{
		"GET /api/v3/myTrades": {body: `[
			{"id":7,"symbol":"BTCUSDT","orderId":28,"price":"100","qty":"0.1","quoteQty":"10","commission":"0.0001","commissionAsset":"BTC","time":1700000000000,"isBuyer":true,"isMaker":false}
		]`},
	})

	trades, err := a.GetOrderTrades(t.Context(), venue.OrderRef{ClientOrderID: "c1", ExchangeOrderID: "28", TradingPair: "BTC-USDT"})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "7", trades[0].Trade.ID)
	assert.True(t, dec("10").Equal(trades[0].Trade.Quote))
	assert.Equal(t, "BTC", trades[0].Trade.FeeAsset)
	assert.Equal(t, "28", form("GET /api/v3/myTrades").Get("orderId"))
}

func TestGetTradingRules(t *testing.T) {
	a, _ := newTestAdapter(t, map[string]reply{
		"GET /api/v3/exchangeInfo": {body: `{"symbols":[
			{"symbol":"BTCUSDT","status":"TRADING","baseAsset":"BTC","quoteAsset":"USDT","filters":[
				{"filterType":"PRICE_FILTER","minPrice":"0.01","maxPrice":"1000000","tickSize":"0.01"},
				{"filterType":"LOT_SIZE","minQty":"0.00001","maxQty":"9000","stepSize":"0.00001"},
				{"filterType":"NOTIONAL","minNotional":"5.00000000","applyMinToMarket":true}
			]},
			{"symbol":"ETHUSDT","status":"TRADING","filters":[]}
		]}`},
	})

	rules, err := a.GetTradingRules(t.Context(), []string{"BTC-USDT"})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	r := rules[0]
	assert.Equal(t, "BTC-USDT", r.TradingPair)
	assert.True(t, dec("0.00001").Equal(r.MinOrderSize))
	assert.True(t, dec("0.00001").Equal(r.MinBaseAmountIncrement))
	assert.True(t, dec("0.01").Equal(r.MinPriceIncrement))
	assert.True(t, dec("5").Equal(r.MinNotionalSize))
}

func TestGetBalances(t *testing.T) {
	a, _ := newTestAdapter(t, map[string]reply{
		"GET /api/v3/account": {body: `{"balances":[{"asset":"BTC","free":"1.5","locked":"0.5"}]}`},
	})

	bs, err := a.GetBalances(t.Context())
	require.NoError(t, err)
	require.Len(t, bs, 1)
	assert.True(t, dec("2").Equal(bs[0].Total))
}

func TestParseStreamExecutionReport(t *testing.T) {
	a := New(restclient.New("http://localhost", nil), "http://localhost", "k", "s", []string{"BTC-USDT"})

	events, err := a.ParseStream([]byte(`{"e":"executionReport","E":1700000000001,"s":"BTCUSDT","c":"c1","C":"","S":"BUY",
		"x":"TRADE","X":"FILLED","r":"NONE","i":28,"l":"0.1","L":"100","Y":"10","n":"0.0001","N":"BTC","T":1700000000000,"t":7}`))
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, venue.StreamEventTrade, events[0].Kind)
	assert.Equal(t, "7", events[0].Trade.Trade.ID)
	assert.Equal(t, "c1", events[0].Trade.ClientOrderID)
	assert.True(t, dec("0.0001").Equal(events[0].Trade.Trade.Fee))

	assert.Equal(t, enum.OrderStateFilled, events[1].Order.State)
	assert.Equal(t, "BTC-USDT", events[1].Order.TradingPair)
}

func TestParseStreamCancelAndBalances(t *testing.T) {
	a := New(restclient.New("http://localhost", nil), "http://localhost", "k", "s", []string{"BTC-USDT"})

	events, err := a.ParseStream([]byte(`{"e":"executionReport","E":1,"s":"BTCUSDT","c":"cancel-req","C":"c1","x":"CANCELED","X":"CANCELED","i":28,"z":"0.3"}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "c1", events[0].Order.ClientOrderID)
	assert.Equal(t, enum.OrderStateCancelled, events[0].Order.State)
	assert.True(t, dec("0.3").Equal(events[0].Order.ExecutedAmount))

	events, err = a.ParseStream([]byte(`{"e":"outboundAccountPosition","E":1,"u":1,"B":[{"a":"USDT","f":"10","l":"2"}]}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, dec("12").Equal(events[0].Balances[0].Total))

	events, err = a.ParseStream([]byte(`{"e":"listStatus"}`))
	require.NoError(t, err)
	assert.Empty(t, events)
}
