package btcc

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
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

type route struct {
	method string
	path   string
	reply  string
}

// newTestAdapter serves fixed replies. The returned func yields the last request body sent to a path.
func newTestAdapter(t *testing.T, routes ...route) (*Adapter, func(path string) map[string]string) {
	t.Helper()
	var mu sync.Mutex
	bodies := make(map[string]map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, rt := range routes {
			if rt.method != r.Method || _pathPrefix+rt.path != r.URL.Path {
				continue
			}
			if r.Method == http.MethodPost {
				data, _ := io.ReadAll(r.Body)
				body := map[string]string{}
				_ = sonic.ConfigFastest.Unmarshal(data, &body)
				mu.Lock()
				bodies[rt.path] = body
				mu.Unlock()
			}
			_, _ = w.Write([]byte(rt.reply))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	budget, err := restclient.NewBudget(RateLimits(), nil)
	require.NoError(t, err)
	client := restclient.New(srv.URL, budget,
		restclient.WithAuthenticator(Signer{AccessID: "key", SecretKey: "secret"}),
		restclient.WithRetryPolicy(restclient.RetryPolicy{MaxAttempts: 1}),
	)
	return New(client, []string{"BTC-USDT"}), func(path string) map[string]string {
		mu.Lock()
		defer mu.Unlock()
		return bodies[path]
	}
}

func TestSignerSignature(t *testing.T) {
	req := restclient.Request{
		Body:   map[string]string{"market": "BTCUSDT"},
		Header: http.Header{},
	}
	s := Signer{AccessID: "key", SecretKey: "secret"}
	require.NoError(t, s.Sign(&req, time.Unix(1700000000, 0)))

	assert.Equal(t, "key", req.Body["access_id"])
	assert.Equal(t, "1700000000", req.Body["tm"])
	assert.Equal(t, "3821b6c1d2735369d1914238a0af3210", req.Header.Get("authorization"))

	assert.ErrorIs(t, Signer{}.Sign(&req, time.Now()), exception.ErrFatalConfig)
}

func TestPlaceLimitOrder(t *testing.T) {
	a, bodies := newTestAdapter(t, route{
		method: http.MethodPost,
		path:   "/order/limit",
		reply:  `{"id":1,"result":{"id":42,"ctime":1700000000.5,"market":"BTCUSDT","client_id":"c1"}}`,
	})

	res, err := a.PlaceOrder(t.Context(), venue.PlaceRequest{
		ClientOrderID: "c1",
		TradingPair:   "BTC-USDT",
		Side:          enum.OrderSideSell,
		Type:          enum.OrderTypeLimitMaker,
		Price:         dec("100.5"),
		Amount:        dec("0.25"),
	})
	require.NoError(t, err)
	assert.Equal(t, "42", res.ExchangeOrderID)
	assert.Equal(t, int64(1700000000), res.Timestamp.Unix())

	body := bodies("/order/limit")
	assert.Equal(t, "key", body["access_id"])
	assert.Equal(t, "BTCUSDT", body["market"])
	assert.Equal(t, "2", body["side"])
	assert.Equal(t, "100.5", body["price"])
	assert.Equal(t, "0.25", body["amount"])
	assert.Equal(t, _optionMakerOnly, body["option"])
	assert.Equal(t, "c1", body["client_id"])
}

func TestPlaceOrderErrors(t *testing.T) {
	a, _ := newTestAdapter(t,
		route{method: http.MethodPost, path: "/order/limit", reply: `{"id":1,"error":{"code":107,"message":"balance not enough"}}`},
		route{method: http.MethodPost, path: "/order/market", reply: `{"id":1,"error":{"code":1,"message":"internal error"}}`},
	)

	req := venue.PlaceRequest{ClientOrderID: "c1", TradingPair: "BTC-USDT", Side: enum.OrderSideBuy, Type: enum.OrderTypeLimit, Price: dec("1"), Amount: dec("1")}
	_, err := a.PlaceOrder(t.Context(), req)
	var rejection *exception.VenueRejection
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "107", rejection.Code)

	req.Type = enum.OrderTypeMarket
	_, err = a.PlaceOrder(t.Context(), req)
	assert.ErrorIs(t, err, exception.ErrTransientNetwork)
}

func TestGetOrderStatus(t *testing.T) {
	a, _ := newTestAdapter(t, route{
		method: http.MethodGet,
		path:   "/order/status",
		reply:  `{"id":1,"result":{"id":42,"market":"BTCUSDT","client_id":"c1","status":"part_deal","deal_stock":"0.1","mtime":1700000001}}`,
	})

	st, err := a.GetOrderStatus(t.Context(), venue.OrderRef{ClientOrderID: "c1", TradingPair: "BTC-USDT"})
	require.NoError(t, err)
	assert.Equal(t, enum.OrderStatePartiallyFilled, st.State)
	assert.Equal(t, "42", st.ExchangeOrderID)
	assert.Equal(t, "BTC-USDT", st.TradingPair)
	assert.True(t, dec("0.1").Equal(st.ExecutedAmount), st.ExecutedAmount.String())
}

func TestGetOrderStatusNotFound(t *testing.T) {
	a, _ := newTestAdapter(t, route{
		method: http.MethodGet,
		path:   "/order/status",
		reply:  `{"id":1,"error":{"code":600,"message":"order not found"}}`,
	})

	_, err := a.GetOrderStatus(t.Context(), venue.OrderRef{ClientOrderID: "c1", TradingPair: "BTC-USDT"})
	assert.ErrorIs(t, err, exception.ErrOrderNotFound)
}

func TestGetOrderTrades(t *testing.T) {
	a, _ := newTestAdapter(t, route{
		method: http.MethodGet,
		path:   "/order/deals",
		reply: `{"id":1,"result":{"offset":0,"limit":100,"records":[
			{"id":7,"time":1700000000,"amount":"0.1","price":"100","deal":"10","fee":"0.01","fee_asset":"USDT","deal_order_id":42},
			{"id":8,"time":1700000001,"amount":"0.2","price":"101","deal":"20.2","fee":"0.02","fee_asset":"USDT","deal_order_id":42}
		]}}`,
	})

	trades, err := a.GetOrderTrades(t.Context(), venue.OrderRef{ClientOrderID: "c1", ExchangeOrderID: "42", TradingPair: "BTC-USDT"})
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "7", trades[0].Trade.ID)
	assert.True(t, dec("20.2").Equal(trades[1].Trade.Quote))
	assert.Equal(t, "c1", trades[1].ClientOrderID)
}

func TestGetBalances(t *testing.T) {
	a, _ := newTestAdapter(t, route{
		method: http.MethodGet,
		path:   "/account/balance",
		reply:  `{"id":1,"result":{"BTC":{"available":"1.5","freeze":"0.5"}}}`,
	})

	bs, err := a.GetBalances(t.Context())
	require.NoError(t, err)
	require.Len(t, bs, 1)
	assert.Equal(t, "BTC", bs[0].Asset)
	assert.True(t, dec("2").Equal(bs[0].Total))
	assert.True(t, dec("1.5").Equal(bs[0].Available))
}

func TestGetTradingRules(t *testing.T) {
	a, _ := newTestAdapter(t, route{
		method: http.MethodGet,
		path:   "/market/list",
		reply: `{"id":1,"result":[
			{"name":"BTCUSDT","stock":"BTC","money":"USDT","stock_prec":4,"money_prec":2,"min_amount":"0.001","max_amount":"100","min_total":"5","taker_fee_rate":"0.002","maker_fee_rate":"0.001","trading_enabled":true},
			{"name":"ETHUSDT","stock":"ETH","money":"USDT","stock_prec":3,"money_prec":2,"min_amount":"0.01","trading_enabled":true}
		]}`,
	})

	rules, err := a.GetTradingRules(t.Context(), []string{"BTC-USDT", "DOGE-USDT"})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	r := rules[0]
	assert.Equal(t, "BTC-USDT", r.TradingPair)
	assert.True(t, dec("0.0001").Equal(r.MinBaseAmountIncrement))
	assert.True(t, dec("0.01").Equal(r.MinPriceIncrement))
	assert.True(t, dec("5").Equal(r.MinNotionalSize))

	fees, err := a.GetTradingFees(t.Context(), []string{"BTC-USDT"})
	require.NoError(t, err)
	require.Len(t, fees, 1)
	assert.True(t, dec("0.001").Equal(fees[0].Maker))
}

func TestParseStreamOrderFinish(t *testing.T) {
	a := New(nil, []string{"BTC-USDT"})
	msg := `{"method":"order.update","params":[3,{"id":42,"side":1,"market":"BTCUSDT","client_id":"c1",
		"amount":"1","left":"0","deal_stock":"1","taker_fee":"0.002","maker_fee":"0.001",
		"last_deal_amount":"0.4","last_deal_price":"100","last_deal_time":1700000000,"last_deal_id":9,"last_role":1}],"id":null}`

	events, err := a.ParseStream([]byte(msg))
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, venue.StreamEventTrade, events[0].Kind)
	tr := events[0].Trade
	assert.Equal(t, "9", tr.Trade.ID)
	assert.Equal(t, "c1", tr.ClientOrderID)
	assert.True(t, dec("0.04").Equal(tr.Trade.Fee))
	assert.Equal(t, "USDT", tr.Trade.FeeAsset)

	assert.Equal(t, venue.StreamEventOrder, events[1].Kind)
	assert.Equal(t, enum.OrderStateFilled, events[1].Order.State)
}

func TestParseStreamCancelAndAssets(t *testing.T) {
	a := New(nil, []string{"BTC-USDT"})

	events, err := a.ParseStream([]byte(`{"method":"order.update","params":[3,{"id":42,"market":"BTCUSDT","client_id":"c1","amount":"1","left":"0.6"}]}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, enum.OrderStateCancelled, events[0].Order.State)
	assert.True(t, dec("0.4").Equal(events[0].Order.ExecutedAmount), events[0].Order.ExecutedAmount.String())

	events, err = a.ParseStream([]byte(`{"method":"asset.update","params":[{"USDT":{"available":"10","freeze":"2"}}]}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Len(t, events[0].Balances, 1)
	assert.True(t, dec("12").Equal(events[0].Balances[0].Total))

	events, err = a.ParseStream([]byte(`{"id":1,"result":{"status":"success"}}`))
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = a.ParseStream([]byte(`{"id":1,"error":{"code":5,"message":"auth failed"}}`))
	assert.Error(t, err)
}
