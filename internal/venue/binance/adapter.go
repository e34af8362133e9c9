// Package binance adapts the Binance spot API through the go-binance SDK.
package binance

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	yerrors "github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradeconn/internal/adapter/enum"
	"tradeconn/internal/order"
	"tradeconn/internal/restclient"
	"tradeconn/internal/rule"
	"tradeconn/internal/venue"
	"tradeconn/pkg/exception"
)

const (
	BaseURL        = "https://api.binance.com"
	BaseURLTestnet = "https://testnet.binance.vision"

	StreamURL        = "wss://stream.binance.com:9443/ws/"
	StreamURLTestnet = "wss://stream.testnet.binance.vision/ws/"

	// ListenKeyKeepalive renews the user stream key well before its 60 minute expiry.
	ListenKeyKeepalive = 30 * time.Minute
)

// Rate limit pools.
const (
	LimitWeight = "weight"
	LimitOrders = "orders"
)

const (
	_codeDisconnected    = -1001
	_codeTooManyRequests = -1003
	_codeUnknown         = -1006
	_codeTimeout         = -1007
	_codeCancelRejected  = -2011
	_codeNoSuchOrder     = -2013
)

func RateLimits() []restclient.RateLimit {
	return []restclient.RateLimit{
		{ID: LimitWeight, Limit: 6000, Interval: time.Minute},
		{ID: LimitOrders, Limit: 100, Interval: 10 * time.Second, Linked: []restclient.LinkedLimit{{ID: LimitWeight, Weight: 1}}},
	}
}

// ResolveLimit charges order placement and cancellation against the order pool.
func ResolveLimit(r *http.Request) string {
	if r.URL.Path == "/api/v3/order" && r.Method != http.MethodGet {
		return LimitOrders
	}
	return LimitWeight
}

// Symbol converts a BASE-QUOTE pair into the venue symbol.
func Symbol(pair string) string {
	return strings.ToUpper(strings.ReplaceAll(pair, "-", ""))
}

type Adapter struct {
	client *binance.Client
	// pairs maps venue symbols back to BASE-QUOTE pairs.
	pairs map[string]string
}

// New builds an adapter whose SDK traffic goes through the rate limited client.
func New(client *restclient.Client, baseURL, apiKey, secretKey string, pairs []string) *Adapter {
	c := binance.NewClient(apiKey, secretKey)
	c.BaseURL = strings.TrimRight(baseURL, "/")
	c.HTTPClient = client.HTTPClient(ResolveLimit)

	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		m[Symbol(p)] = p
	}
	return &Adapter{client: c, pairs: m}
}

// SetTimeOffset applies a server time offset in milliseconds to signed requests.
func (a *Adapter) SetTimeOffset(offset time.Duration) {
	a.client.TimeOffset = -offset.Milliseconds()
}

func (a *Adapter) pair(symbol string) string {
	if p, ok := a.pairs[symbol]; ok {
		return p
	}
	return symbol
}

func (a *Adapter) PlaceOrder(ctx context.Context, req venue.PlaceRequest) (venue.PlaceResult, error) {
	svc := a.client.NewCreateOrderService().
		Symbol(Symbol(req.TradingPair)).
		Side(side(req.Side)).
		Quantity(req.Amount.String()).
		NewClientOrderID(req.ClientOrderID)
	switch req.Type {
	case enum.OrderTypeLimit:
		svc = svc.Type(binance.OrderTypeLimit).TimeInForce(binance.TimeInForceTypeGTC).Price(req.Price.String())
	case enum.OrderTypeLimitMaker:
		svc = svc.Type(binance.OrderTypeLimitMaker).Price(req.Price.String())
	case enum.OrderTypeMarket:
		svc = svc.Type(binance.OrderTypeMarket)
	default:
		return venue.PlaceResult{}, exception.ErrOrderUnsupportedType
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return venue.PlaceResult{}, placementError(err)
	}
	return venue.PlaceResult{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		Timestamp:       time.UnixMilli(resp.TransactTime),
		State:           orderState(resp.Status),
	}, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, ref venue.OrderRef) (bool, error) {
	svc := a.client.NewCancelOrderService().Symbol(Symbol(ref.TradingPair))
	if id, ok := exchangeID(ref); ok {
		svc = svc.OrderID(id)
	} else {
		svc = svc.OrigClientOrderID(ref.ClientOrderID)
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return false, queryError(err)
	}
	return resp.Status == binance.OrderStatusTypeCanceled, nil
}

func (a *Adapter) GetOrderStatus(ctx context.Context, ref venue.OrderRef) (venue.OrderStatus, error) {
	svc := a.client.NewGetOrderService().Symbol(Symbol(ref.TradingPair))
	if id, ok := exchangeID(ref); ok {
		svc = svc.OrderID(id)
	} else {
		svc = svc.OrigClientOrderID(ref.ClientOrderID)
	}
	o, err := svc.Do(ctx)
	if err != nil {
		return venue.OrderStatus{}, queryError(err)
	}
	return a.orderStatus(o), nil
}

func (a *Adapter) GetOpenOrders(ctx context.Context, pairs []string) ([]venue.OrderStatus, error) {
	var out []venue.OrderStatus
	for _, p := range pairs {
		orders, err := a.client.NewListOpenOrdersService().Symbol(Symbol(p)).Do(ctx)
		if err != nil {
			return nil, queryError(err)
		}
		for _, o := range orders {
			out = append(out, a.orderStatus(o))
		}
	}
	return out, nil
}

func (a *Adapter) GetOrderTrades(ctx context.Context, ref venue.OrderRef) ([]venue.TradeUpdate, error) {
	id, ok := exchangeID(ref)
	if !ok {
		st, err := a.GetOrderStatus(ctx, ref)
		if err != nil {
			return nil, err
		}
		ref.ExchangeOrderID = st.ExchangeOrderID
		if id, ok = exchangeID(ref); !ok {
			return nil, yerrors.Wrapf(exception.ErrInResponseError, "order %s has no venue id", ref.ClientOrderID)
		}
	}

	trades, err := a.client.NewListTradesService().Symbol(Symbol(ref.TradingPair)).OrderId(id).Do(ctx)
	if err != nil {
		return nil, queryError(err)
	}
	out := make([]venue.TradeUpdate, 0, len(trades))
	for _, t := range trades {
		tr, err := trade(t)
		if err != nil {
			return nil, err
		}
		out = append(out, venue.TradeUpdate{OrderRef: ref, Trade: tr})
	}
	return out, nil
}

func (a *Adapter) GetBalances(ctx context.Context) ([]venue.Balance, error) {
	acc, err := a.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, queryError(err)
	}
	out := make([]venue.Balance, 0, len(acc.Balances))
	for _, b := range acc.Balances {
		bal, err := balance(b.Asset, b.Free, b.Locked)
		if err != nil {
			return nil, err
		}
		out = append(out, bal)
	}
	return out, nil
}

// GetTradingRules returns rules for the listed pairs trading on the venue.
func (a *Adapter) GetTradingRules(ctx context.Context, pairs []string) ([]rule.Rule, error) {
	info, err := a.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, queryError(err)
	}
	wanted := make(map[string]string, len(pairs))
	for _, p := range pairs {
		wanted[Symbol(p)] = p
	}

	var out []rule.Rule
	for _, s := range info.Symbols {
		pair, ok := wanted[s.Symbol]
		if !ok || s.Status != "TRADING" {
			continue
		}
		r, err := symbolRule(pair, s.Filters)
		if err != nil {
			return nil, yerrors.Wrap(err, "parse filters").With("symbol", s.Symbol)
		}
		out = append(out, r)
	}
	return out, nil
}

func (a *Adapter) LastTradedPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	prices, err := a.client.NewListPricesService().Symbol(Symbol(pair)).Do(ctx)
	if err != nil {
		return decimal.Zero, queryError(err)
	}
	for _, p := range prices {
		if p.Symbol == Symbol(pair) {
			return decimal.NewFromString(p.Price)
		}
	}
	return decimal.Zero, yerrors.Wrapf(exception.ErrInResponseError, "no price for %s", pair)
}

func (a *Adapter) ServerTime(ctx context.Context) (time.Time, error) {
	ms, err := a.client.NewServerTimeService().Do(ctx)
	if err != nil {
		return time.Time{}, queryError(err)
	}
	return time.UnixMilli(ms), nil
}

// StartUserStream opens a listen key and returns the user stream url.
func (a *Adapter) StartUserStream(ctx context.Context) (string, error) {
	key, err := a.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return "", queryError(err)
	}
	return key, nil
}

func (a *Adapter) KeepaliveUserStream(ctx context.Context, listenKey string) error {
	if err := a.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
		return queryError(err)
	}
	return nil
}

func (a *Adapter) orderStatus(o *binance.Order) venue.OrderStatus {
	return venue.OrderStatus{
		OrderRef: venue.OrderRef{
			ClientOrderID:   o.ClientOrderID,
			ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
			TradingPair:     a.pair(o.Symbol),
		},
		State:          orderState(o.Status),
		ExecutedAmount: executedAmount(o.ExecutedQuantity),
		Timestamp:      time.UnixMilli(o.UpdateTime),
	}
}

// executedAmount reads a cumulative executed quantity, zero when absent or malformed.
func executedAmount(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		logs.Warnf("parse executed quantity %q, err: %+v", s, err)
		return decimal.Zero
	}
	return d
}

func exchangeID(ref venue.OrderRef) (int64, bool) {
	if ref.ExchangeOrderID == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(ref.ExchangeOrderID, 10, 64)
	return id, err == nil
}

func side(s enum.OrderSide) binance.SideType {
	if s == enum.OrderSideSell {
		return binance.SideTypeSell
	}
	return binance.SideTypeBuy
}

func orderState(s binance.OrderStatusType) enum.OrderState {
	switch s {
	case binance.OrderStatusTypeNew, binance.OrderStatusTypePendingCancel:
		return enum.OrderStateSubmitted
	case binance.OrderStatusTypePartiallyFilled:
		return enum.OrderStatePartiallyFilled
	case binance.OrderStatusTypeFilled:
		return enum.OrderStateFilled
	case binance.OrderStatusTypeCanceled:
		return enum.OrderStateCancelled
	case binance.OrderStatusTypeRejected:
		return enum.OrderStateFailed
	case binance.OrderStatusTypeExpired, "EXPIRED_IN_MATCH":
		return enum.OrderStateExpired
	default:
		return enum.OrderStateSubmitted
	}
}

func apiError(err error) (*common.APIError, bool) {
	var e *common.APIError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func placementError(err error) error {
	var limited *exception.RateLimitError
	if errors.As(err, &limited) {
		return limited
	}
	e, ok := apiError(err)
	if !ok || !e.IsValid() {
		// no venue answer, the outcome is unknown
		return &exception.NetworkError{Method: http.MethodPost, Path: "/api/v3/order", Attempts: 1, Err: err}
	}
	switch e.Code {
	case _codeDisconnected, _codeUnknown, _codeTimeout:
		// the venue may have accepted the order
		return &exception.NetworkError{Method: http.MethodPost, Path: "/api/v3/order", Attempts: 1, Err: e}
	case _codeTooManyRequests:
		return &exception.RateLimitError{StatusCode: http.StatusTooManyRequests}
	default:
		return &exception.VenueRejection{Code: strconv.FormatInt(e.Code, 10), Reason: e.Message}
	}
}

func queryError(err error) error {
	var limited *exception.RateLimitError
	if errors.As(err, &limited) {
		return limited
	}
	e, ok := apiError(err)
	if !ok {
		return err
	}
	if !e.IsValid() {
		return &exception.NetworkError{Attempts: 1, Err: err}
	}
	switch e.Code {
	case _codeNoSuchOrder, _codeCancelRejected:
		if e.Code == _codeCancelRejected && !strings.Contains(strings.ToLower(e.Message), "unknown order") {
			return &exception.VenueRejection{Code: strconv.FormatInt(e.Code, 10), Reason: e.Message}
		}
		return yerrors.Wrap(exception.ErrOrderNotFound, e.Message)
	case _codeDisconnected, _codeUnknown, _codeTimeout:
		return &exception.NetworkError{Attempts: 1, Err: e}
	case _codeTooManyRequests:
		return &exception.RateLimitError{StatusCode: http.StatusTooManyRequests}
	default:
		return yerrors.Wrapf(exception.ErrInResponseError, "code: %d, message: %s", e.Code, e.Message)
	}
}

func trade(t *binance.TradeV3) (order.Trade, error) {
	amount, err := decimal.NewFromString(t.Quantity)
	if err != nil {
		return order.Trade{}, yerrors.Wrap(err, "parse quantity")
	}
	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		return order.Trade{}, yerrors.Wrap(err, "parse price")
	}
	quote, err := decimal.NewFromString(t.QuoteQuantity)
	if err != nil {
		return order.Trade{}, yerrors.Wrap(err, "parse quote quantity")
	}
	fee, err := decimal.NewFromString(t.Commission)
	if err != nil {
		return order.Trade{}, yerrors.Wrap(err, "parse commission")
	}
	return order.Trade{
		ID:        strconv.FormatInt(t.ID, 10),
		Amount:    amount,
		Price:     price,
		Quote:     quote,
		Fee:       fee,
		FeeAsset:  t.CommissionAsset,
		Timestamp: time.UnixMilli(t.Time),
	}, nil
}

func balance(asset, free, locked string) (venue.Balance, error) {
	f, err := decimal.NewFromString(free)
	if err != nil {
		return venue.Balance{}, yerrors.Wrap(err, "parse free").With("asset", asset)
	}
	l, err := decimal.NewFromString(locked)
	if err != nil {
		return venue.Balance{}, yerrors.Wrap(err, "parse locked").With("asset", asset)
	}
	return venue.Balance{Asset: asset, Available: f, Total: f.Add(l)}, nil
}

// symbolRule reads LOT_SIZE, PRICE_FILTER and NOTIONAL (or the older MIN_NOTIONAL) filters.
func symbolRule(pair string, filters []map[string]interface{}) (rule.Rule, error) {
	r := rule.Rule{TradingPair: pair}
	for _, f := range filters {
		var err error
		switch f["filterType"] {
		case "LOT_SIZE":
			if r.MinOrderSize, err = filterDecimal(f, "minQty"); err != nil {
				return r, err
			}
			if r.MaxOrderSize, err = filterDecimal(f, "maxQty"); err != nil {
				return r, err
			}
			if r.MinBaseAmountIncrement, err = filterDecimal(f, "stepSize"); err != nil {
				return r, err
			}
		case "PRICE_FILTER":
			if r.MinPriceIncrement, err = filterDecimal(f, "tickSize"); err != nil {
				return r, err
			}
		case "NOTIONAL", "MIN_NOTIONAL":
			if r.MinNotionalSize, err = filterDecimal(f, "minNotional"); err != nil {
				return r, err
			}
		}
	}
	return r, nil
}

func filterDecimal(f map[string]interface{}, key string) (decimal.Decimal, error) {
	s, ok := f[key].(string)
	if !ok || s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, yerrors.Wrapf(err, "parse %s", key)
	}
	return d, nil
}
