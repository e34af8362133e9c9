// Package btcc adapts the BTCC spot REST and private websocket API.
package btcc

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

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
	BaseURL    = "https://spotapi2.btcccdn.com"
	BaseURLDev = "https://spot.cryptouat.com:9910"

	StreamURL    = "wss://spotprice2.btcccdn.com/ws"
	StreamURLDev = "wss://spot.cryptouat.com:8700/ws"

	_pathPrefix = "/btcc_api_trade"
	_pageLimit  = 100
)

// Rate limit pools.
const (
	LimitGlobal = "global"
	LimitOrder  = "order"
	LimitQuery  = "query"
	LimitPublic = "public"
)

const (
	_codeInternal      = 1
	_codeOrderNotFound = 600
	_codeOrderNotMatch = 601
)

const (
	_optionGTC       = "0"
	_optionMakerOnly = "2"
)

func RateLimits() []restclient.RateLimit {
	linked := []restclient.LinkedLimit{{ID: LimitGlobal, Weight: 1}}
	return []restclient.RateLimit{
		{ID: LimitGlobal, Limit: 100, Interval: time.Second},
		{ID: LimitOrder, Limit: 20, Interval: time.Second, Linked: linked},
		{ID: LimitQuery, Limit: 50, Interval: time.Second, Linked: linked},
		{ID: LimitPublic, Limit: 20, Interval: time.Second, Linked: linked},
	}
}

// Symbol converts a BASE-QUOTE pair into the venue market name.
func Symbol(pair string) string {
	return strings.ToUpper(strings.ReplaceAll(pair, "-", ""))
}

type Adapter struct {
	client *restclient.Client
	// pairs maps venue market names back to BASE-QUOTE pairs.
	pairs map[string]string
}

func New(client *restclient.Client, pairs []string) *Adapter {
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		m[Symbol(p)] = p
	}
	return &Adapter{client: client, pairs: m}
}

func (a *Adapter) pair(market string) string {
	if p, ok := a.pairs[market]; ok {
		return p
	}
	return market
}

func (a *Adapter) PlaceOrder(ctx context.Context, req venue.PlaceRequest) (venue.PlaceResult, error) {
	body := map[string]string{
		"market":    Symbol(req.TradingPair),
		"side":      side(req.Side),
		"amount":    req.Amount.String(),
		"client_id": req.ClientOrderID,
	}
	path := "/order/market"
	if req.Type.IsLimit() {
		path = "/order/limit"
		body["price"] = req.Price.String()
		body["option"] = _optionGTC
		if req.Type == enum.OrderTypeLimitMaker {
			body["option"] = _optionMakerOnly
		}
	}

	var resp Response[Order]
	err := a.client.Do(ctx, restclient.Request{
		Method:  http.MethodPost,
		Path:    _pathPrefix + path,
		Body:    body,
		LimitID: LimitOrder,
		Signed:  true,
	}, &resp)
	if err != nil {
		return venue.PlaceResult{}, err
	}
	if err := placementError(resp.Error); err != nil {
		return venue.PlaceResult{}, err
	}
	return venue.PlaceResult{
		ExchangeOrderID: strconv.FormatInt(resp.Data.ID, 10),
		Timestamp:       unixTime(resp.Data.Ctime),
	}, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, ref venue.OrderRef) (bool, error) {
	body := map[string]string{"market": Symbol(ref.TradingPair)}
	setOrderID(body, ref)

	var resp Response[Order]
	err := a.client.Do(ctx, restclient.Request{
		Method:  http.MethodPost,
		Path:    _pathPrefix + "/order/cancel",
		Body:    body,
		LimitID: LimitOrder,
		Signed:  true,
	}, &resp)
	if err != nil {
		return false, err
	}
	if err := queryError(resp.Error); err != nil {
		return false, err
	}
	return true, nil
}

func (a *Adapter) GetOrderStatus(ctx context.Context, ref venue.OrderRef) (venue.OrderStatus, error) {
	q := url.Values{"market": {Symbol(ref.TradingPair)}}
	if ref.ExchangeOrderID != "" {
		q.Set("id", ref.ExchangeOrderID)
	} else {
		q.Set("client_id", ref.ClientOrderID)
	}

	var resp Response[Order]
	if err := a.query(ctx, "/order/status", q, &resp); err != nil {
		return venue.OrderStatus{}, err
	}
	if err := queryError(resp.Error); err != nil {
		return venue.OrderStatus{}, err
	}
	st := a.orderStatus(resp.Data)
	if st.ClientOrderID == "" {
		st.ClientOrderID = ref.ClientOrderID
	}
	return st, nil
}

func (a *Adapter) GetOpenOrders(ctx context.Context, pairs []string) ([]venue.OrderStatus, error) {
	var out []venue.OrderStatus
	for _, p := range pairs {
		for offset := 0; ; offset += _pageLimit {
			q := url.Values{
				"market": {Symbol(p)},
				"offset": {strconv.Itoa(offset)},
				"limit":  {strconv.Itoa(_pageLimit)},
			}
			var resp Response[PendingOrders]
			if err := a.query(ctx, "/order/pending", q, &resp); err != nil {
				return nil, err
			}
			if err := queryError(resp.Error); err != nil {
				return nil, err
			}
			for _, o := range resp.Data.Records {
				out = append(out, a.orderStatus(o))
			}
			if len(resp.Data.Records) < _pageLimit {
				break
			}
		}
	}
	return out, nil
}

func (a *Adapter) GetOrderTrades(ctx context.Context, ref venue.OrderRef) ([]venue.TradeUpdate, error) {
	if ref.ExchangeOrderID == "" {
		// deals are keyed by the venue order id only
		st, err := a.GetOrderStatus(ctx, ref)
		if err != nil {
			return nil, err
		}
		ref.ExchangeOrderID = st.ExchangeOrderID
	}

	var out []venue.TradeUpdate
	for offset := 0; ; offset += _pageLimit {
		q := url.Values{
			"market": {Symbol(ref.TradingPair)},
			"id":     {ref.ExchangeOrderID},
			"offset": {strconv.Itoa(offset)},
			"limit":  {strconv.Itoa(_pageLimit)},
		}
		var resp Response[Deals]
		if err := a.query(ctx, "/order/deals", q, &resp); err != nil {
			return nil, err
		}
		if err := queryError(resp.Error); err != nil {
			return nil, err
		}
		for _, d := range resp.Data.Records {
			t, err := dealTrade(d)
			if err != nil {
				return nil, err
			}
			out = append(out, venue.TradeUpdate{OrderRef: ref, Trade: t})
		}
		if len(resp.Data.Records) < _pageLimit {
			break
		}
	}
	return out, nil
}

func (a *Adapter) GetBalances(ctx context.Context) ([]venue.Balance, error) {
	var resp Response[map[string]AssetBalance]
	if err := a.query(ctx, "/account/balance", nil, &resp); err != nil {
		return nil, err
	}
	if err := queryError(resp.Error); err != nil {
		return nil, err
	}
	out := make([]venue.Balance, 0, len(resp.Data))
	for asset, b := range resp.Data {
		available, err := parseDecimal(b.Available)
		if err != nil {
			return nil, yerrors.Wrap(err, "parse available").With("asset", asset)
		}
		frozen, err := parseDecimal(b.Freeze)
		if err != nil {
			return nil, yerrors.Wrap(err, "parse freeze").With("asset", asset)
		}
		out = append(out, venue.Balance{Asset: asset, Available: available, Total: available.Add(frozen)})
	}
	return out, nil
}

func (a *Adapter) markets(ctx context.Context) ([]Market, error) {
	var resp Response[[]Market]
	err := a.client.Do(ctx, restclient.Request{
		Method:     http.MethodGet,
		Path:       _pathPrefix + "/market/list",
		LimitID:    LimitPublic,
		Idempotent: true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if err := queryError(resp.Error); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// GetTradingRules returns rules for the listed pairs the venue trades. Unlisted pairs are left out.
func (a *Adapter) GetTradingRules(ctx context.Context, pairs []string) ([]rule.Rule, error) {
	ms, err := a.markets(ctx)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(pairs))
	for _, p := range pairs {
		wanted[p] = struct{}{}
	}

	var out []rule.Rule
	for _, m := range ms {
		pair := m.Stock + "-" + m.Money
		if _, ok := wanted[pair]; !ok || !m.TradingEnabled {
			continue
		}
		r, err := marketRule(pair, m)
		if err != nil {
			return nil, yerrors.Wrap(err, "parse market").With("market", m.Name)
		}
		out = append(out, r)
	}
	return out, nil
}

func (a *Adapter) GetTradingFees(ctx context.Context, pairs []string) ([]venue.TradingFee, error) {
	ms, err := a.markets(ctx)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(pairs))
	for _, p := range pairs {
		wanted[p] = struct{}{}
	}

	var out []venue.TradingFee
	for _, m := range ms {
		pair := m.Stock + "-" + m.Money
		if _, ok := wanted[pair]; !ok {
			continue
		}
		maker, err := parseDecimal(m.MakerFeeRate)
		if err != nil {
			return nil, err
		}
		taker, err := parseDecimal(m.TakerFeeRate)
		if err != nil {
			return nil, err
		}
		out = append(out, venue.TradingFee{TradingPair: pair, Maker: maker, Taker: taker})
	}
	return out, nil
}

func (a *Adapter) LastTradedPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	var resp Response[Ticker]
	err := a.client.Do(ctx, restclient.Request{
		Method:     http.MethodGet,
		Path:       _pathPrefix + "/market/ticker",
		Query:      url.Values{"market": {Symbol(pair)}},
		LimitID:    LimitPublic,
		Idempotent: true,
	}, &resp)
	if err != nil {
		return decimal.Zero, err
	}
	if err := queryError(resp.Error); err != nil {
		return decimal.Zero, err
	}
	return parseDecimal(resp.Data.Last)
}

func (a *Adapter) ServerTime(ctx context.Context) (time.Time, error) {
	var resp Response[ServerTime]
	err := a.client.Do(ctx, restclient.Request{
		Method:     http.MethodGet,
		Path:       _pathPrefix + "/server/time",
		LimitID:    LimitPublic,
		Idempotent: true,
	}, &resp)
	if err != nil {
		return time.Time{}, err
	}
	if err := queryError(resp.Error); err != nil {
		return time.Time{}, err
	}
	return unixTime(resp.Data.Time), nil
}

func (a *Adapter) query(ctx context.Context, path string, q url.Values, out any) error {
	return a.client.Do(ctx, restclient.Request{
		Method:     http.MethodGet,
		Path:       _pathPrefix + path,
		Query:      q,
		LimitID:    LimitQuery,
		Signed:     true,
		Idempotent: true,
	}, out)
}

func (a *Adapter) orderStatus(o Order) venue.OrderStatus {
	return venue.OrderStatus{
		OrderRef: venue.OrderRef{
			ClientOrderID:   o.ClientID,
			ExchangeOrderID: strconv.FormatInt(o.ID, 10),
			TradingPair:     a.pair(o.Market),
		},
		State:          orderState(o),
		ExecutedAmount: executedStock(o),
		Timestamp:      unixTime(o.Mtime),
	}
}

func setOrderID(body map[string]string, ref venue.OrderRef) {
	if ref.ExchangeOrderID != "" {
		body["id"] = ref.ExchangeOrderID
		return
	}
	body["client_id"] = ref.ClientOrderID
}

func placementError(e *ResponseError) error {
	if e == nil || e.Code == 0 {
		return nil
	}
	if e.Code == _codeInternal {
		// the order may still have been accepted
		return &exception.NetworkError{Method: http.MethodPost, Path: "/order", Attempts: 1, Err: errors.New(e.Message)}
	}
	return &exception.VenueRejection{Code: strconv.Itoa(e.Code), Reason: e.Message}
}

func queryError(e *ResponseError) error {
	if e == nil || e.Code == 0 {
		return nil
	}
	switch e.Code {
	case _codeOrderNotFound, _codeOrderNotMatch:
		return yerrors.Wrap(exception.ErrOrderNotFound, e.Message)
	case _codeInternal:
		return &exception.NetworkError{Method: http.MethodGet, Attempts: 1, Err: errors.New(e.Message)}
	default:
		return yerrors.Wrapf(exception.ErrInResponseError, "code: %d, message: %s", e.Code, e.Message)
	}
}

func side(s enum.OrderSide) string {
	if s == enum.OrderSideSell {
		return "2"
	}
	return "1"
}

func orderState(o Order) enum.OrderState {
	switch o.Status {
	case "done":
		return enum.OrderStateFilled
	case "cancel":
		return enum.OrderStateCancelled
	case "part_deal":
		return enum.OrderStatePartiallyFilled
	case "not_deal":
		return enum.OrderStateSubmitted
	}
	if d, err := parseDecimal(o.DealStock); err == nil && d.IsPositive() {
		return enum.OrderStatePartiallyFilled
	}
	return enum.OrderStateSubmitted
}

// executedStock reads deal_stock, falling back to amount minus left for pushes
// that omit it.
func executedStock(o Order) decimal.Decimal {
	if o.DealStock != "" {
		d, err := parseDecimal(o.DealStock)
		if err != nil {
			logs.Warnf("order %d deal_stock, err: %+v", o.ID, err)
		}
		return d
	}
	if o.Amount == "" || o.Left == "" {
		return decimal.Zero
	}
	amount, err := parseDecimal(o.Amount)
	if err != nil {
		return decimal.Zero
	}
	left, err := parseDecimal(o.Left)
	if err != nil {
		return decimal.Zero
	}
	return amount.Sub(left)
}

func dealTrade(d Deal) (order.Trade, error) {
	amount, err := parseDecimal(d.Amount)
	if err != nil {
		return order.Trade{}, err
	}
	price, err := parseDecimal(d.Price)
	if err != nil {
		return order.Trade{}, err
	}
	quote, err := parseDecimal(d.Deal)
	if err != nil {
		return order.Trade{}, err
	}
	fee, err := parseDecimal(d.Fee)
	if err != nil {
		return order.Trade{}, err
	}
	return order.Trade{
		ID:        strconv.FormatInt(d.ID, 10),
		Amount:    amount,
		Price:     price,
		Quote:     quote,
		Fee:       fee,
		FeeAsset:  d.FeeAsset,
		Timestamp: unixTime(d.Time),
	}, nil
}

func marketRule(pair string, m Market) (rule.Rule, error) {
	minAmount, err := parseDecimal(m.MinAmount)
	if err != nil {
		return rule.Rule{}, err
	}
	maxAmount, err := parseDecimal(m.MaxAmount)
	if err != nil {
		return rule.Rule{}, err
	}
	minTotal, err := parseDecimal(m.MinTotal)
	if err != nil {
		return rule.Rule{}, err
	}
	return rule.Rule{
		TradingPair:            pair,
		MinOrderSize:           minAmount,
		MaxOrderSize:           maxAmount,
		MinPriceIncrement:      decimal.New(1, -m.MoneyPrec),
		MinBaseAmountIncrement: decimal.New(1, -m.StockPrec),
		MinNotionalSize:        minTotal,
	}, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, yerrors.Wrapf(err, "parse decimal %q", s)
	}
	return d, nil
}

func unixTime(sec float64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(sec*float64(time.Second)))
}
