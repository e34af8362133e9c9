// Package venue declares what the connector core needs from an exchange integration.
package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"tradeconn/internal/adapter/enum"
	"tradeconn/internal/order"
	"tradeconn/internal/rule"
)

// OrderRef identifies an order on the venue. Either id may be empty.
type OrderRef struct {
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
}

// PlaceRequest is a quantized order ready for submission.
type PlaceRequest struct {
	ClientOrderID string
	TradingPair   string
	Side          enum.OrderSide
	Type          enum.OrderType
	Price         decimal.Decimal
	Amount        decimal.Decimal
}

func (r PlaceRequest) Ref() OrderRef {
	return OrderRef{ClientOrderID: r.ClientOrderID, TradingPair: r.TradingPair}
}

// PlaceResult is the venue acknowledgement of a placement.
type PlaceResult struct {
	ExchangeOrderID string
	Timestamp       time.Time
	// State is the venue state at acknowledgement, zero when not reported.
	State enum.OrderState
}

// OrderStatus is a state report for one order from either channel.
type OrderStatus struct {
	OrderRef
	State  enum.OrderState
	Reason string
	// ExecutedAmount is the venue's cumulative executed base amount, zero when not reported.
	ExecutedAmount decimal.Decimal
	Timestamp      time.Time
}

// TradeUpdate is one execution report from either channel.
type TradeUpdate struct {
	OrderRef
	Trade order.Trade
}

type Balance struct {
	Asset     string
	Total     decimal.Decimal
	Available decimal.Decimal
}

type TradingFee struct {
	TradingPair string
	Maker       decimal.Decimal
	Taker       decimal.Decimal
}

// Adapter translates the core's abstract operations into one venue's REST protocol.
//
// GetOrderStatus and CancelOrder return exception.ErrOrderNotFound when the venue
// does not know the order; venue refusals are returned as *exception.VenueRejection.
type Adapter interface {
	PlaceOrder(ctx context.Context, req PlaceRequest) (PlaceResult, error)
	// CancelOrder reports true when the venue acknowledged the cancellation.
	CancelOrder(ctx context.Context, ref OrderRef) (bool, error)
	GetOpenOrders(ctx context.Context, pairs []string) ([]OrderStatus, error)
	GetBalances(ctx context.Context) ([]Balance, error)
	GetOrderStatus(ctx context.Context, ref OrderRef) (OrderStatus, error)
	GetOrderTrades(ctx context.Context, ref OrderRef) ([]TradeUpdate, error)
	GetTradingRules(ctx context.Context, pairs []string) ([]rule.Rule, error)
}

// FeeSource is implemented by adapters that can report account trading fees.
type FeeSource interface {
	GetTradingFees(ctx context.Context, pairs []string) ([]TradingFee, error)
}

// ServerClock is implemented by adapters that expose the venue time.
type ServerClock interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

// PriceSource is implemented by adapters that can quote a last traded price,
// used for the notional check of market orders.
type PriceSource interface {
	LastTradedPrice(ctx context.Context, pair string) (decimal.Decimal, error)
}

type StreamEventKind uint8

const (
	_stream_event_beg StreamEventKind = iota
	StreamEventOrder
	StreamEventTrade
	StreamEventBalance
	_stream_event_end
)

func (k StreamEventKind) IsAvailable() bool {
	return k > _stream_event_beg && k < _stream_event_end
}

// StreamEvent is one parsed push message.
type StreamEvent struct {
	Kind     StreamEventKind
	Order    OrderStatus
	Trade    TradeUpdate
	Balances []Balance
}

// StreamSource yields push events until the connection ends.
// Run returns nil only when ctx is done.
type StreamSource interface {
	Run(ctx context.Context, emit func(StreamEvent)) error
}

// Sink persists tracked order snapshots across restarts.
type Sink interface {
	Save(ctx context.Context, snap order.Snapshot) error
	// Load returns an empty snapshot when nothing was saved yet.
	Load(ctx context.Context) (order.Snapshot, error)
}
