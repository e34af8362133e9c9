package bus

import (
	"time"

	"github.com/shopspring/decimal"

	"tradeconn/internal/adapter/enum"
)

// Event is a lifecycle notification delivered to subscribers.
type Event interface {
	Meta() Header
}

// Header identifies the order an event refers to.
type Header struct {
	Timestamp       time.Time
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
}

func (h Header) Meta() Header { return h }

type Fee struct {
	Amount decimal.Decimal
	Asset  string
}

// OrderCreated is emitted once the venue acknowledged the order.
type OrderCreated struct {
	Header
	Side   enum.OrderSide
	Type   enum.OrderType
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// OrderFilled is emitted once per applied trade.
type OrderFilled struct {
	Header
	TradeID string
	Side    enum.OrderSide
	Price   decimal.Decimal
	Amount  decimal.Decimal
	Fee     Fee
}

// OrderCompleted is emitted when the executed amount reached the requested amount.
type OrderCompleted struct {
	Header
	Side       enum.OrderSide
	TotalBase  decimal.Decimal
	TotalQuote decimal.Decimal
	Fee        Fee
}

type OrderCancelled struct {
	Header
}

type OrderFailed struct {
	Header
	Reason string
}

type OrderExpired struct {
	Header
}

// BalanceUpdated is emitted when an asset balance changed.
type BalanceUpdated struct {
	Header
	Asset     string
	Total     decimal.Decimal
	Available decimal.Decimal
}
