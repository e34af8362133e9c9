package enum

// OrderSide buy, sell
type OrderSide uint8

const (
	_order_side_beg OrderSide = iota
	OrderSideBuy
	OrderSideSell
	_order_side_end
)

func (s OrderSide) IsAvailable() bool {
	return s > _order_side_beg && s < _order_side_end
}

func (s OrderSide) String() string {
	switch s {
	case OrderSideBuy:
		return "BUY"
	case OrderSideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// OrderType limit, limit maker, market
type OrderType uint8

const (
	_order_type_beg OrderType = iota
	OrderTypeLimit
	OrderTypeLimitMaker
	OrderTypeMarket
	_order_type_end
)

func (t OrderType) IsAvailable() bool {
	return t > _order_type_beg && t < _order_type_end
}

// IsLimit reports whether the order carries a price.
func (t OrderType) IsLimit() bool {
	return t == OrderTypeLimit || t == OrderTypeLimitMaker
}

func (t OrderType) String() string {
	switch t {
	case OrderTypeLimit:
		return "LIMIT"
	case OrderTypeLimitMaker:
		return "LIMIT_MAKER"
	case OrderTypeMarket:
		return "MARKET"
	default:
		return "UNKNOWN"
	}
}

// OrderState local, submitted, partially filled, filled, cancelled, failed, expired
type OrderState uint8

const (
	_order_state_beg OrderState = iota
	OrderStateLocal
	OrderStateSubmitted
	OrderStatePartiallyFilled
	OrderStateFilled
	OrderStateCancelled
	OrderStateFailed
	OrderStateExpired
	_order_state_end
)

func (s OrderState) IsAvailable() bool {
	return s > _order_state_beg && s < _order_state_end
}

// IsTerminal reports whether no further transition may leave s.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCancelled, OrderStateFailed, OrderStateExpired:
		return true
	default:
		return false
	}
}

// IsOpen reports whether the venue knows about the order and it may still trade.
func (s OrderState) IsOpen() bool {
	return s == OrderStateSubmitted || s == OrderStatePartiallyFilled
}

func (s OrderState) String() string {
	switch s {
	case OrderStateLocal:
		return "LOCAL"
	case OrderStateSubmitted:
		return "SUBMITTED"
	case OrderStatePartiallyFilled:
		return "PARTIALLY_FILLED"
	case OrderStateFilled:
		return "FILLED"
	case OrderStateCancelled:
		return "CANCELLED"
	case OrderStateFailed:
		return "FAILED"
	case OrderStateExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}
