package order

import (
	"time"

	"github.com/shopspring/decimal"

	"tradeconn/internal/adapter/enum"
	"tradeconn/pkg/exception"
)

// FillTolerance is the relative slack allowed between executed and requested base amount.
var FillTolerance = decimal.New(1, -8)

// Trade is one execution against an order, as reported by either update channel.
type Trade struct {
	ID        string
	Amount    decimal.Decimal
	Price     decimal.Decimal
	Quote     decimal.Decimal
	Fee       decimal.Decimal
	FeeAsset  string
	Timestamp time.Time
}

// QuoteAmount falls back to amount*price when the venue did not report the quote side.
func (t Trade) QuoteAmount() decimal.Decimal {
	if t.Quote.IsPositive() {
		return t.Quote
	}
	return t.Amount.Mul(t.Price)
}

// Record is the connector's view of one order.
type Record struct {
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     string
	Side            enum.OrderSide
	Type            enum.OrderType
	Price           decimal.Decimal
	Amount          decimal.Decimal
	CreatedAt       time.Time

	ExecutedBase  decimal.Decimal
	ExecutedQuote decimal.Decimal
	FeePaid       decimal.Decimal
	FeeAsset      string
	// OtherFees holds fees charged in an asset different from FeeAsset.
	OtherFees map[string]decimal.Decimal

	State     enum.OrderState
	Reason    string
	UpdatedAt time.Time

	venueFilled bool
	// venueState is a cancel or expiry reported while trades up to venueExecuted were missing.
	venueState    enum.OrderState
	venueExecuted decimal.Decimal
	applied       map[string]struct{}
}

// NewRecord creates a record in Local state.
func NewRecord(clientOrderID, pair string, side enum.OrderSide, typ enum.OrderType, price, amount decimal.Decimal, createdAt time.Time) *Record {
	return &Record{
		ClientOrderID: clientOrderID,
		TradingPair:   pair,
		Side:          side,
		Type:          typ,
		Price:         price,
		Amount:        amount,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
		State:         enum.OrderStateLocal,
		applied:       make(map[string]struct{}),
	}
}

func (r *Record) IsTerminal() bool {
	return r.State.IsTerminal()
}

// HasTrade reports whether the trade id was already folded into the accumulators.
func (r *Record) HasTrade(tradeID string) bool {
	_, ok := r.applied[tradeID]
	return ok
}

// TradeCount returns the number of applied trades.
func (r *Record) TradeCount() int {
	return len(r.applied)
}

// IsFullyExecuted reports whether the executed base amount reached the requested amount.
func (r *Record) IsFullyExecuted() bool {
	if !r.Amount.IsPositive() {
		return false
	}
	floor := r.Amount.Sub(r.Amount.Mul(FillTolerance))
	return r.ExecutedBase.GreaterThanOrEqual(floor)
}

// AverageExecutedPrice returns zero before the first fill.
func (r *Record) AverageExecutedPrice() decimal.Decimal {
	if r.ExecutedBase.IsZero() {
		return decimal.Zero
	}
	return r.ExecutedQuote.Div(r.ExecutedBase)
}

// AwaitingTrades reports whether the venue declared the order filled, cancelled
// or expired before its trades arrived.
func (r *Record) AwaitingTrades() bool {
	return (r.venueFilled || r.venueState.IsTerminal()) && !r.IsTerminal()
}

// DeferTerminal notes a venue cancel or expiry whose executed amount is ahead of
// the applied trades.
func (r *Record) DeferTerminal(state enum.OrderState, executed decimal.Decimal) {
	if r.IsTerminal() || !state.IsTerminal() {
		return
	}
	r.venueState = state
	r.venueExecuted = executed
}

// DeferredTerminal returns the deferred venue state once the applied trades
// reached the executed amount reported with it.
func (r *Record) DeferredTerminal() (enum.OrderState, bool) {
	if r.IsTerminal() || !r.venueState.IsTerminal() {
		return 0, false
	}
	return r.venueState, r.ExecutedBase.GreaterThanOrEqual(r.venueExecuted)
}

// FlagVenueFilled notes a venue-side fill whose trades are not applied yet.
func (r *Record) FlagVenueFilled() {
	if !r.IsTerminal() {
		r.venueFilled = true
	}
}

// SetExchangeOrderID binds the venue id once and moves a Local order to Submitted.
// It returns true when the state changed.
func (r *Record) SetExchangeOrderID(id string) (bool, error) {
	if id == "" {
		return false, exception.ErrOrderInvalidRequest
	}
	if r.ExchangeOrderID != "" && r.ExchangeOrderID != id {
		return false, exception.ErrOrderInvalidTransition
	}
	r.ExchangeOrderID = id
	if r.State != enum.OrderStateLocal {
		return false, nil
	}
	r.State = enum.OrderStateSubmitted
	return true, nil
}

// ApplyTrade folds a trade into the accumulators.
// It returns false without error when the trade was already applied or the order is terminal.
func (r *Record) ApplyTrade(t Trade, now time.Time) (bool, error) {
	if r.IsTerminal() {
		return false, nil
	}
	if t.ID == "" || !t.Amount.IsPositive() || t.Price.IsNegative() {
		return false, exception.ErrOrderInvalidFill
	}
	if _, ok := r.applied[t.ID]; ok {
		return false, nil
	}

	base := r.ExecutedBase.Add(t.Amount)
	ceiling := r.Amount.Add(r.Amount.Mul(FillTolerance))
	if base.GreaterThan(ceiling) {
		return false, exception.ErrOrderInvalidFill
	}

	if r.applied == nil {
		r.applied = make(map[string]struct{})
	}
	r.applied[t.ID] = struct{}{}
	r.ExecutedBase = base
	r.ExecutedQuote = r.ExecutedQuote.Add(t.QuoteAmount())
	r.addFee(t.Fee, t.FeeAsset)
	r.UpdatedAt = now

	if r.IsFullyExecuted() {
		r.State = enum.OrderStateFilled
	} else {
		r.State = enum.OrderStatePartiallyFilled
	}
	return true, nil
}

func (r *Record) addFee(amount decimal.Decimal, asset string) {
	if amount.IsZero() {
		return
	}
	if r.FeeAsset == "" || r.FeeAsset == asset {
		r.FeeAsset = asset
		r.FeePaid = r.FeePaid.Add(amount)
		return
	}
	if r.OtherFees == nil {
		r.OtherFees = make(map[string]decimal.Decimal)
	}
	r.OtherFees[asset] = r.OtherFees[asset].Add(amount)
}

// MarkTerminal moves the record into a terminal state.
// Repeating the current terminal state is a no-op; a different terminal state
// returns ErrAmbiguousTerminalState and leaves the record untouched.
func (r *Record) MarkTerminal(state enum.OrderState, reason string, now time.Time) (bool, error) {
	if !state.IsTerminal() {
		return false, exception.ErrOrderInvalidTransition
	}
	if r.IsTerminal() {
		if r.State == state {
			return false, nil
		}
		return false, exception.ErrAmbiguousTerminalState
	}
	r.State = state
	r.Reason = reason
	r.UpdatedAt = now
	r.venueFilled = false
	r.venueState = 0
	return true, nil
}

// Clone returns a deep copy detached from the table.
func (r *Record) Clone() *Record {
	c := *r
	c.applied = make(map[string]struct{}, len(r.applied))
	for id := range r.applied {
		c.applied[id] = struct{}{}
	}
	if r.OtherFees != nil {
		c.OtherFees = make(map[string]decimal.Decimal, len(r.OtherFees))
		for k, v := range r.OtherFees {
			c.OtherFees[k] = v
		}
	}
	return &c
}
