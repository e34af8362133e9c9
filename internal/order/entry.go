package order

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"tradeconn/internal/adapter/enum"
	"tradeconn/pkg/exception"
)

// Snapshot captures the tracked orders at a point in time.
type Snapshot struct {
	Timestamp int64   `json:"timestamp"`
	Orders    []Entry `json:"orders"`
}

// Entry is the persisted form of a Record.
type Entry struct {
	ClientOrderID   string                     `json:"clientOrderId"`
	ExchangeOrderID string                     `json:"exchangeOrderId,omitempty"`
	TradingPair     string                     `json:"tradingPair"`
	Side            enum.OrderSide             `json:"side"`
	Type            enum.OrderType             `json:"type"`
	Price           decimal.Decimal            `json:"price"`
	Amount          decimal.Decimal            `json:"amount"`
	CreatedAt       int64                      `json:"createdAt"`
	ExecutedBase    decimal.Decimal            `json:"executedBase"`
	ExecutedQuote   decimal.Decimal            `json:"executedQuote"`
	FeePaid         decimal.Decimal            `json:"feePaid"`
	FeeAsset        string                     `json:"feeAsset,omitempty"`
	OtherFees       map[string]decimal.Decimal `json:"otherFees,omitempty"`
	State           enum.OrderState            `json:"state"`
	Reason          string                     `json:"reason,omitempty"`
	VenueFilled     bool                       `json:"venueFilled,omitempty"`
	VenueState      enum.OrderState            `json:"venueState,omitempty"`
	VenueExecuted   decimal.Decimal            `json:"venueExecuted"`
	AppliedTradeIDs []string                   `json:"appliedTradeIds"`
}

// Entry serializes the record. Trade ids are sorted so equal records produce equal entries.
func (r *Record) Entry() Entry {
	ids := make([]string, 0, len(r.applied))
	for id := range r.applied {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var fees map[string]decimal.Decimal
	if len(r.OtherFees) > 0 {
		fees = make(map[string]decimal.Decimal, len(r.OtherFees))
		for k, v := range r.OtherFees {
			fees[k] = v
		}
	}

	return Entry{
		ClientOrderID:   r.ClientOrderID,
		ExchangeOrderID: r.ExchangeOrderID,
		TradingPair:     r.TradingPair,
		Side:            r.Side,
		Type:            r.Type,
		Price:           r.Price,
		Amount:          r.Amount,
		CreatedAt:       r.CreatedAt.UnixNano(),
		ExecutedBase:    r.ExecutedBase,
		ExecutedQuote:   r.ExecutedQuote,
		FeePaid:         r.FeePaid,
		FeeAsset:        r.FeeAsset,
		OtherFees:       fees,
		State:           r.State,
		Reason:          r.Reason,
		VenueFilled:     r.venueFilled,
		VenueState:      r.venueState,
		VenueExecuted:   r.venueExecuted,
		AppliedTradeIDs: ids,
	}
}

// RecordFromEntry rebuilds a record, including its applied trade ids.
func RecordFromEntry(e Entry) (*Record, error) {
	if e.ClientOrderID == "" || e.TradingPair == "" {
		return nil, exception.ErrOrderInvalidRequest
	}
	if !e.Side.IsAvailable() || !e.Type.IsAvailable() || !e.State.IsAvailable() {
		return nil, exception.ErrOrderInvalidRequest
	}

	created := time.Unix(0, e.CreatedAt)
	r := NewRecord(e.ClientOrderID, e.TradingPair, e.Side, e.Type, e.Price, e.Amount, created)
	r.ExchangeOrderID = e.ExchangeOrderID
	r.ExecutedBase = e.ExecutedBase
	r.ExecutedQuote = e.ExecutedQuote
	r.FeePaid = e.FeePaid
	r.FeeAsset = e.FeeAsset
	if len(e.OtherFees) > 0 {
		r.OtherFees = make(map[string]decimal.Decimal, len(e.OtherFees))
		for k, v := range e.OtherFees {
			r.OtherFees[k] = v
		}
	}
	r.State = e.State
	r.Reason = e.Reason
	r.venueFilled = e.VenueFilled
	if e.VenueState.IsTerminal() {
		r.venueState = e.VenueState
		r.venueExecuted = e.VenueExecuted
	}
	for _, id := range e.AppliedTradeIDs {
		r.applied[id] = struct{}{}
	}
	return r, nil
}
