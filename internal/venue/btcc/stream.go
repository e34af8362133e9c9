package btcc

import (
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"

	"tradeconn/internal/adapter/enum"
	"tradeconn/internal/order"
	"tradeconn/internal/venue"
)

const (
	_eventPut    = 1
	_eventUpdate = 2
	_eventFinish = 3

	_roleMaker = 1
)

// ParseStream converts one private websocket frame into stream events.
func (a *Adapter) ParseStream(msg []byte) ([]venue.StreamEvent, error) {
	var resp StreamResponse
	if err := sonic.ConfigFastest.Unmarshal(msg, &resp); err != nil {
		return nil, errors.Wrap(err, "unmarshal stream frame")
	}
	if resp.Error != nil && resp.Error.Code != 0 {
		return nil, errors.Errorf("stream request %v failed, code: %d, message: %s", resp.ID, resp.Error.Code, resp.Error.Message)
	}

	switch resp.Method {
	case "order.update":
		var event int
		if err := resp.Unmarshal(0, &event); err != nil {
			return nil, err
		}
		var o Order
		if err := resp.Unmarshal(1, &o); err != nil {
			return nil, err
		}
		return a.orderEvents(event, o)
	case "asset.update":
		var assets map[string]AssetBalance
		if err := resp.Unmarshal(0, &assets); err != nil {
			return nil, err
		}
		bs := make([]venue.Balance, 0, len(assets))
		for asset, b := range assets {
			available, err := parseDecimal(b.Available)
			if err != nil {
				return nil, err
			}
			frozen, err := parseDecimal(b.Freeze)
			if err != nil {
				return nil, err
			}
			bs = append(bs, venue.Balance{Asset: asset, Available: available, Total: available.Add(frozen)})
		}
		return []venue.StreamEvent{{Kind: venue.StreamEventBalance, Balances: bs}}, nil
	default:
		return nil, nil
	}
}

func (a *Adapter) orderEvents(event int, o Order) ([]venue.StreamEvent, error) {
	st := a.orderStatus(o)
	var events []venue.StreamEvent

	if event != _eventPut && o.LastDealID > 0 {
		t, err := a.lastDeal(o)
		if err != nil {
			return nil, err
		}
		if t.Amount.IsPositive() {
			events = append(events, venue.StreamEvent{
				Kind:  venue.StreamEventTrade,
				Trade: venue.TradeUpdate{OrderRef: st.OrderRef, Trade: t},
			})
		}
	}

	switch event {
	case _eventPut:
		st.State = enum.OrderStateSubmitted
	case _eventFinish:
		left, err := parseDecimal(o.Left)
		if err != nil {
			return nil, err
		}
		st.State = enum.OrderStateCancelled
		if left.IsZero() {
			st.State = enum.OrderStateFilled
		}
	}
	events = append(events, venue.StreamEvent{Kind: venue.StreamEventOrder, Order: st})
	return events, nil
}

// lastDeal rebuilds the execution carried by an order push. Pushes report
// the fee rate only, so the fee is charged in the quote asset.
func (a *Adapter) lastDeal(o Order) (order.Trade, error) {
	amount, err := parseDecimal(o.LastDealAmount)
	if err != nil {
		return order.Trade{}, err
	}
	price, err := parseDecimal(o.LastDealPrice)
	if err != nil {
		return order.Trade{}, err
	}
	rate := o.TakerFee
	if o.LastRole == _roleMaker {
		rate = o.MakerFee
	}
	feeRate, err := parseDecimal(rate)
	if err != nil {
		return order.Trade{}, err
	}

	quote := amount.Mul(price)
	feeAsset := o.FeeAsset
	if feeAsset == "" {
		if _, q, ok := strings.Cut(a.pair(o.Market), "-"); ok {
			feeAsset = q
		}
	}
	return order.Trade{
		ID:        strconv.FormatInt(o.LastDealID, 10),
		Amount:    amount,
		Price:     price,
		Quote:     quote,
		Fee:       quote.Mul(feeRate),
		FeeAsset:  feeAsset,
		Timestamp: unixTime(o.LastDealTime),
	}, nil
}
