package binance

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"tradeconn/internal/adapter/enum"
	"tradeconn/internal/order"
	"tradeconn/internal/stream"
	"tradeconn/internal/venue"
)

// user stream keys differ only by case, e.g. "e" and "E"
var _codec = sonic.Config{CaseSensitive: true}.Froze()

type eventHeader struct {
	Event string `json:"e"`
}

type executionReport struct {
	Event             string `json:"e"`
	EventTime         int64  `json:"E"`
	Symbol            string `json:"s"`
	ClientOrderID     string `json:"c"`
	OrigClientOrderID string `json:"C"`
	Side              string `json:"S"`
	ExecutionType     string `json:"x"`
	Status            string `json:"X"`
	RejectReason      string `json:"r"`
	OrderID           int64  `json:"i"`
	LastQty           string `json:"l"`
	LastPrice         string `json:"L"`
	LastQuote         string `json:"Y"`
	CumulativeQty     string `json:"z"`
	Commission        string `json:"n"`
	CommissionAsset   string `json:"N"`
	TradeTime         int64  `json:"T"`
	TradeID           int64  `json:"t"`
}

type accountPosition struct {
	Event    string `json:"e"`
	Balances []struct {
		Asset  string `json:"a"`
		Free   string `json:"f"`
		Locked string `json:"l"`
	} `json:"B"`
}

// UserStream configures the listen-key user data stream. Every dial opens a
// fresh listen key, which is kept alive while connected.
func (a *Adapter) UserStream(streamURL string) stream.Config {
	var (
		mu  sync.Mutex
		key string
	)
	return stream.Config{
		URL: func(ctx context.Context) (string, error) {
			k, err := a.StartUserStream(ctx)
			if err != nil {
				return "", errors.Wrap(err, "start user stream")
			}
			mu.Lock()
			key = k
			mu.Unlock()
			return streamURL + k, nil
		},
		Parse: a.ParseStream,
		Keepalive: func(ctx context.Context) error {
			mu.Lock()
			k := key
			mu.Unlock()
			return a.KeepaliveUserStream(ctx, k)
		},
		KeepaliveInterval: ListenKeyKeepalive,
	}
}

// ParseStream converts executionReport and outboundAccountPosition frames.
func (a *Adapter) ParseStream(msg []byte) ([]venue.StreamEvent, error) {
	var h eventHeader
	if err := _codec.Unmarshal(msg, &h); err != nil {
		return nil, errors.Wrap(err, "unmarshal event header")
	}

	switch h.Event {
	case "executionReport":
		var r executionReport
		if err := _codec.Unmarshal(msg, &r); err != nil {
			return nil, errors.Wrap(err, "unmarshal execution report")
		}
		return a.executionEvents(r)
	case "outboundAccountPosition":
		var p accountPosition
		if err := _codec.Unmarshal(msg, &p); err != nil {
			return nil, errors.Wrap(err, "unmarshal account position")
		}
		bs := make([]venue.Balance, 0, len(p.Balances))
		for _, b := range p.Balances {
			bal, err := balance(b.Asset, b.Free, b.Locked)
			if err != nil {
				return nil, err
			}
			bs = append(bs, bal)
		}
		return []venue.StreamEvent{{Kind: venue.StreamEventBalance, Balances: bs}}, nil
	default:
		return nil, nil
	}
}

func (a *Adapter) executionEvents(r executionReport) ([]venue.StreamEvent, error) {
	clientID := r.ClientOrderID
	if r.OrigClientOrderID != "" {
		// cancel reports carry the cancel request id in "c"
		clientID = r.OrigClientOrderID
	}
	ref := venue.OrderRef{
		ClientOrderID:   clientID,
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
		TradingPair:     a.pair(r.Symbol),
	}

	var events []venue.StreamEvent
	if r.ExecutionType == "TRADE" {
		t, err := reportTrade(r)
		if err != nil {
			return nil, err
		}
		events = append(events, venue.StreamEvent{
			Kind:  venue.StreamEventTrade,
			Trade: venue.TradeUpdate{OrderRef: ref, Trade: t},
		})
	}

	st := venue.OrderStatus{
		OrderRef:       ref,
		State:          orderState(binance.OrderStatusType(r.Status)),
		ExecutedAmount: executedAmount(r.CumulativeQty),
		Timestamp:      time.UnixMilli(r.EventTime),
	}
	if st.State == enum.OrderStateFailed && r.RejectReason != "NONE" {
		st.Reason = r.RejectReason
	}
	events = append(events, venue.StreamEvent{Kind: venue.StreamEventOrder, Order: st})
	return events, nil
}

func reportTrade(r executionReport) (order.Trade, error) {
	amount, err := decimal.NewFromString(r.LastQty)
	if err != nil {
		return order.Trade{}, errors.Wrap(err, "parse last quantity")
	}
	price, err := decimal.NewFromString(r.LastPrice)
	if err != nil {
		return order.Trade{}, errors.Wrap(err, "parse last price")
	}
	quote := amount.Mul(price)
	if r.LastQuote != "" {
		if quote, err = decimal.NewFromString(r.LastQuote); err != nil {
			return order.Trade{}, errors.Wrap(err, "parse last quote")
		}
	}
	fee := decimal.Zero
	if r.Commission != "" {
		if fee, err = decimal.NewFromString(r.Commission); err != nil {
			return order.Trade{}, errors.Wrap(err, "parse commission")
		}
	}
	return order.Trade{
		ID:        strconv.FormatInt(r.TradeID, 10),
		Amount:    amount,
		Price:     price,
		Quote:     quote,
		Fee:       fee,
		FeeAsset:  r.CommissionAsset,
		Timestamp: time.UnixMilli(r.TradeTime),
	}, nil
}
