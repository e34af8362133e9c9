package btcc

import (
	"encoding/json"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"

	"tradeconn/pkg/exception"
)

type Response[T any] struct {
	ID    int64          `json:"id"`
	Error *ResponseError `json:"error,omitempty"`
	Data  T              `json:"result"`
}

type ResponseError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Order is the order object shared by REST results and order.update pushes.
type Order struct {
	ID          int64   `json:"id"`
	Type        int     `json:"type"`
	Side        int     `json:"side"`
	User        int64   `json:"user"`
	Account     int64   `json:"account"`
	Option      int     `json:"option"`
	Ctime       float64 `json:"ctime"`
	Mtime       float64 `json:"mtime"`
	Market      string  `json:"market"`
	Source      string  `json:"source"`
	ClientID    string  `json:"client_id"`
	Price       string  `json:"price"`
	Amount      string  `json:"amount"`
	TakerFee    string  `json:"taker_fee"`
	MakerFee    string  `json:"maker_fee"`
	Left        string  `json:"left"`
	DealStock   string  `json:"deal_stock"`
	DealMoney   string  `json:"deal_money"`
	DealFee     string  `json:"deal_fee"`
	AssetFee    string  `json:"asset_fee"`
	FeeDiscount string  `json:"fee_discount"`
	FeeAsset    string  `json:"fee_asset"`
	// Status is only present in order query results.
	Status string `json:"status,omitempty"`

	LastDealAmount string  `json:"last_deal_amount,omitempty"`
	LastDealPrice  string  `json:"last_deal_price,omitempty"`
	LastDealTime   float64 `json:"last_deal_time,omitempty"`
	LastDealID     int64   `json:"last_deal_id,omitempty"`
	LastRole       int     `json:"last_role,omitempty"`
}

type PendingOrders struct {
	Offset  int     `json:"offset"`
	Limit   int     `json:"limit"`
	Total   int     `json:"total"`
	Records []Order `json:"records"`
}

type Deal struct {
	ID       int64   `json:"id"`
	Time     float64 `json:"time"`
	User     int64   `json:"user"`
	Side     int     `json:"side"`
	Role     int     `json:"role"`
	Amount   string  `json:"amount"`
	Price    string  `json:"price"`
	Deal     string  `json:"deal"`
	Fee      string  `json:"fee"`
	FeeAsset string  `json:"fee_asset"`
	OrderID  int64   `json:"deal_order_id"`
}

type Deals struct {
	Offset  int    `json:"offset"`
	Limit   int    `json:"limit"`
	Records []Deal `json:"records"`
}

type AssetBalance struct {
	Available string `json:"available"`
	Freeze    string `json:"freeze"`
}

type Market struct {
	Name           string `json:"name"`
	Stock          string `json:"stock"`
	Money          string `json:"money"`
	StockPrec      int32  `json:"stock_prec"`
	MoneyPrec      int32  `json:"money_prec"`
	MinAmount      string `json:"min_amount"`
	MaxAmount      string `json:"max_amount"`
	MinTotal       string `json:"min_total"`
	TakerFeeRate   string `json:"taker_fee_rate"`
	MakerFeeRate   string `json:"maker_fee_rate"`
	TradingEnabled bool   `json:"trading_enabled"`
}

type Ticker struct {
	Market string `json:"market"`
	Last   string `json:"last"`
}

type ServerTime struct {
	Time float64 `json:"time"`
}

// StreamResponse is a websocket push: a method and positional params.
type StreamResponse struct {
	ID     any               `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	Error  *ResponseError    `json:"error,omitempty"`
	Result *StreamAckResult  `json:"result,omitempty"`
}

type StreamAckResult struct {
	Status string `json:"status"`
}

func (r StreamResponse) Unmarshal(index int, p any) error {
	if index >= len(r.Params) {
		return errors.Wrapf(exception.ErrInResponseError, "param index: %d, len: %d", index, len(r.Params))
	}
	if err := sonic.ConfigFastest.Unmarshal(r.Params[index], p); err != nil {
		return errors.Wrapf(err, "unmarshal param %d", index)
	}
	return nil
}
