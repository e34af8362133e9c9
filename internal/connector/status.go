package connector

import (
	"context"

	"tradeconn/internal/order"
	"tradeconn/internal/venue"
)

// StatusDict gates trading until the connector is warm.
type StatusDict struct {
	OrderBooksReady   bool
	BalancesReady     bool
	TradingRulesReady bool
	UserStreamReady   bool
}

func (s StatusDict) Ready() bool {
	return s.OrderBooksReady && s.BalancesReady && s.TradingRulesReady && s.UserStreamReady
}

func (c *Connector) Status() StatusDict {
	return StatusDict{
		OrderBooksReady:   c.orderBooks == nil || c.orderBooks.Ready(),
		BalancesReady:     c.engine.BalancesReady(),
		TradingRulesReady: c.validator.Ready(),
		UserStreamReady:   c.stream == nil || !c.engine.LastStreamRecv().IsZero(),
	}
}

func (c *Connector) Ready() bool {
	return c.Status().Ready()
}

// Order returns a detached copy of a tracked or recently finished order.
func (c *Connector) Order(ctx context.Context, clientOrderID string) (*order.Record, bool, error) {
	var (
		out *order.Record
		ok  bool
	)
	err := c.Do(ctx, func() {
		var r *order.Record
		if r, ok = c.engine.Lookup(clientOrderID, ""); ok {
			out = r.Clone()
		}
	})
	return out, ok, err
}

// InFlightOrders returns detached copies of every non-terminal order.
func (c *Connector) InFlightOrders(ctx context.Context) ([]*order.Record, error) {
	var out []*order.Record
	err := c.Do(ctx, func() {
		for _, r := range c.table.Active() {
			out = append(out, r.Clone())
		}
	})
	return out, err
}

func (c *Connector) Balance(ctx context.Context, asset string) (venue.Balance, bool, error) {
	var (
		b  venue.Balance
		ok bool
	)
	err := c.Do(ctx, func() {
		b, ok = c.engine.Balance(asset)
	})
	return b, ok, err
}

func (c *Connector) TradingFee(ctx context.Context, pair string) (venue.TradingFee, bool, error) {
	var (
		f  venue.TradingFee
		ok bool
	)
	err := c.Do(ctx, func() {
		f, ok = c.engine.TradingFee(pair)
	})
	return f, ok, err
}
