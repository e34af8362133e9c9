package connector

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"tradeconn/internal/adapter/enum"
	"tradeconn/internal/order"
	"tradeconn/internal/rule"
	"tradeconn/internal/venue"
	"tradeconn/pkg/exception"
)

const reasonQuantizedToZero = "amount below trading rule after quantization"

// CancelResult reports whether the venue acknowledged one cancellation.
type CancelResult struct {
	ClientOrderID string
	Success       bool
}

// Buy registers a buy order and submits it in the background.
// The returned client order id is valid immediately; the outcome arrives as events.
func (c *Connector) Buy(ctx context.Context, pair string, amount decimal.Decimal, typ enum.OrderType, price decimal.Decimal) (string, error) {
	return c.place(ctx, enum.OrderSideBuy, pair, amount, typ, price)
}

// Sell registers a sell order and submits it in the background.
func (c *Connector) Sell(ctx context.Context, pair string, amount decimal.Decimal, typ enum.OrderType, price decimal.Decimal) (string, error) {
	return c.place(ctx, enum.OrderSideSell, pair, amount, typ, price)
}

func (c *Connector) place(ctx context.Context, side enum.OrderSide, pair string, amount decimal.Decimal, typ enum.OrderType, price decimal.Decimal) (string, error) {
	if !c.running.Load() {
		return "", ErrNotRunning
	}
	if !typ.IsAvailable() {
		return "", exception.ErrOrderUnsupportedType
	}
	if !amount.IsPositive() || (typ.IsLimit() && !price.IsPositive()) {
		return "", exception.ErrOrderInvalidRequest
	}
	if _, ok := c.validator.Rule(pair); !ok {
		return "", rule.ErrUnknownPair
	}

	// market orders carry no price; the last traded price stands in for the notional check
	notional := price
	if !typ.IsLimit() {
		notional = decimal.Zero
		if src, ok := c.adapter.(venue.PriceSource); ok {
			if p, err := src.LastTradedPrice(ctx, pair); err == nil {
				notional = p
			} else {
				logs.Warnf("last traded price of %s, err: %+v", pair, err)
			}
		}
	}

	id := c.newClientOrderID(side)
	var (
		req    venue.PlaceRequest
		submit bool
		err    error
	)
	if doErr := c.Do(ctx, func() {
		ru, _ := c.validator.Rule(pair)
		p := price
		if typ.IsLimit() {
			p = ru.QuantizePrice(price)
			notional = p
		}
		q := ru.QuantizeAmount(amount, notional)

		recAmount := q
		if q.IsZero() {
			recAmount = amount
		}
		r := order.NewRecord(id, pair, side, typ, p, recAmount, c.now())
		if err = c.engine.Track(r); err != nil {
			return
		}
		if q.IsZero() {
			logs.Warnf("order %s %s %s amount %s is below trading rule, not placed", id, side, pair, amount)
			c.engine.Fail(id, reasonQuantizedToZero)
			return
		}
		req = venue.PlaceRequest{ClientOrderID: id, TradingPair: pair, Side: side, Type: typ, Price: p, Amount: q}
		submit = true
	}); doErr != nil {
		return "", doErr
	}
	if err != nil {
		return "", err
	}

	if submit {
		c.spawn(func(ctx context.Context) { c.submit(ctx, req) })
	}
	return id, nil
}

func (c *Connector) newClientOrderID(side enum.OrderSide) string {
	s := "B"
	if side == enum.OrderSideSell {
		s = "S"
	}
	id := c.cfg.ClientOrderIDPrefix + s + strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(id) > _maxClientOrderIDLength {
		id = id[:_maxClientOrderIDLength]
	}
	return id
}

// submit places the order. Placement is never blindly resubmitted: when its
// outcome is unknown the venue is probed by client order id first. A rate
// limited placement was refused before it reached the book, so it is sent again
// under the same client order id once the limit has passed, without spending an
// attempt.
func (c *Connector) submit(ctx context.Context, req venue.PlaceRequest) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	limitBo := backoff.NewExponentialBackOff()
	limitBo.InitialInterval = time.Second
	limitBo.MaxInterval = time.Minute
	limitBo.RandomizationFactor = 0

	for attempt := 1; ; {
		res, err := c.adapter.PlaceOrder(ctx, req)
		if err == nil {
			_ = c.Do(ctx, func() {
				c.engine.ApplyPlacement(req.ClientOrderID, res)
			})
			return
		}
		if ctx.Err() != nil {
			return
		}

		var (
			rejection *exception.VenueRejection
			limited   *exception.RateLimitError
		)
		switch {
		case errors.As(err, &limited):
			wait := limited.RetryAfter
			if wait <= 0 {
				wait = limitBo.NextBackOff()
			}
			logs.Warnf("placement of %s rate limited, resubmit in %s", req.ClientOrderID, wait)
			if !sleepCtx(ctx, wait) {
				return
			}
			continue
		case errors.As(err, &rejection):
			if attempt > 1 {
				// a resubmission may be refused as a duplicate of a live order
				logs.Warnf("resubmitted order %s rejected, leave it to the poll loop, err: %+v", req.ClientOrderID, err)
				c.handOver(ctx, req.ClientOrderID)
				return
			}
			c.fail(ctx, req.ClientOrderID, rejection.Error())
			return
		case !errors.Is(err, exception.ErrTransientNetwork):
			c.fail(ctx, req.ClientOrderID, err.Error())
			return
		}

		logs.Warnf("placement of %s has unknown outcome, attempt: %d, err: %+v", req.ClientOrderID, attempt, err)
		found, perr := c.probe(ctx, req.Ref())
		if found {
			return
		}
		if perr != nil {
			logs.Warnf("probe order %s, err: %+v", req.ClientOrderID, perr)
			c.handOver(ctx, req.ClientOrderID)
			return
		}
		if attempt >= c.cfg.PlacementAttempts {
			c.fail(ctx, req.ClientOrderID, "placement failed: "+err.Error())
			return
		}

		if !sleepCtx(ctx, bo.NextBackOff()) {
			return
		}
		attempt++
	}
}

// sleepCtx waits d and reports false when ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// probe looks the order up by client order id. It returns true when the venue has it.
func (c *Connector) probe(ctx context.Context, ref venue.OrderRef) (bool, error) {
	var lastErr error
	for i := 0; i < c.cfg.ProbeAttempts; i++ {
		status, err := c.adapter.GetOrderStatus(ctx, ref)
		if err == nil {
			if status.ClientOrderID == "" {
				status.ClientOrderID = ref.ClientOrderID
			}
			_ = c.Do(ctx, func() {
				c.engine.PlacementDone(ref.ClientOrderID)
				c.engine.ApplyOrderStatus(status)
			})
			return true, nil
		}
		if errors.Is(err, exception.ErrOrderNotFound) {
			return false, nil
		}
		lastErr = err
		if !sleepCtx(ctx, time.Duration(i+1)*200*time.Millisecond) {
			return false, ctx.Err()
		}
	}
	if status, ok := c.openOrder(ctx, ref); ok {
		_ = c.Do(ctx, func() {
			c.engine.PlacementDone(ref.ClientOrderID)
			c.engine.ApplyOrderStatus(status)
		})
		return true, nil
	}
	return false, lastErr
}

// openOrder looks the order up in its pair's open order list, used when the
// single order query keeps failing.
func (c *Connector) openOrder(ctx context.Context, ref venue.OrderRef) (venue.OrderStatus, bool) {
	open, err := c.adapter.GetOpenOrders(ctx, []string{ref.TradingPair})
	if err != nil {
		logs.Warnf("list open orders of %s, err: %+v", ref.TradingPair, err)
		return venue.OrderStatus{}, false
	}
	for _, st := range open {
		if st.ClientOrderID == ref.ClientOrderID {
			return st, true
		}
	}
	return venue.OrderStatus{}, false
}

// handOver lets the poll loop settle an order whose placement outcome is unknown.
func (c *Connector) handOver(ctx context.Context, clientOrderID string) {
	_ = c.Do(ctx, func() {
		c.engine.PlacementDone(clientOrderID)
	})
}

func (c *Connector) fail(ctx context.Context, clientOrderID, reason string) {
	logs.Errorf("order %s failed: %s", clientOrderID, reason)
	_ = c.Do(ctx, func() {
		c.engine.Fail(clientOrderID, reason)
	})
}

// Cancel requests cancellation in the background and returns immediately.
func (c *Connector) Cancel(pair, clientOrderID string) string {
	if !c.running.Load() {
		logs.Warnf("cancel %s on stopped connector", clientOrderID)
		return clientOrderID
	}
	c.spawn(func(ctx context.Context) {
		if _, err := c.cancelOrder(ctx, pair, clientOrderID); err != nil && ctx.Err() == nil {
			logs.Warnf("cancel order %s, err: %+v", clientOrderID, err)
		}
	})
	return clientOrderID
}

func (c *Connector) cancelOrder(ctx context.Context, pair, clientOrderID string) (bool, error) {
	var (
		ref      venue.OrderRef
		known    bool
		finished bool
		state    enum.OrderState
	)
	if err := c.Do(ctx, func() {
		r, ok := c.engine.Lookup(clientOrderID, "")
		if !ok {
			return
		}
		known = true
		finished = r.IsTerminal()
		state = r.State
		ref = venue.OrderRef{ClientOrderID: r.ClientOrderID, ExchangeOrderID: r.ExchangeOrderID, TradingPair: r.TradingPair}
	}); err != nil {
		return false, err
	}
	if !known {
		return false, exception.ErrOrderUnknown
	}
	if finished {
		return state == enum.OrderStateCancelled, nil
	}
	if ref.TradingPair == "" {
		ref.TradingPair = pair
	}

	ok, err := c.adapter.CancelOrder(ctx, ref)
	if errors.Is(err, exception.ErrOrderNotFound) {
		_ = c.Do(ctx, func() {
			c.engine.OrderNotFound(ref)
		})
		return false, err
	}
	if err != nil {
		return false, err
	}
	if ok {
		st := venue.OrderStatus{OrderRef: ref, State: enum.OrderStateCancelled, Timestamp: c.now()}
		// the ack carries no executed amount, fills racing the cancel must still be awaited
		if cur, qerr := c.adapter.GetOrderStatus(ctx, ref); qerr == nil {
			st.ExecutedAmount = cur.ExecutedAmount
		}
		err = c.Do(ctx, func() {
			c.engine.ApplyOrderStatus(st)
		})
	}
	return ok, err
}

// CancelAll cancels every in-flight order and waits at most timeout.
// Cancels still unresolved at the deadline are reported as failed.
func (c *Connector) CancelAll(ctx context.Context, timeout time.Duration) []CancelResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var targets []venue.OrderRef
	if err := c.Do(ctx, func() {
		for _, r := range c.table.Active() {
			targets = append(targets, venue.OrderRef{ClientOrderID: r.ClientOrderID, TradingPair: r.TradingPair})
		}
	}); err != nil {
		logs.Errorf("cancel all, err: %+v", err)
		return nil
	}

	results := make(chan CancelResult, len(targets))
	for _, ref := range targets {
		go func() {
			ok, err := c.cancelOrder(ctx, ref.TradingPair, ref.ClientOrderID)
			results <- CancelResult{ClientOrderID: ref.ClientOrderID, Success: ok && err == nil}
		}()
	}

	resolved := make(map[string]bool, len(targets))
collect:
	for len(resolved) < len(targets) {
		select {
		case r := <-results:
			resolved[r.ClientOrderID] = r.Success
		case <-ctx.Done():
			break collect
		}
	}

	out := make([]CancelResult, 0, len(targets))
	for _, ref := range targets {
		ok := resolved[ref.ClientOrderID]
		if !ok {
			logs.Warnf("cancel of %s not confirmed before deadline", ref.ClientOrderID)
		}
		out = append(out, CancelResult{ClientOrderID: ref.ClientOrderID, Success: ok})
	}
	return out
}
