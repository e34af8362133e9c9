package reconcile

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"tradeconn/internal/obs"
	"tradeconn/internal/venue"
	"tradeconn/pkg/exception"
)

// Poll refreshes balances and every tracked order. Failures are logged and
// left for the next poll; only context errors are returned.
func (e *Engine) Poll(ctx context.Context) error {
	start := time.Now()
	e.metrics.Inc(obs.CounterPolls)
	defer func() {
		e.metrics.ObservePoll(time.Since(start))
	}()

	if err := e.PollBalances(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.metrics.Inc(obs.CounterPollErrors)
		logs.Errorf("poll balances, err: %+v", err)
	}
	return e.PollOrders(ctx)
}

// PollBalances fetches a full balance snapshot.
func (e *Engine) PollBalances(ctx context.Context) error {
	bs, err := e.adapter.GetBalances(ctx)
	if err != nil {
		return err
	}
	return e.exec.Do(ctx, func() {
		e.ApplyBalances(bs, true)
	})
}

// PollOrders queries trades then status for every tracked order whose placement finished.
func (e *Engine) PollOrders(ctx context.Context) error {
	var targets []venue.OrderRef
	if err := e.exec.Do(ctx, func() {
		targets = e.pollTargets()
	}); err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.PollConcurrency)
	for _, ref := range targets {
		g.Go(func() error {
			e.PollOrder(ctx, ref)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

// PollOrder reconciles one order. Trades are applied before the status so a
// terminal report finds the fills already accounted.
func (e *Engine) PollOrder(ctx context.Context, ref venue.OrderRef) {
	if ref.ExchangeOrderID != "" {
		trades, err := e.adapter.GetOrderTrades(ctx, ref)
		switch {
		case err == nil && len(trades) > 0:
			if err := e.exec.Do(ctx, func() {
				for _, t := range trades {
					if t.ClientOrderID == "" && t.ExchangeOrderID == "" {
						t.OrderRef = ref
					}
					e.ApplyTrade(t)
				}
			}); err != nil {
				return
			}
		case err != nil && !errors.Is(err, exception.ErrOrderNotFound):
			if ctx.Err() != nil {
				return
			}
			e.metrics.Inc(obs.CounterPollErrors)
			logs.Warnf("poll trades of order %s, err: %+v", ref.ClientOrderID, err)
		}
	}

	status, err := e.adapter.GetOrderStatus(ctx, ref)
	switch {
	case err == nil:
		if status.ClientOrderID == "" {
			status.ClientOrderID = ref.ClientOrderID
		}
		if status.ExchangeOrderID == "" {
			status.ExchangeOrderID = ref.ExchangeOrderID
		}
		_ = e.exec.Do(ctx, func() {
			e.applyStatus(status, true)
		})
	case errors.Is(err, exception.ErrOrderNotFound):
		_ = e.exec.Do(ctx, func() {
			e.OrderNotFound(ref)
		})
	default:
		if ctx.Err() != nil {
			return
		}
		// transient failures never count towards the not-found debounce
		e.metrics.Inc(obs.CounterPollErrors)
		logs.Warnf("poll status of order %s, err: %+v", ref.ClientOrderID, err)
	}
}

// SyncOpenOrders applies the venue's open orders to the records they match and
// returns how many matched. Open orders whose client id carries prefix but that
// are not tracked are logged.
func (e *Engine) SyncOpenOrders(ctx context.Context, pairs []string, prefix string) (int, error) {
	open, err := e.adapter.GetOpenOrders(ctx, pairs)
	if err != nil {
		return 0, err
	}
	matched := 0
	err = e.exec.Do(ctx, func() {
		for _, st := range open {
			if _, ok := e.table.Lookup(st.ClientOrderID, st.ExchangeOrderID); !ok {
				if prefix != "" && strings.HasPrefix(st.ClientOrderID, prefix) {
					logs.Warnf("open order %s (%s) on %s is not tracked", st.ClientOrderID, st.ExchangeOrderID, st.TradingPair)
				}
				continue
			}
			matched++
			e.applyStatus(st, false)
		}
	})
	return matched, err
}

// PollFees refreshes trading fees when the adapter supports it.
func (e *Engine) PollFees(ctx context.Context, pairs []string) error {
	src, ok := e.adapter.(venue.FeeSource)
	if !ok {
		return nil
	}
	fs, err := src.GetTradingFees(ctx, pairs)
	if err != nil {
		return err
	}
	return e.exec.Do(ctx, func() {
		e.ApplyFees(fs)
	})
}
