package reconcile

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"tradeconn/internal/adapter/enum"
	"tradeconn/internal/bus"
	"tradeconn/internal/obs"
	"tradeconn/internal/order"
	"tradeconn/internal/venue"
	"tradeconn/pkg/exception"
)

const (
	DefaultNotFoundThreshold  = 3
	DefaultStreamRestartDelay = 5 * time.Second
	DefaultRecentCapacity     = 1024
	DefaultPollConcurrency    = 4
)

type Config struct {
	// NotFoundThreshold is the number of consecutive not-found reports that fail an order.
	NotFoundThreshold  int
	StreamRestartDelay time.Duration
	RecentCapacity     int
	PollConcurrency    int
	Now                func() time.Time
}

func (c Config) withDefaults() Config {
	if c.NotFoundThreshold <= 0 {
		c.NotFoundThreshold = DefaultNotFoundThreshold
	}
	if c.StreamRestartDelay <= 0 {
		c.StreamRestartDelay = DefaultStreamRestartDelay
	}
	if c.RecentCapacity <= 0 {
		c.RecentCapacity = DefaultRecentCapacity
	}
	if c.PollConcurrency <= 0 {
		c.PollConcurrency = DefaultPollConcurrency
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Engine applies poll results and push messages to the order table and emits
// lifecycle events. Methods named Apply*, Track, Fail and OrderNotFound mutate
// state and must run through the Executor; Poll and RunStream do I/O and hand
// their results to the Executor.
type Engine struct {
	cfg     Config
	table   *order.Table
	bus     *bus.Bus
	adapter venue.Adapter
	exec    Executor
	metrics *obs.Metrics

	notFound map[string]int
	placing  map[string]struct{}
	recent   *recentRecords
	balances map[string]venue.Balance
	fees     map[string]venue.TradingFee

	balancesReady  atomic.Bool
	lastStreamRecv atomic.Int64

	onAwaitingTrades func(venue.OrderRef)
}

func New(cfg Config, table *order.Table, b *bus.Bus, adapter venue.Adapter, exec Executor, metrics *obs.Metrics) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:      cfg,
		table:    table,
		bus:      b,
		adapter:  adapter,
		exec:     exec,
		metrics:  metrics,
		notFound: make(map[string]int),
		placing:  make(map[string]struct{}),
		recent:   newRecentRecords(cfg.RecentCapacity),
		balances: make(map[string]venue.Balance),
		fees:     make(map[string]venue.TradingFee),
	}
}

// OnAwaitingTrades registers a hook called when a venue report is ahead of the applied trades.
func (e *Engine) OnAwaitingTrades(fn func(venue.OrderRef)) {
	e.onAwaitingTrades = fn
}

func (e *Engine) BalancesReady() bool {
	return e.balancesReady.Load()
}

// LastStreamRecv returns the time of the last push message, zero before the first.
func (e *Engine) LastStreamRecv() time.Time {
	ns := e.lastStreamRecv.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (e *Engine) Table() *order.Table {
	return e.table
}

// Track registers a new record whose placement is in flight.
func (e *Engine) Track(r *order.Record) error {
	if err := e.table.Register(r); err != nil {
		return err
	}
	e.placing[r.ClientOrderID] = struct{}{}
	return nil
}

// PlacementDone hands a record over to the poll loop.
func (e *Engine) PlacementDone(clientOrderID string) {
	delete(e.placing, clientOrderID)
}

// Lookup resolves tracked records first, then recently finished ones.
func (e *Engine) Lookup(clientOrderID, exchangeOrderID string) (*order.Record, bool) {
	if r, ok := e.table.Lookup(clientOrderID, exchangeOrderID); ok {
		return r, true
	}
	if entry, ok := e.recent.lookup(clientOrderID, exchangeOrderID); ok {
		return entry.rec, true
	}
	return nil, false
}

func (e *Engine) Balance(asset string) (venue.Balance, bool) {
	b, ok := e.balances[asset]
	return b, ok
}

func (e *Engine) Balances() []venue.Balance {
	out := make([]venue.Balance, 0, len(e.balances))
	for _, b := range e.balances {
		out = append(out, b)
	}
	return out
}

func (e *Engine) TradingFee(pair string) (venue.TradingFee, bool) {
	f, ok := e.fees[pair]
	return f, ok
}

// ApplyPlacement binds the venue acknowledgement to a tracked record.
func (e *Engine) ApplyPlacement(clientOrderID string, res venue.PlaceResult) {
	e.PlacementDone(clientOrderID)
	r, ok := e.table.Get(clientOrderID)
	if !ok {
		return
	}
	e.bindExchangeID(r, res.ExchangeOrderID)
	if res.State.IsTerminal() {
		e.ApplyOrderStatus(venue.OrderStatus{
			OrderRef:  venue.OrderRef{ClientOrderID: clientOrderID, ExchangeOrderID: res.ExchangeOrderID, TradingPair: r.TradingPair},
			State:     res.State,
			Timestamp: res.Timestamp,
		})
	}
}

// Fail moves a tracked record to Failed, emitting OrderFailed once.
func (e *Engine) Fail(clientOrderID, reason string) {
	e.PlacementDone(clientOrderID)
	r, ok := e.table.Get(clientOrderID)
	if !ok {
		return
	}
	e.terminal(r, enum.OrderStateFailed, reason)
}

// ApplyStreamEvent routes one push message.
func (e *Engine) ApplyStreamEvent(ev venue.StreamEvent) {
	switch ev.Kind {
	case venue.StreamEventOrder:
		e.ApplyOrderStatus(ev.Order)
	case venue.StreamEventTrade:
		e.ApplyTrade(ev.Trade)
	case venue.StreamEventBalance:
		e.ApplyBalances(ev.Balances, false)
	default:
		logs.Warnf("unknown stream event kind: %d", ev.Kind)
	}
}

// ApplyTrade folds one execution into its record.
func (e *Engine) ApplyTrade(u venue.TradeUpdate) {
	r, ok := e.table.Lookup(u.ClientOrderID, u.ExchangeOrderID)
	if !ok {
		e.applyLateTrade(u)
		return
	}
	delete(e.notFound, r.ClientOrderID)
	if u.ExchangeOrderID != "" {
		e.bindExchangeID(r, u.ExchangeOrderID)
	}

	applied, err := r.ApplyTrade(u.Trade, e.cfg.Now())
	if err != nil {
		logs.Warnf("apply trade %s to order %s, err: %+v", u.Trade.ID, r.ClientOrderID, err)
		return
	}
	if !applied {
		return
	}

	e.publishFill(r, u.Trade)
	if r.State == enum.OrderStateFilled {
		e.publishCompleted(r)
		e.finish(r)
		return
	}
	if state, ok := r.DeferredTerminal(); ok {
		e.terminal(r, state, "")
	}
}

func (e *Engine) applyLateTrade(u venue.TradeUpdate) {
	entry, ok := e.recent.lookup(u.ClientOrderID, u.ExchangeOrderID)
	if !ok {
		logs.Debugf("trade %s for untracked order %s/%s", u.Trade.ID, u.ClientOrderID, u.ExchangeOrderID)
		return
	}
	if entry.rec.State == enum.OrderStateFilled {
		if !entry.rec.HasTrade(u.Trade.ID) {
			logs.Warnf("trade %s reported for already filled order %s", u.Trade.ID, entry.rec.ClientOrderID)
		}
		return
	}
	if u.Trade.ID == "" || !entry.markLate(u.Trade.ID) {
		return
	}
	logs.Warnf("late trade %s for %s order %s", u.Trade.ID, entry.rec.State, entry.rec.ClientOrderID)
	e.publishFill(entry.rec, u.Trade)
}

// ApplyOrderStatus applies a state report. Fills are only accounted through trades,
// so a Filled, Cancelled or Expired report that is ahead of the applied trades
// waits for them.
func (e *Engine) ApplyOrderStatus(u venue.OrderStatus) {
	e.applyStatus(u, false)
}

// applyStatus with settled set means the order's trades were fetched right before the
// report. A second settled report for an order already waiting on trades ends it
// even when the trades fall short.
func (e *Engine) applyStatus(u venue.OrderStatus, settled bool) {
	r, ok := e.table.Lookup(u.ClientOrderID, u.ExchangeOrderID)
	if !ok {
		if entry, ok := e.recent.lookup(u.ClientOrderID, u.ExchangeOrderID); ok {
			e.checkFinished(entry.rec, u)
		}
		return
	}
	delete(e.notFound, r.ClientOrderID)
	if u.ExchangeOrderID != "" {
		e.bindExchangeID(r, u.ExchangeOrderID)
	}

	switch u.State {
	case enum.OrderStateFilled:
		if r.IsFullyExecuted() {
			e.terminal(r, enum.OrderStateFilled, "")
			return
		}
		if settled && r.AwaitingTrades() {
			logs.Warnf("order %s filled on venue with executed %s of %s", r.ClientOrderID, r.ExecutedBase, r.Amount)
			e.terminal(r, enum.OrderStateFilled, "")
			return
		}
		if !r.AwaitingTrades() {
			r.FlagVenueFilled()
			e.awaitTrades(r)
		}
	case enum.OrderStateCancelled, enum.OrderStateExpired:
		if !u.ExecutedAmount.GreaterThan(r.ExecutedBase) {
			e.terminal(r, u.State, u.Reason)
			return
		}
		if settled && r.AwaitingTrades() {
			logs.Warnf("order %s %s on venue with executed %s, trades cover %s", r.ClientOrderID, u.State, u.ExecutedAmount, r.ExecutedBase)
			e.terminal(r, u.State, u.Reason)
			return
		}
		if !r.AwaitingTrades() {
			r.DeferTerminal(u.State, u.ExecutedAmount)
			e.awaitTrades(r)
		}
	case enum.OrderStateFailed:
		e.terminal(r, u.State, u.Reason)
	}
}

func (e *Engine) awaitTrades(r *order.Record) {
	if e.onAwaitingTrades != nil {
		e.onAwaitingTrades(venue.OrderRef{ClientOrderID: r.ClientOrderID, ExchangeOrderID: r.ExchangeOrderID, TradingPair: r.TradingPair})
	}
}

func (e *Engine) checkFinished(r *order.Record, u venue.OrderStatus) {
	if !u.State.IsTerminal() || u.State == r.State {
		return
	}
	if r.State == enum.OrderStateFailed && r.Reason == reasonNotFound {
		// the venue found an order given up on by the not-found debounce
		logs.Warnf("order %s reported %s after failing as not found", r.ClientOrderID, u.State)
		return
	}
	e.reportAmbiguous(r, u.State)
}

// ApplyBalances stores balances. A full snapshot also drops assets it does not list.
func (e *Engine) ApplyBalances(bs []venue.Balance, full bool) {
	now := e.cfg.Now()
	seen := make(map[string]struct{}, len(bs))
	for _, b := range bs {
		seen[b.Asset] = struct{}{}
		old, ok := e.balances[b.Asset]
		if ok && old.Total.Equal(b.Total) && old.Available.Equal(b.Available) {
			continue
		}
		e.balances[b.Asset] = b
		e.bus.Publish(bus.BalanceUpdated{
			Header:    bus.Header{Timestamp: now},
			Asset:     b.Asset,
			Total:     b.Total,
			Available: b.Available,
		})
	}
	if !full {
		return
	}
	for asset := range e.balances {
		if _, ok := seen[asset]; ok {
			continue
		}
		delete(e.balances, asset)
		e.bus.Publish(bus.BalanceUpdated{Header: bus.Header{Timestamp: now}, Asset: asset})
	}
	e.balancesReady.Store(true)
}

func (e *Engine) ApplyFees(fs []venue.TradingFee) {
	for _, f := range fs {
		e.fees[f.TradingPair] = f
	}
}

const reasonNotFound = "order not found on venue"

// OrderNotFound counts a not-found report and fails the order once the threshold is reached.
// It returns true when the order was failed by this call.
func (e *Engine) OrderNotFound(ref venue.OrderRef) bool {
	r, ok := e.table.Lookup(ref.ClientOrderID, ref.ExchangeOrderID)
	if !ok {
		return false
	}
	if _, ok := e.placing[r.ClientOrderID]; ok {
		return false
	}
	e.metrics.Inc(obs.CounterOrderNotFound)
	e.notFound[r.ClientOrderID]++
	n := e.notFound[r.ClientOrderID]
	if n < e.cfg.NotFoundThreshold {
		logs.Warnf("order %s not found on venue, count: %d/%d", r.ClientOrderID, n, e.cfg.NotFoundThreshold)
		return false
	}
	logs.Errorf("order %s not found on venue %d times, mark failed", r.ClientOrderID, n)
	e.terminal(r, enum.OrderStateFailed, reasonNotFound)
	return true
}

// NotFoundCount returns the current consecutive not-found count.
func (e *Engine) NotFoundCount(clientOrderID string) int {
	return e.notFound[clientOrderID]
}

// pollTargets lists tracked orders the poll loop should query.
func (e *Engine) pollTargets() []venue.OrderRef {
	active := e.table.Active()
	refs := make([]venue.OrderRef, 0, len(active))
	for _, r := range active {
		if _, ok := e.placing[r.ClientOrderID]; ok {
			continue
		}
		refs = append(refs, venue.OrderRef{
			ClientOrderID:   r.ClientOrderID,
			ExchangeOrderID: r.ExchangeOrderID,
			TradingPair:     r.TradingPair,
		})
	}
	return refs
}

func (e *Engine) bindExchangeID(r *order.Record, exchangeOrderID string) {
	if exchangeOrderID == "" {
		return
	}
	changed, err := e.table.BindExchangeID(r.ClientOrderID, exchangeOrderID)
	if err != nil {
		logs.Warnf("bind exchange id %s to order %s, err: %+v", exchangeOrderID, r.ClientOrderID, err)
		return
	}
	if !changed {
		return
	}
	e.bus.Publish(bus.OrderCreated{
		Header: e.header(r),
		Side:   r.Side,
		Type:   r.Type,
		Price:  r.Price,
		Amount: r.Amount,
	})
}

func (e *Engine) terminal(r *order.Record, state enum.OrderState, reason string) {
	changed, err := r.MarkTerminal(state, reason, e.cfg.Now())
	if errors.Is(err, exception.ErrAmbiguousTerminalState) {
		e.reportAmbiguous(r, state)
		return
	}
	if err != nil {
		logs.Warnf("mark order %s %s, err: %+v", r.ClientOrderID, state, err)
		return
	}
	if !changed {
		return
	}

	h := e.header(r)
	switch state {
	case enum.OrderStateFilled:
		e.publishCompleted(r)
	case enum.OrderStateCancelled:
		e.bus.Publish(bus.OrderCancelled{Header: h})
	case enum.OrderStateFailed:
		e.bus.Publish(bus.OrderFailed{Header: h, Reason: reason})
	case enum.OrderStateExpired:
		e.bus.Publish(bus.OrderExpired{Header: h})
	}
	e.finish(r)
}

func (e *Engine) reportAmbiguous(r *order.Record, state enum.OrderState) {
	e.metrics.Inc(obs.CounterAmbiguousTerminal)
	logs.Warnf("order %s is %s, ignore conflicting %s report", r.ClientOrderID, r.State, state)
}

func (e *Engine) finish(r *order.Record) {
	e.table.Remove(r.ClientOrderID)
	delete(e.notFound, r.ClientOrderID)
	delete(e.placing, r.ClientOrderID)
	e.recent.add(r)
}

func (e *Engine) header(r *order.Record) bus.Header {
	return bus.Header{
		Timestamp:       e.cfg.Now(),
		ClientOrderID:   r.ClientOrderID,
		ExchangeOrderID: r.ExchangeOrderID,
		TradingPair:     r.TradingPair,
	}
}

func (e *Engine) publishFill(r *order.Record, t order.Trade) {
	e.bus.Publish(bus.OrderFilled{
		Header:  e.header(r),
		TradeID: t.ID,
		Side:    r.Side,
		Price:   t.Price,
		Amount:  t.Amount,
		Fee:     bus.Fee{Amount: t.Fee, Asset: t.FeeAsset},
	})
}

func (e *Engine) publishCompleted(r *order.Record) {
	e.bus.Publish(bus.OrderCompleted{
		Header:     e.header(r),
		Side:       r.Side,
		TotalBase:  r.ExecutedBase,
		TotalQuote: r.ExecutedQuote,
		Fee:        bus.Fee{Amount: r.FeePaid, Asset: r.FeeAsset},
	})
}
