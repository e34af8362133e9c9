package connector

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"tradeconn/internal/bus"
	"tradeconn/internal/obs"
	"tradeconn/internal/order"
	"tradeconn/internal/reconcile"
	"tradeconn/internal/rule"
	"tradeconn/internal/schedule"
	"tradeconn/internal/timesync"
	"tradeconn/internal/venue"
	"tradeconn/pkg/exception"
)

var (
	ErrNotRunning     = errors.New("connector: not running")
	ErrAlreadyStarted = errors.New("connector: already started")
)

const (
	loopStatus   = "status"
	loopRules    = "trading_rules"
	loopFees     = "trading_fees"
	loopSnapshot = "snapshot"
)

// ReadyChecker reports readiness of an external collaborator such as an order book tracker.
type ReadyChecker interface {
	Ready() bool
}

type Option func(*Connector)

func WithStream(src venue.StreamSource) Option {
	return func(c *Connector) { c.stream = src }
}

func WithSink(sink venue.Sink) Option {
	return func(c *Connector) { c.sink = sink }
}

func WithMetrics(m *obs.Metrics) Option {
	return func(c *Connector) { c.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(c *Connector) {
		if now != nil {
			c.now = now
		}
	}
}

func WithTimeSync(s *timesync.Synchronizer) Option {
	return func(c *Connector) { c.timeSync = s }
}

func WithOrderBooks(r ReadyChecker) Option {
	return func(c *Connector) { c.orderBooks = r }
}

// Connector is the per-venue façade used by strategies.
//
// Every order table mutation and event emission runs on a single loop
// goroutine; the poll loop, the push listener and order submission only do
// I/O and hand their results to that loop.
type Connector struct {
	cfg        Config
	adapter    venue.Adapter
	stream     venue.StreamSource
	sink       venue.Sink
	orderBooks ReadyChecker
	timeSync   *timesync.Synchronizer
	metrics    *obs.Metrics
	now        func() time.Time

	validator *rule.Validator
	table     *order.Table
	bus       *bus.Bus
	engine    *reconcile.Engine
	scheduler *schedule.Scheduler
	tasks     *bus.Queue[func()]

	running  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	loopDone chan struct{}
}

// New validates the configuration. It performs no I/O.
func New(cfg Config, adapter venue.Adapter, opts ...Option) (*Connector, error) {
	if adapter == nil {
		return nil, exception.NewFatalConfig("nil venue adapter")
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Connector{
		cfg:       cfg,
		adapter:   adapter,
		now:       time.Now,
		validator: rule.NewValidator(),
		table:     order.NewTable(),
		scheduler: schedule.New(),
		tasks:     bus.NewQueue[func()](cfg.TaskQueueSize),
		loopDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.bus = bus.New(c.metrics)
	c.engine = reconcile.New(reconcile.Config{
		NotFoundThreshold:  cfg.NotFoundThreshold,
		StreamRestartDelay: cfg.StreamRestartDelay,
		Now:                c.now,
	}, c.table, c.bus, adapter, c, c.metrics)
	c.engine.OnAwaitingTrades(func(venue.OrderRef) {
		c.scheduler.Trigger(loopStatus)
	})

	c.scheduler.Register(loopStatus, c.statusInterval)
	c.scheduler.Register(loopRules, schedule.Every(cfg.TradingRulesInterval))
	c.scheduler.Register(loopFees, schedule.Every(cfg.TradingFeesInterval))
	c.scheduler.Register(loopSnapshot, schedule.Every(cfg.SnapshotInterval))
	return c, nil
}

// Do runs fn on the connector loop and waits for it to finish.
func (c *Connector) Do(ctx context.Context, fn func()) error {
	if !c.running.Load() {
		return ErrNotRunning
	}
	done := make(chan struct{})
	if err := c.tasks.Publish(ctx, func() {
		defer close(done)
		fn()
	}); err != nil {
		if errors.Is(err, bus.ErrQueueClosed) {
			return ErrNotRunning
		}
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.loopDone:
		return ErrNotRunning
	}
}

func (c *Connector) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("connector task panic: %v", r)
		}
	}()
	fn()
}

// Start restores persisted orders, loads trading rules and launches the background loops.
// A configured pair unknown to the venue is a FatalConfigError.
func (c *Connector) Start(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	if c.sink != nil {
		c.restore(c.ctx)
	}

	go func() {
		defer close(c.loopDone)
		c.tasks.Run(c.ctx, c.runTask)
	}()

	missing, err := c.refreshRules(c.ctx)
	if err == nil && len(missing) > 0 {
		err = exception.NewFatalConfig("trading pairs not listed on venue: " + joinPairs(missing))
	}
	if err != nil {
		c.Stop()
		return err
	}

	c.spawn(c.syncOpenOrders)
	c.spawn(func(ctx context.Context) { c.scheduler.Run(ctx, loopStatus, c.pollStatus) })
	c.spawn(func(ctx context.Context) {
		c.scheduler.Run(ctx, loopRules, func(ctx context.Context) error {
			missing, err := c.refreshRules(ctx)
			if len(missing) > 0 {
				logs.Errorf("trading pairs no longer listed on venue: %s", joinPairs(missing))
			}
			return err
		})
	})
	c.spawn(func(ctx context.Context) {
		c.scheduler.Run(ctx, loopFees, func(ctx context.Context) error {
			return c.engine.PollFees(ctx, c.cfg.TradingPairs)
		})
	})
	if c.sink != nil {
		c.spawn(func(ctx context.Context) { c.scheduler.Run(ctx, loopSnapshot, c.persist) })
	}
	if c.stream != nil {
		c.spawn(func(ctx context.Context) { c.engine.RunStream(ctx, c.stream) })
	}

	logs.Infof("connector started, pairs: %v", c.cfg.TradingPairs)
	return nil
}

// Stop cancels the background loops, waits for them and persists the final snapshot.
func (c *Connector) Stop() {
	if !c.running.Load() || c.cancel == nil {
		return
	}
	c.cancel()
	c.wg.Wait()
	<-c.loopDone
	c.running.Store(false)
	c.tasks.Close()

	// the loop has exited, the table has no other owner now
	if c.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.sink.Save(ctx, c.table.Snapshot(c.now())); err != nil {
			logs.Errorf("save final snapshot, err: %+v", err)
		}
	}
	c.bus.Close()
	logs.Info("connector stopped")
}

func (c *Connector) spawn(fn func(ctx context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
}

// Tick drives the scheduler. ts may come from a simulated clock.
func (c *Connector) Tick(ts time.Time) {
	c.scheduler.Tick(ts)
}

// Subscribe returns a lifecycle event subscription.
func (c *Connector) Subscribe(buffer int) *bus.Subscription {
	return c.bus.Subscribe(buffer)
}

func (c *Connector) Metrics() *obs.Metrics {
	return c.metrics
}

func (c *Connector) Validator() *rule.Validator {
	return c.validator
}

func (c *Connector) statusInterval(ts time.Time) time.Duration {
	if c.stream == nil {
		return c.cfg.ShortPollInterval
	}
	last := c.engine.LastStreamRecv()
	if last.IsZero() || ts.Sub(last) > c.cfg.TickIntervalLimit {
		return c.cfg.ShortPollInterval
	}
	return c.cfg.LongPollInterval
}

func (c *Connector) pollStatus(ctx context.Context) error {
	if clock, ok := c.adapter.(venue.ServerClock); ok && c.timeSync != nil {
		if err := c.timeSync.Sync(ctx, clock); err != nil {
			logs.Warnf("sync server time, err: %+v", err)
		}
	}
	return c.engine.Poll(ctx)
}

// syncOpenOrders binds restored records to what the venue still has open
// before the first status poll reaches them.
func (c *Connector) syncOpenOrders(ctx context.Context) {
	n, err := c.engine.SyncOpenOrders(ctx, c.cfg.TradingPairs, c.cfg.ClientOrderIDPrefix)
	if err != nil {
		if ctx.Err() == nil {
			logs.Warnf("sync open orders, err: %+v", err)
		}
		return
	}
	if n > 0 {
		logs.Infof("matched %d tracked orders against venue open orders", n)
	}
}

func (c *Connector) refreshRules(ctx context.Context) ([]string, error) {
	rules, err := c.adapter.GetTradingRules(ctx, c.cfg.TradingPairs)
	if err != nil {
		return nil, err
	}
	c.validator.Replace(rules)

	var missing []string
	for _, p := range c.cfg.TradingPairs {
		if _, ok := c.validator.Rule(p); !ok {
			missing = append(missing, p)
		}
	}
	return missing, nil
}

func joinPairs(pairs []string) string {
	return strings.Join(pairs, ",")
}
