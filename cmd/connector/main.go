package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"

	"tradeconn/internal/adapter/enum"
	"tradeconn/internal/bus"
	"tradeconn/internal/connector"
	"tradeconn/internal/obs"
	"tradeconn/internal/ops"
	"tradeconn/internal/restclient"
	"tradeconn/internal/state"
	"tradeconn/internal/stream"
	"tradeconn/internal/timesync"
	"tradeconn/internal/venue"
	"tradeconn/internal/venue/binance"
	"tradeconn/internal/venue/btcc"
	"tradeconn/pkg/conn"
)

func main() {
	configPath := flag.String("config", "config/connector.yaml", "Path to YAML config")
	envFile := flag.String("env", ".env", "Dotenv file loaded before the config")
	tickInterval := flag.Duration("tick", time.Second, "Scheduler tick interval")
	cancelOnExit := flag.Bool("cancel-on-exit", true, "Cancel every active order before exiting")
	flag.Parse()

	if err := ops.LoadEnv(*envFile); err != nil {
		log.Fatalf("env load failed: %v", err)
	}
	loaded, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	if loaded.Profiling.PyroscopeServer != "" {
		profiler, err := startProfiler(loaded.Profiling)
		if err != nil {
			log.Fatalf("pyroscope start failed: %v", err)
		}
		defer func() { _ = profiler.Stop() }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, loaded, *tickInterval, *cancelOnExit); err != nil {
		log.Fatalf("connector failed: %v", err)
	}
}

func run(ctx context.Context, loaded ops.Loaded, tick time.Duration, cancelOnExit bool) error {
	metrics := obs.NewMetrics()
	clock := timesync.New(0)

	adapter, source, err := buildVenue(ctx, loaded, metrics, clock)
	if err != nil {
		return err
	}

	opts := []connector.Option{
		connector.WithMetrics(metrics),
		connector.WithTimeSync(clock),
	}
	if source != nil {
		opts = append(opts, connector.WithStream(source))
	}
	sink, closeSink, err := buildSink(ctx, loaded)
	if err != nil {
		return err
	}
	defer closeSink()
	if sink != nil {
		opts = append(opts, connector.WithSink(sink))
	}

	c, err := connector.New(loaded.Connector, adapter, opts...)
	if err != nil {
		return err
	}

	sub := c.Subscribe(256)
	go logEvents(sub)

	// the connector outlives the signal context so that shutdown can still cancel orders
	if err := c.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	c.Tick(time.Now())
	for {
		select {
		case <-ctx.Done():
			shutdown(c, loaded.CancelAllTimeout, cancelOnExit)
			return nil
		case ts := <-ticker.C:
			c.Tick(ts)
		}
	}
}

func shutdown(c *connector.Connector, timeout time.Duration, cancelOnExit bool) {
	if cancelOnExit {
		results := c.CancelAll(context.Background(), timeout)
		for _, r := range results {
			if !r.Success {
				logs.Warnf("order still open at exit, client order id: %s", r.ClientOrderID)
			}
		}
	}
	c.Stop()
	snap := c.Metrics().Snapshot()
	logs.Infof("final metrics: %+v", snap)
}

func buildVenue(ctx context.Context, loaded ops.Loaded, metrics *obs.Metrics, clock *timesync.Synchronizer) (venue.Adapter, venue.StreamSource, error) {
	pairs := loaded.Connector.TradingPairs
	var (
		limits []restclient.RateLimit
		copts  = []restclient.Option{
			restclient.WithRetryPolicy(loaded.Retry),
			restclient.WithTimeout(loaded.Timeout),
			restclient.WithMetrics(metrics),
			restclient.WithClock(clock.Now),
		}
	)
	switch loaded.Platform {
	case enum.PlatformBTCC:
		limits = btcc.RateLimits()
		copts = append(copts, restclient.WithAuthenticator(btcc.Signer{
			AccessID:  loaded.Credentials.APIKey,
			SecretKey: loaded.Credentials.SecretKey,
		}))
	case enum.PlatformBinance:
		limits = binance.RateLimits()
	}

	budget, err := restclient.NewBudget(limits, metrics)
	if err != nil {
		return nil, nil, err
	}
	client := restclient.New(loaded.BaseURL, budget, copts...)

	var (
		adapter venue.Adapter
		cfg     stream.Config
	)
	switch loaded.Platform {
	case enum.PlatformBTCC:
		a := btcc.New(client, pairs)
		signer := btcc.Signer{AccessID: loaded.Credentials.APIKey, SecretKey: loaded.Credentials.SecretKey}
		url := loaded.StreamURL
		cfg = stream.Config{
			URL:       func(context.Context) (string, error) { return url, nil },
			Handshake: signer.StreamHandshake(pairs),
			Parse:     a.ParseStream,
		}
		adapter = a
	case enum.PlatformBinance:
		a := binance.New(client, loaded.BaseURL, loaded.Credentials.APIKey, loaded.Credentials.SecretKey, pairs)
		// the SDK signs with its own clock, so the offset is applied once before any goroutine reads it
		if err := clock.Sync(ctx, a); err != nil {
			logs.Warnf("initial server time sync, err: %+v", err)
		}
		a.SetTimeOffset(clock.Offset())
		cfg = a.UserStream(loaded.StreamURL)
		adapter = a
	}

	if !loaded.StreamEnabled {
		return adapter, nil, nil
	}
	source, err := stream.New(cfg, metrics)
	if err != nil {
		return nil, nil, err
	}
	return adapter, source, nil
}

func buildSink(ctx context.Context, loaded ops.Loaded) (venue.Sink, func(), error) {
	noop := func() {}
	p := loaded.Persistence
	switch p.Kind {
	case ops.SinkFile:
		return state.NewFileSink(p.Path), noop, nil
	case ops.SinkPostgres:
		opt := p.Postgres
		opt.ConnString = p.DSN
		client, err := conn.New(ctx, opt)
		if err != nil {
			return nil, noop, err
		}
		if err := client.Migrate(ctx, &state.TrackedOrder{}); err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		closeFn := func() {
			if err := client.Close(); err != nil {
				logs.Errorf("close postgres, err: %+v", err)
			}
		}
		return state.NewPostgresSink(client.DB(), loaded.Platform.String()), closeFn, nil
	case ops.SinkS3:
		sink, err := state.NewS3Sink(ctx, p.S3)
		if err != nil {
			return nil, noop, err
		}
		return sink, noop, nil
	default:
		return nil, noop, nil
	}
}

func logEvents(sub *bus.Subscription) {
	for e := range sub.C() {
		h := e.Meta()
		switch ev := e.(type) {
		case bus.OrderCreated:
			logs.Infof("order created, client order id: %s, exchange order id: %s, pair: %s, side: %s, price: %s, amount: %s",
				h.ClientOrderID, h.ExchangeOrderID, h.TradingPair, ev.Side, ev.Price, ev.Amount)
		case bus.OrderFilled:
			logs.Infof("order filled, client order id: %s, trade id: %s, price: %s, amount: %s, fee: %s %s",
				h.ClientOrderID, ev.TradeID, ev.Price, ev.Amount, ev.Fee.Amount, ev.Fee.Asset)
		case bus.OrderCompleted:
			logs.Infof("order completed, client order id: %s, base: %s, quote: %s", h.ClientOrderID, ev.TotalBase, ev.TotalQuote)
		case bus.OrderCancelled:
			logs.Infof("order cancelled, client order id: %s", h.ClientOrderID)
		case bus.OrderFailed:
			logs.Warnf("order failed, client order id: %s, reason: %s", h.ClientOrderID, ev.Reason)
		case bus.OrderExpired:
			logs.Warnf("order expired, client order id: %s", h.ClientOrderID)
		case bus.BalanceUpdated:
			logs.Infof("balance updated, asset: %s, total: %s, available: %s", ev.Asset, ev.Total, ev.Available)
		}
	}
	if n := sub.Dropped(); n > 0 {
		logs.Warnf("event log subscription skipped %d balance updates", n)
	}
}

func startProfiler(cfg ops.ProfilingConfig) (*pyroscope.Profiler, error) {
	name := cfg.AppName
	if name == "" {
		name = "tradeconn"
	}
	return pyroscope.Start(pyroscope.Config{
		ApplicationName: name,
		ServerAddress:   cfg.PyroscopeServer,
		Logger:          profilerLogger{},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
}

type profilerLogger struct{}

func (profilerLogger) Infof(format string, args ...interface{})  { logs.Infof(format, args...) }
func (profilerLogger) Debugf(_ string, _ ...interface{})         {}
func (profilerLogger) Errorf(format string, args ...interface{}) { logs.Errorf(format, args...) }
