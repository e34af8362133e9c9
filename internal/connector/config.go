package connector

import (
	"time"

	"tradeconn/pkg/exception"
)

const (
	DefaultShortPollInterval    = 5 * time.Second
	DefaultLongPollInterval     = 120 * time.Second
	DefaultTickIntervalLimit    = 60 * time.Second
	DefaultTradingRulesInterval = 30 * time.Minute
	DefaultTradingFeesInterval  = 12 * time.Hour
	DefaultSnapshotInterval     = time.Minute

	_maxClientOrderIDLength = 36
)

// Config tunes one connector instance.
type Config struct {
	TradingPairs        []string
	ClientOrderIDPrefix string

	NotFoundThreshold  int
	StreamRestartDelay time.Duration

	// ShortPollInterval applies while the push stream is silent for longer than TickIntervalLimit.
	ShortPollInterval    time.Duration
	LongPollInterval     time.Duration
	TickIntervalLimit    time.Duration
	TradingRulesInterval time.Duration
	TradingFeesInterval  time.Duration
	SnapshotInterval     time.Duration

	// PlacementAttempts bounds resubmissions after a placement whose outcome is unknown.
	PlacementAttempts int
	ProbeAttempts     int
	TaskQueueSize     int
}

func (c Config) withDefaults() Config {
	if c.ShortPollInterval <= 0 {
		c.ShortPollInterval = DefaultShortPollInterval
	}
	if c.LongPollInterval <= 0 {
		c.LongPollInterval = DefaultLongPollInterval
	}
	if c.TickIntervalLimit <= 0 {
		c.TickIntervalLimit = DefaultTickIntervalLimit
	}
	if c.TradingRulesInterval <= 0 {
		c.TradingRulesInterval = DefaultTradingRulesInterval
	}
	if c.TradingFeesInterval <= 0 {
		c.TradingFeesInterval = DefaultTradingFeesInterval
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.PlacementAttempts <= 0 {
		c.PlacementAttempts = 3
	}
	if c.ProbeAttempts <= 0 {
		c.ProbeAttempts = 3
	}
	if c.TaskQueueSize <= 0 {
		c.TaskQueueSize = 1024
	}
	return c
}

func (c Config) validate() error {
	var problems []string
	if len(c.TradingPairs) == 0 {
		problems = append(problems, "no trading pair configured")
	}
	seen := make(map[string]struct{}, len(c.TradingPairs))
	for _, p := range c.TradingPairs {
		if p == "" {
			problems = append(problems, "empty trading pair")
			continue
		}
		if _, ok := seen[p]; ok {
			problems = append(problems, "duplicate trading pair "+p)
		}
		seen[p] = struct{}{}
	}
	if len(c.ClientOrderIDPrefix) > 8 {
		problems = append(problems, "client order id prefix longer than 8 characters")
	}
	return exception.NewFatalConfig(problems...)
}
