package obs

import (
	"sync/atomic"
	"time"
)

// Counter identifies a connector counter.
type Counter uint8

const (
	CounterRequests Counter = iota
	CounterRetries
	CounterRateLimited
	CounterRequestFailures
	CounterStreamMessages
	CounterStreamRestarts
	CounterPolls
	CounterPollErrors
	CounterOrderNotFound
	CounterAmbiguousTerminal
	CounterEventsPublished
	CounterEventsDropped
	_counter_end
)

var counterNames = [_counter_end]string{
	CounterRequests:          "requests",
	CounterRetries:           "retries",
	CounterRateLimited:       "rate_limited",
	CounterRequestFailures:   "request_failures",
	CounterStreamMessages:    "stream_messages",
	CounterStreamRestarts:    "stream_restarts",
	CounterPolls:             "polls",
	CounterPollErrors:        "poll_errors",
	CounterOrderNotFound:     "order_not_found",
	CounterAmbiguousTerminal: "ambiguous_terminal",
	CounterEventsPublished:   "events_published",
	CounterEventsDropped:     "events_dropped",
}

func (c Counter) String() string {
	if c < _counter_end {
		return counterNames[c]
	}
	return "unknown"
}

// Metrics collects lightweight counters and latency stats. A nil *Metrics is a valid no-op sink.
type Metrics struct {
	counters [_counter_end]uint64

	requestLatency LatencyStats
	pollLatency    LatencyStats
	budgetWait     LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	Counters       map[string]uint64
	RequestLatency LatencySnapshot
	PollLatency    LatencySnapshot
	BudgetWait     LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) Inc(c Counter) {
	m.Add(c, 1)
}

func (m *Metrics) Add(c Counter, n uint64) {
	if m == nil || c >= _counter_end {
		return
	}
	atomic.AddUint64(&m.counters[c], n)
}

func (m *Metrics) Count(c Counter) uint64 {
	if m == nil || c >= _counter_end {
		return 0
	}
	return atomic.LoadUint64(&m.counters[c])
}

// ObserveRequest measures one HTTP round trip, including retries.
func (m *Metrics) ObserveRequest(d time.Duration) {
	if m == nil {
		return
	}
	m.requestLatency.Observe(d)
}

// ObservePoll measures one status poll.
func (m *Metrics) ObservePoll(d time.Duration) {
	if m == nil {
		return
	}
	m.pollLatency.Observe(d)
}

// ObserveBudgetWait measures time spent waiting for rate budget headroom.
func (m *Metrics) ObserveBudgetWait(d time.Duration) {
	if m == nil {
		return
	}
	m.budgetWait.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	counters := make(map[string]uint64)
	for i := range m.counters {
		if v := atomic.LoadUint64(&m.counters[i]); v > 0 {
			counters[Counter(i).String()] = v
		}
	}
	return Snapshot{
		Counters:       counters,
		RequestLatency: m.requestLatency.Snapshot(),
		PollLatency:    m.pollLatency.Snapshot(),
		BudgetWait:     m.budgetWait.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(atomic.LoadUint64(&l.min)),
		Max:   time.Duration(atomic.LoadUint64(&l.max)),
		Avg:   time.Duration(atomic.LoadUint64(&l.sum) / count),
	}
}
