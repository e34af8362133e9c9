package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/yanun0323/logs"
)

// Notifier is a one-shot signal. Signal may be called any number of times.
type Notifier struct {
	ch   chan struct{}
	once sync.Once
}

func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{})}
}

func (n *Notifier) Signal() {
	n.once.Do(func() { close(n.ch) })
}

func (n *Notifier) Done() <-chan struct{} {
	return n.ch
}

// IntervalFunc returns the bucket width to use at ts.
type IntervalFunc func(ts time.Time) time.Duration

// Every is a fixed IntervalFunc.
func Every(d time.Duration) IntervalFunc {
	return func(time.Time) time.Duration { return d }
}

type loop struct {
	interval IntervalFunc
	last     time.Time
	notifier *Notifier
}

// Scheduler turns external ticks into wake-ups for named sub-loops.
// A sub-loop wakes when the tick timestamp enters a new interval bucket,
// so ticks within one bucket never trigger a second run.
type Scheduler struct {
	mu    sync.Mutex
	loops map[string]*loop
}

func New() *Scheduler {
	return &Scheduler{loops: make(map[string]*loop)}
}

// Register adds a sub-loop. Registering an existing name replaces its interval.
func (s *Scheduler) Register(name string, interval IntervalFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.loops[name]; ok {
		l.interval = interval
		return
	}
	s.loops[name] = &loop{interval: interval, notifier: NewNotifier()}
}

// Tick advances every sub-loop to ts.
func (s *Scheduler) Tick(ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.loops {
		d := l.interval(ts)
		if d <= 0 {
			continue
		}
		if bucket(ts, d) > bucket(l.last, d) {
			l.notifier.Signal()
		}
		if ts.After(l.last) {
			l.last = ts
		}
	}
}

// Trigger wakes a sub-loop regardless of its bucket.
func (s *Scheduler) Trigger(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.loops[name]; ok {
		l.notifier.Signal()
	}
}

// Wait blocks until the sub-loop is signalled, then arms a fresh notifier
// before returning so a signal raised during the caller's work is kept.
func (s *Scheduler) Wait(ctx context.Context, name string) error {
	s.mu.Lock()
	l, ok := s.loops[name]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownLoop
	}
	n := l.notifier
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-n.Done():
	}

	s.mu.Lock()
	if l.notifier == n {
		l.notifier = NewNotifier()
	}
	s.mu.Unlock()
	return nil
}

// Run executes fn once per wake-up until ctx is done. Errors are logged and
// the sub-loop carries on at its next bucket.
func (s *Scheduler) Run(ctx context.Context, name string, fn func(context.Context) error) {
	for {
		if err := s.Wait(ctx, name); err != nil {
			return
		}
		if err := fn(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logs.Errorf("scheduler loop %s, err: %+v", name, err)
		}
	}
}

func bucket(ts time.Time, d time.Duration) int64 {
	if ts.IsZero() {
		return -1
	}
	return ts.UnixNano() / int64(d)
}
