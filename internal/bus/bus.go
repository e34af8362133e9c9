package bus

import (
	"sync"
	"sync/atomic"

	"tradeconn/internal/obs"
)

// Bus fans events out to subscribers. Publish never blocks. Order lifecycle
// events are queued without bound for a slow subscriber; a BalanceUpdated is
// dropped instead once the subscriber is a full buffer behind, and its drop
// counter grows.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	closed  bool
	metrics *obs.Metrics
}

func New(metrics *obs.Metrics) *Bus {
	return &Bus{
		subs:    make(map[uint64]*Subscription),
		metrics: metrics,
	}
}

// Subscription is one subscriber's view of the bus. Events go straight into C
// while it has room; once it is full they queue and the subscription's own
// goroutine moves them over in order.
type Subscription struct {
	id      uint64
	bus     *Bus
	ch      chan Event
	limit   int
	dropped atomic.Uint64

	mu      sync.Mutex
	pending []Event
	sending bool
	closing bool
	wake    chan struct{}

	quit     chan struct{}
	quitOnce sync.Once
}

// Subscribe registers a subscriber with the given buffer size.
// Subscribing to a closed bus returns an already closed subscription.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	s := &Subscription{
		bus:   b,
		ch:    make(chan Event, buffer),
		limit: buffer,
		wake:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	go s.run()
	return s
}

// Publish delivers e to every subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.metrics.Inc(obs.CounterEventsPublished)
	for _, s := range b.subs {
		if !s.push(e) {
			s.dropped.Add(1)
			b.metrics.Inc(obs.CounterEventsDropped)
		}
	}
}

// Close stops publishing. Every subscription still receives what was queued
// before its channel closes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.finish()
		delete(b.subs, id)
	}
}

// C returns the event channel. It is closed when the subscription or the bus closes.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped counts balance updates skipped while the subscriber lagged.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes and discards queued events. It is safe to call more than once.
func (s *Subscription) Close() {
	b := s.bus
	b.mu.Lock()
	delete(b.subs, s.id)
	b.mu.Unlock()
	s.quitOnce.Do(func() { close(s.quit) })
}

func (s *Subscription) push(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return true
	}
	if len(s.pending) == 0 && !s.sending {
		select {
		case s.ch <- e:
			return true
		default:
		}
	}
	if _, ok := e.(BalanceUpdated); ok && len(s.pending) >= s.limit {
		return false
	}
	s.pending = append(s.pending, e)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscription) finish() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	defer close(s.ch)
	for {
		e, ok := s.next()
		if !ok {
			return
		}
		select {
		case s.ch <- e:
		case <-s.quit:
			return
		}
		s.mu.Lock()
		s.sending = false
		s.mu.Unlock()
	}
}

// next pops the oldest queued event, waiting for one. It returns false once the
// subscription is drained after finish, or closed.
func (s *Subscription) next() (Event, bool) {
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			e := s.pending[0]
			s.pending[0] = nil
			s.pending = s.pending[1:]
			s.sending = true
			s.mu.Unlock()
			return e, true
		}
		closing := s.closing
		s.mu.Unlock()
		if closing {
			return nil, false
		}
		select {
		case <-s.wake:
		case <-s.quit:
			return nil, false
		}
	}
}
