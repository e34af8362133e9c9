package restclient

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tradeconn/internal/obs"
	"tradeconn/pkg/exception"
)

// LinkedLimit charges Weight against another pool whenever the owning limit is used.
type LinkedLimit struct {
	ID     string
	Weight int
}

// RateLimit is a quota of Limit weight per Interval.
type RateLimit struct {
	ID       string
	Limit    int
	Interval time.Duration
	// Weight is charged against this pool per call. Zero means 1.
	Weight int
	Linked []LinkedLimit
}

type charge struct {
	limiter *rate.Limiter
	weight  int
}

// Budget tracks consumed request weight per endpoint and across linked pools.
// Callers block until every pool the endpoint draws from has headroom.
type Budget struct {
	charges     map[string][]charge
	pausedUntil atomic.Int64
	metrics     *obs.Metrics
}

// NewBudget validates the limits and builds one token bucket per pool.
func NewBudget(limits []RateLimit, metrics *obs.Metrics) (*Budget, error) {
	limiters := make(map[string]*rate.Limiter, len(limits))
	var problems []string
	for _, l := range limits {
		if l.ID == "" || l.Limit <= 0 || l.Interval <= 0 {
			problems = append(problems, fmt.Sprintf("rate limit %q needs a positive limit and interval", l.ID))
			continue
		}
		if _, ok := limiters[l.ID]; ok {
			problems = append(problems, fmt.Sprintf("rate limit %q declared twice", l.ID))
			continue
		}
		every := rate.Limit(float64(l.Limit) / l.Interval.Seconds())
		limiters[l.ID] = rate.NewLimiter(every, l.Limit)
	}

	charges := make(map[string][]charge, len(limits))
	for _, l := range limits {
		own, ok := limiters[l.ID]
		if !ok {
			continue
		}
		weight := l.Weight
		if weight <= 0 {
			weight = 1
		}
		if weight > own.Burst() {
			problems = append(problems, fmt.Sprintf("rate limit %q weight %d exceeds its capacity %d", l.ID, weight, own.Burst()))
			continue
		}
		cs := []charge{{limiter: own, weight: weight}}
		for _, linked := range l.Linked {
			pool, ok := limiters[linked.ID]
			if !ok {
				problems = append(problems, fmt.Sprintf("rate limit %q links unknown pool %q", l.ID, linked.ID))
				continue
			}
			w := linked.Weight
			if w <= 0 {
				w = 1
			}
			if w > pool.Burst() {
				problems = append(problems, fmt.Sprintf("rate limit %q weight %d exceeds pool %q capacity %d", l.ID, w, linked.ID, pool.Burst()))
				continue
			}
			cs = append(cs, charge{limiter: pool, weight: w})
		}
		charges[l.ID] = cs
	}

	if err := exception.NewFatalConfig(problems...); err != nil {
		return nil, err
	}
	return &Budget{charges: charges, metrics: metrics}, nil
}

// Wait blocks until the endpoint identified by id may issue one call.
// An empty id is not rate limited.
func (b *Budget) Wait(ctx context.Context, id string) error {
	if b == nil {
		return nil
	}
	start := time.Now()
	defer func() {
		b.metrics.ObserveBudgetWait(time.Since(start))
	}()

	if err := b.waitPause(ctx); err != nil {
		return err
	}
	if id == "" {
		return nil
	}
	cs, ok := b.charges[id]
	if !ok {
		return fmt.Errorf("%w: unknown rate limit %q", exception.ErrInvalidArgument, id)
	}
	for _, c := range cs {
		if err := c.limiter.WaitN(ctx, c.weight); err != nil {
			return err
		}
	}
	return nil
}

// Suspend holds every caller back for d, as requested by a venue rate limit response.
func (b *Budget) Suspend(d time.Duration) {
	if b == nil || d <= 0 {
		return
	}
	until := time.Now().Add(d).UnixNano()
	for {
		cur := b.pausedUntil.Load()
		if cur >= until || b.pausedUntil.CompareAndSwap(cur, until) {
			return
		}
	}
}

func (b *Budget) waitPause(ctx context.Context) error {
	until := b.pausedUntil.Load()
	if until == 0 {
		return nil
	}
	d := time.Until(time.Unix(0, until))
	if d <= 0 {
		return nil
	}
	return sleep(ctx, d)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
