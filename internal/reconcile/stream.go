package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/yanun0323/logs"

	"tradeconn/internal/obs"
	"tradeconn/internal/venue"
)

// RunStream consumes the push stream until ctx is done. A failing or
// panicking source is logged and restarted after the configured delay.
func (e *Engine) RunStream(ctx context.Context, src venue.StreamSource) {
	for {
		err := e.runStreamOnce(ctx, src)
		if ctx.Err() != nil {
			return
		}
		e.metrics.Inc(obs.CounterStreamRestarts)
		logs.Errorf("push stream stopped, restart in %s, err: %+v", e.cfg.StreamRestartDelay, err)

		t := time.NewTimer(e.cfg.StreamRestartDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (e *Engine) runStreamOnce(ctx context.Context, src venue.StreamSource) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("push stream panic: %v", r)
		}
	}()

	return src.Run(ctx, func(ev venue.StreamEvent) {
		e.lastStreamRecv.Store(e.cfg.Now().UnixNano())
		e.metrics.Inc(obs.CounterStreamMessages)
		if err := e.exec.Do(ctx, func() {
			e.ApplyStreamEvent(ev)
		}); err != nil && ctx.Err() == nil {
			logs.Errorf("apply stream event, err: %+v", err)
		}
	})
}
