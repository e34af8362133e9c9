package connector

import (
	"context"
	"time"

	"github.com/yanun0323/logs"

	"tradeconn/internal/order"
)

// TrackingStates returns a snapshot of every tracked order.
func (c *Connector) TrackingStates(ctx context.Context) (order.Snapshot, error) {
	var snap order.Snapshot
	err := c.Do(ctx, func() {
		snap = c.table.Snapshot(c.now())
	})
	return snap, err
}

// RestoreTrackingStates registers orders from a snapshot; already tracked ids are kept.
func (c *Connector) RestoreTrackingStates(ctx context.Context, snap order.Snapshot) (int, error) {
	var (
		n   int
		err error
	)
	if doErr := c.Do(ctx, func() {
		n, err = c.table.Restore(snap)
	}); doErr != nil {
		return 0, doErr
	}
	return n, err
}

func (c *Connector) persist(ctx context.Context) error {
	snap, err := c.TrackingStates(ctx)
	if err != nil {
		return err
	}
	return c.sink.Save(ctx, snap)
}

// restore runs before the loop starts, so it owns the table.
func (c *Connector) restore(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	snap, err := c.sink.Load(ctx)
	if err != nil {
		logs.Errorf("load tracking states, err: %+v", err)
		return
	}
	n, err := c.table.Restore(snap)
	if err != nil {
		logs.Errorf("restore tracking states, restored: %d, err: %+v", n, err)
		return
	}
	if n > 0 {
		logs.Infof("restored %d tracked orders", n)
	}
}
