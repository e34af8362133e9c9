package timesync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fixedClock struct {
	at  time.Time
	err error
}

func (c fixedClock) ServerTime(context.Context) (time.Time, error) {
	return c.at, c.err
}

func TestMedianOffset(t *testing.T) {
	s := New(3)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	s.Add(base, base.Add(110*time.Millisecond), base.Add(20*time.Millisecond))
	assert.Equal(t, 100*time.Millisecond, s.Offset())

	s.Add(base, base.Add(5*time.Second), base)
	s.Add(base, base.Add(90*time.Millisecond), base)
	assert.Equal(t, 100*time.Millisecond, s.Offset(), "outlier does not move the median")

	s.Add(base, base.Add(95*time.Millisecond), base)
	s.Add(base, base.Add(96*time.Millisecond), base)
	assert.Equal(t, 95*time.Millisecond, s.Offset(), "old samples roll out")
}

func TestSync(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(1)
	s.local = func() time.Time { return base }

	assert.NoError(t, s.Sync(t.Context(), fixedClock{at: base.Add(-2 * time.Second)}))
	assert.Equal(t, -2*time.Second, s.Offset())
	assert.Equal(t, base.Add(-2*time.Second), s.Now())

	assert.Error(t, s.Sync(t.Context(), fixedClock{err: errors.New("down")}))

	var nilSync *Synchronizer
	assert.Equal(t, time.Duration(0), nilSync.Offset())
}
