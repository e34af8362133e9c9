package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func signalled(s *Scheduler, name string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	return s.Wait(ctx, name) == nil
}

func TestTickSignalsOncePerBucket(t *testing.T) {
	s := New()
	s.Register("status", Every(10*time.Second))

	s.Tick(base)
	assert.True(t, signalled(s, "status"), "first tick always fires")

	s.Tick(base.Add(1 * time.Second))
	s.Tick(base.Add(9 * time.Second))
	assert.False(t, signalled(s, "status"), "same bucket")

	s.Tick(base.Add(10 * time.Second))
	s.Tick(base.Add(11 * time.Second))
	assert.True(t, signalled(s, "status"))
	assert.False(t, signalled(s, "status"), "ticks merge into one wake-up")
}

func TestIndependentBuckets(t *testing.T) {
	s := New()
	s.Register("status", Every(5*time.Second))
	s.Register("rules", Every(time.Minute))

	s.Tick(base)
	require.True(t, signalled(s, "status"))
	require.True(t, signalled(s, "rules"))

	for i := 1; i <= 12; i++ {
		s.Tick(base.Add(time.Duration(i) * 5 * time.Second))
		assert.True(t, signalled(s, "status"), "tick %d", i)
		if i < 12 {
			assert.False(t, signalled(s, "rules"), "tick %d", i)
		}
	}
	assert.True(t, signalled(s, "rules"))
}

func TestSignalDuringWorkIsKept(t *testing.T) {
	s := New()
	s.Register("status", Every(time.Second))
	s.Tick(base)

	require.NoError(t, s.Wait(t.Context(), "status"))
	// the poll is still running when the next bucket starts
	s.Tick(base.Add(time.Second))
	assert.True(t, signalled(s, "status"))
}

func TestAdaptiveInterval(t *testing.T) {
	var long atomic.Bool
	s := New()
	s.Register("status", func(time.Time) time.Duration {
		if long.Load() {
			return 2 * time.Minute
		}
		return 5 * time.Second
	})

	s.Tick(base)
	require.True(t, signalled(s, "status"))

	long.Store(true)
	s.Tick(base.Add(5 * time.Second))
	assert.False(t, signalled(s, "status"))

	long.Store(false)
	s.Tick(base.Add(10 * time.Second))
	assert.True(t, signalled(s, "status"))
}

func TestRunAndTrigger(t *testing.T) {
	s := New()
	s.Register("fees", Every(time.Hour))
	assert.ErrorIs(t, s.Wait(t.Context(), "nope"), ErrUnknownLoop)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	runs := make(chan struct{}, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx, "fees", func(context.Context) error {
			runs <- struct{}{}
			return errors.New("venue down")
		})
	}()

	s.Trigger("fees")
	<-runs
	s.Trigger("fees")
	<-runs

	cancel()
	<-done
}
