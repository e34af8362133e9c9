// Package timesync estimates the offset between the local clock and a venue clock.
package timesync

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const _defaultSamples = 5

// ServerClock reports the venue time.
type ServerClock interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

// Synchronizer keeps the median of recent offset samples.
type Synchronizer struct {
	mu      sync.Mutex
	samples []time.Duration
	size    int
	offset  atomic.Int64
	local   func() time.Time
}

func New(samples int) *Synchronizer {
	if samples <= 0 {
		samples = _defaultSamples
	}
	return &Synchronizer{size: samples, local: time.Now}
}

// Offset is server time minus local time.
func (s *Synchronizer) Offset() time.Duration {
	if s == nil {
		return 0
	}
	return time.Duration(s.offset.Load())
}

// Now returns the local time corrected by the current offset.
func (s *Synchronizer) Now() time.Time {
	if s == nil {
		return time.Now()
	}
	return s.local().Add(s.Offset())
}

// Add records one sample taken between sent and received local times.
func (s *Synchronizer) Add(sent, server, received time.Time) {
	mid := sent.Add(received.Sub(sent) / 2)
	sample := server.Sub(mid)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	if len(s.samples) > s.size {
		s.samples = s.samples[len(s.samples)-s.size:]
	}
	sorted := append([]time.Duration(nil), s.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	s.offset.Store(int64(sorted[len(sorted)/2]))
}

// Sync queries the venue clock once and records the sample.
func (s *Synchronizer) Sync(ctx context.Context, clock ServerClock) error {
	sent := s.local()
	server, err := clock.ServerTime(ctx)
	if err != nil {
		return err
	}
	s.Add(sent, server, s.local())
	return nil
}
