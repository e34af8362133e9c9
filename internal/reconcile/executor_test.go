package reconcile

import (
	"context"
	"sync"
)

// Serial runs fn on the calling goroutine under a mutex.
type Serial struct {
	mu sync.Mutex
}

func (s *Serial) Do(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
	return nil
}
