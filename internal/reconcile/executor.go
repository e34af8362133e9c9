package reconcile

import (
	"context"
)

// Executor runs fn on the context that owns the order table and waits for it.
type Executor interface {
	Do(ctx context.Context, fn func()) error
}
