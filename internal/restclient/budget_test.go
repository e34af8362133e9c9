package restclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeconn/pkg/exception"
)

func TestBudgetBlocksUntilHeadroom(t *testing.T) {
	b, err := NewBudget([]RateLimit{{ID: "orders", Limit: 2, Interval: 100 * time.Millisecond}}, nil)
	require.NoError(t, err)

	start := time.Now()
	for range 3 {
		require.NoError(t, b.Wait(t.Context(), "orders"))
	}
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestBudgetLinkedPool(t *testing.T) {
	b, err := NewBudget([]RateLimit{
		{ID: "global", Limit: 1, Interval: time.Hour},
		{ID: "balance", Limit: 100, Interval: time.Second, Linked: []LinkedLimit{{ID: "global", Weight: 1}}},
	}, nil)
	require.NoError(t, err)

	require.NoError(t, b.Wait(t.Context(), "balance"))

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, b.Wait(ctx, "balance"), "global pool is exhausted")
	assert.NoError(t, b.Wait(t.Context(), ""))
}

func TestBudgetValidation(t *testing.T) {
	_, err := NewBudget([]RateLimit{
		{ID: "a", Limit: 0, Interval: time.Second},
		{ID: "b", Limit: 5, Interval: time.Second, Weight: 10},
		{ID: "c", Limit: 5, Interval: time.Second, Linked: []LinkedLimit{{ID: "missing"}}},
	}, nil)
	require.ErrorIs(t, err, exception.ErrFatalConfig)

	var fatal *exception.FatalConfigError
	require.ErrorAs(t, err, &fatal)
	assert.Len(t, fatal.Problems, 3)

	b, err := NewBudget(nil, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, b.Wait(t.Context(), "nope"), exception.ErrInvalidArgument)
}

func TestBudgetSuspend(t *testing.T) {
	b, err := NewBudget(nil, nil)
	require.NoError(t, err)

	b.Suspend(30 * time.Millisecond)
	b.Suspend(time.Millisecond)
	start := time.Now()
	require.NoError(t, b.Wait(t.Context(), ""))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}
