package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateGateBurst(t *testing.T) {
	g := newRateGate(60, 3)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// The full burst goes through without waiting.
	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, g.acquire(ctx))
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRateGateRefill(t *testing.T) {
	// 600 per minute refills a burst-1 gate every 100ms.
	g := newRateGate(600, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, g.acquire(ctx))

	start := time.Now()
	require.NoError(t, g.acquire(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestRateGateDeadline(t *testing.T) {
	// 6 per minute refills every 10s; a 50ms deadline can't be met, and
	// the gate reports that as rate limiting rather than waiting it out.
	g := newRateGate(6, 1)

	require.NoError(t, g.acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := g.acquire(ctx)
	assert.Equal(t, ErrRateLimited, errors.Cause(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRateGateCanceled(t *testing.T) {
	g := newRateGate(6, 1)

	require.NoError(t, g.acquire(context.Background()))

	// Cancellation by the caller is not a rate-limit error.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := g.acquire(ctx)
	assert.Equal(t, context.Canceled, errors.Cause(err))
}
