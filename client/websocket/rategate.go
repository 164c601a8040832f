package websocket

import (
	"context"

	"github.com/juju/errors"
	"golang.org/x/time/rate"
)

// rateGate is the token bucket in front of the transport: every
// caller-initiated send acquires a slot before touching the wire.
// Engine-internal traffic (pongs, handshake frames, keep-alives,
// subscription re-arms) bypasses the gate, so a caller burst can't
// starve the session's own liveness.
type rateGate struct {
	lim *rate.Limiter
}

// newRateGate creates a gate which refills at perMinute slots per minute
// and allows bursts of up to burst slots.
func newRateGate(perMinute, burst int) *rateGate {
	return &rateGate{
		lim: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst),
	}
}

// acquire blocks until a slot is granted. If ctx expires while waiting,
// or its deadline provably can't be met, acquire fails with
// ErrRateLimited; plain cancellation is passed through as
// context.Canceled.
func (g *rateGate) acquire(ctx context.Context) error {
	err := g.lim.Wait(ctx)
	if err == nil {
		return nil
	}

	if ctx.Err() == context.Canceled {
		return errors.Trace(ctx.Err())
	}

	return errors.Annotatef(ErrRateLimited, "%s", err)
}
