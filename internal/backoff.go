package internal

import (
	"math/rand"
	"time"
)

const (
	defaultBackoffFactor = 2.0
	defaultBackoffJitter = 0.25
)

// Backoff produces the delays between reconnection attempts: each delay
// grows by Factor over the previous one, capped at Max, with a bounded
// random jitter applied so that a fleet of clients doesn't reconnect in
// lockstep.
type Backoff struct {
	// Initial is the first delay.
	Initial time.Duration

	// Max caps every returned delay.
	Max time.Duration

	// Factor is the growth multiplier between attempts; values below 1
	// are treated as 1.
	Factor float64

	// Jitter is the maximum relative deviation of a returned delay, in
	// [0, 1]. A delay d becomes a random value in [d*(1-Jitter), d*(1+Jitter)].
	Jitter float64

	current time.Duration
	rnd     *rand.Rand
}

// NewBackoff returns a Backoff with the default growth factor and jitter.
func NewBackoff(initial, max time.Duration) *Backoff {
	return &Backoff{
		Initial: initial,
		Max:     max,
		Factor:  defaultBackoffFactor,
		Jitter:  defaultBackoffJitter,

		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay to wait before the upcoming attempt, and
// advances the internal state so the following call returns a larger
// delay (up to Max).
func (b *Backoff) Next() time.Duration {
	d := b.current
	if d <= 0 {
		d = b.Initial
	}

	factor := b.Factor
	if factor < 1 {
		factor = 1
	}

	next := time.Duration(float64(d) * factor)
	if b.Max > 0 && next > b.Max {
		next = b.Max
	}
	b.current = next

	if b.Jitter > 0 {
		f := 1 + b.Jitter*(2*b.randFloat()-1)
		d = time.Duration(float64(d) * f)
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}

	return d
}

// Reset returns the backoff to its initial delay.
func (b *Backoff) Reset() {
	b.current = 0
}

func (b *Backoff) randFloat() float64 {
	if b.rnd == nil {
		return rand.Float64()
	}
	return b.rnd.Float64()
}
