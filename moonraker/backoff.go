package moonraker

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// DefaultJitter is the maximum fraction of the delay added as random jitter.
const DefaultJitter = 0.1

// Backoff produces the reconnect delay sequence: base, doubling on each
// consecutive failure, capped at max.  Jitter only ever adds to the delay
// and the result never exceeds max, so the sequence is non-decreasing.
type Backoff struct {
	mu     sync.Mutex
	eb     *backoff.ExponentialBackOff
	max    time.Duration
	jitter float64
}

// NewBackoff returns the backoff with the given base and cap.  jitter is the
// fraction of the delay that may be added at random, 0 disables it.
func NewBackoff(base, max time.Duration, jitter float64) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if jitter < 0 || 1 <= jitter {
		jitter = DefaultJitter
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.MaxInterval = max
	eb.Multiplier = 2
	eb.RandomizationFactor = 0 // jitter is applied by Next, upwards only.
	eb.MaxElapsedTime = 0      // never give up.
	eb.Reset()
	return &Backoff{eb: eb, max: max, jitter: jitter}
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.eb.NextBackOff()
	if d == backoff.Stop || d > b.max {
		d = b.max
	}
	if b.jitter > 0 {
		if n := int64(float64(d) * b.jitter); n > 0 {
			d += time.Duration(rand.Int64N(n))
		}
	}
	return min(d, b.max)
}

// Reset restarts the sequence from base.  Called after a successful
// connection.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.eb.Reset()
	b.mu.Unlock()
}
