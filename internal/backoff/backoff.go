// Package backoff paces reconnection attempts. The peer-sync layer uses it
// to redial dropped cluster connections without hammering a dead host.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy shapes an exponential delay curve.
type Policy struct {
	// Initial is the delay after the first failed attempt.
	Initial time.Duration

	// Max caps the delay regardless of attempt count.
	Max time.Duration

	// Factor multiplies the delay per attempt.
	Factor float64

	// Jitter is the fraction of the base delay added at random, 0 to 1.
	Jitter float64
}

// Default returns the redial policy: 100ms doubling up to 30s with 10%
// jitter.
func Default() Policy {
	return Policy{
		Initial: 100 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Delay returns the wait before retrying after the given attempt. Attempts
// count from 1.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64())
}

// delay computes the curve with a supplied random value so tests are
// deterministic.
func (p Policy) delay(attempt int, random float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.Initial) * math.Pow(p.Factor, float64(attempt-1))
	total := base + base*p.Jitter*random
	if max := float64(p.Max); total > max {
		total = max
	}
	return time.Duration(total)
}

// Sleep waits out the delay for attempt, returning early with ctx.Err()
// on cancellation.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	d := p.Delay(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
