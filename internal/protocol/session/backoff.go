package session

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Delay returns the wait before retry attempt n (1-based). Jitter scales
// the delay into [d/2, d) and the result never exceeds MaxDelay.
func (b BackoffConfig) Delay(n int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	mult := math.Max(b.Multiplier, 1)
	d := float64(b.InitialDelay) * math.Pow(mult, float64(max(n-1, 0)))
	if b.MaxDelay > 0 {
		d = math.Min(d, float64(b.MaxDelay))
	}
	if b.Jitter && rng != nil {
		d = d/2 + rng.Float64()*d/2
	}
	return time.Duration(d)
}

// SleepContext waits d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
