package embedder

import (
	"context"
	"time"
)

// backoffPolicy bounds how hard a failed provider call is reattempted.
// Delays grow geometrically from First up to Cap.
type backoffPolicy struct {
	Attempts int
	First    time.Duration
	Cap      time.Duration
	Growth   float64
}

func providerBackoff() backoffPolicy {
	return backoffPolicy{
		Attempts: MaxRetries,
		First:    time.Duration(InitialBackoffMs) * time.Millisecond,
		Cap:      time.Duration(MaxBackoffMs) * time.Millisecond,
		Growth:   BackoffMultiplier,
	}
}

// withRetries calls fn until it succeeds or the attempt budget runs out,
// sleeping between attempts per the policy. Context cancellation wins over
// the provider error, whether it arrives during fn or during a sleep.
func withRetries[T any](ctx context.Context, pol backoffPolicy, fn func() (T, error)) (T, error) {
	var zero T
	delay := pol.First
	for attempt := 1; ; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if attempt >= pol.Attempts {
			return zero, err
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
		if delay = time.Duration(float64(delay) * pol.Growth); delay > pol.Cap {
			delay = pol.Cap
		}
	}
}
