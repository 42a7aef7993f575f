package classify

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Limiter enforces the provider's requests-per-minute and tokens-per-minute ceilings
// on individual calls. It complements the queue's batch pacing.
type Limiter struct {
	requests *rate.Limiter
	tokens   *rate.Limiter
}

// NewLimiter builds a limiter; a ceiling <= 0 disables that dimension.
func NewLimiter(rpm, tpm int) *Limiter {
	return &Limiter{
		requests: perMinute(rpm),
		tokens:   perMinute(tpm),
	}
}

func perMinute(n int) *rate.Limiter {
	if n <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(float64(n)/60.0), n)
}

// Wait blocks until one request carrying the given token estimate may proceed.
// Estimates above the per-minute ceiling are clamped so a single oversized call
// waits for a full bucket instead of failing.
func (l *Limiter) Wait(ctx context.Context, tokens int) error {
	if l == nil {
		return nil
	}
	if err := l.requests.Wait(ctx); err != nil {
		return fmt.Errorf("wait request slot: %w", err)
	}
	if tokens <= 0 || l.tokens.Limit() == rate.Inf {
		return nil
	}
	if err := l.tokens.WaitN(ctx, min(tokens, l.tokens.Burst())); err != nil {
		return fmt.Errorf("wait token budget: %w", err)
	}
	return nil
}
