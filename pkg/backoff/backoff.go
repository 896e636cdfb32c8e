// Package backoff provides a reusable geometric backoff policy.
//
// Retry profiles across the wallet layer are expressed as Policy values rather
// than per-call-site loops, so the polling cadence of each finality profile is
// data, not duplicated code.
package backoff

import (
	"context"
	"time"
)

// Policy describes a bounded geometric backoff schedule.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration
	// Max caps the delay between attempts. 0 means uncapped.
	Max time.Duration
	// Factor is the per-attempt growth multiplier. Values <= 1 yield a
	// constant delay.
	Factor float64
	// MaxAttempts bounds the number of attempts. 0 means a single attempt.
	MaxAttempts int
}

// Delay returns the wait before attempt n (0-based; the first attempt has no
// preceding delay).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := float64(p.Initial)
	if p.Factor > 1 {
		for i := 1; i < attempt; i++ {
			d *= p.Factor
			if p.Max > 0 && d >= float64(p.Max) {
				return p.Max
			}
		}
	}
	if p.Max > 0 && d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

// MaxElapsed returns an upper bound on the total wall-clock time the policy
// can spend sleeping across its full attempt budget.
func (p Policy) MaxElapsed() time.Duration {
	var total time.Duration
	for i := 1; i < p.MaxAttempts; i++ {
		total += p.Delay(i)
	}
	return total
}

// Wait sleeps for the delay preceding attempt n, returning early with the
// context error if the context is cancelled.
func (p Policy) Wait(ctx context.Context, attempt int) error {
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
