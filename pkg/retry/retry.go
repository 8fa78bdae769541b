// Package retry is the single bounded-retry combinator used by the lifecycle
// write loop, the ingestion pipeline and queue redelivery backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is used when a caller passes a zero Policy.
var DefaultPolicy = Policy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 200 * time.Millisecond}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

func (p Policy) exponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Do runs op until it succeeds, returns an error retryable rejects, the
// attempt budget is spent, or ctx is done. op receives the 1-based attempt
// number. The last error from op is returned unchanged.
func Do(ctx context.Context, p Policy, retryable func(error) bool, op func(attempt int) error) error {
	p = p.normalized()

	attempt := 0
	b := backoff.WithContext(backoff.WithMaxRetries(p.exponential(), uint64(p.MaxAttempts-1)), ctx)

	var last error
	err := backoff.Retry(func() error {
		attempt++
		last = op(attempt)
		if last == nil {
			return nil
		}
		if retryable != nil && !retryable(last) {
			return backoff.Permanent(last)
		}
		return last
	}, b)
	if err != nil && last != nil {
		return last
	}
	return err
}

// Delay returns the jittered exponential delay before the given 1-based attempt.
func Delay(attempt int, base, max time.Duration) time.Duration {
	p := Policy{MaxAttempts: 1, BaseDelay: base, MaxDelay: max}.normalized()
	b := p.exponential()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
