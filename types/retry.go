package types

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Defaults applied to zero RetryPolicy fields.
const (
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 30 * time.Second
	DefaultMultiplier      = 2.0
)

// NewBackOff returns an exponential backoff following p. MaxAttempts counts
// the first attempt, so at most MaxAttempts-1 retries are allowed. The
// returned backoff has no jitter.
func (p RetryPolicy) NewBackOff(clk backoff.Clock) backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               clk,
	}
	if b.InitialInterval <= 0 {
		b.InitialInterval = DefaultInitialInterval
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = DefaultMaxInterval
	}
	if b.Multiplier < 1 {
		b.Multiplier = DefaultMultiplier
	}
	if b.Clock == nil {
		b.Clock = backoff.SystemClock
	}
	b.Reset()

	if p.MaxAttempts <= 0 {
		return b
	}
	return backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
}

// Delay returns the wait before retry number attempt (1-based), or false when
// the policy allows no further attempt.
func (p RetryPolicy) Delay(attempt int) (time.Duration, bool) {
	b := p.NewBackOff(nil)
	d := backoff.Stop
	for i := 0; i < attempt; i++ {
		if d = b.NextBackOff(); d == backoff.Stop {
			return 0, false
		}
	}
	return d, attempt > 0
}
