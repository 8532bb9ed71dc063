package outbox

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is the retry schedule shared by outbox attempts and feed
// reconnects: exponential backoff with jitter, capped at MaxDelay,
// terminal after MaxAttempts.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	MaxAttempts int
}

// NewBackOff builds an ExponentialBackOff following the policy. It never
// stops on its own; callers decide termination via MaxAttempts.
func (p Policy) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.RandomizationFactor = p.Jitter
	b.Multiplier = 2
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// DelayFor returns the delay to wait after the given attempt number
// (1-based). The schedule doubles per attempt around BaseDelay, jittered
// by ±Jitter, and never exceeds MaxDelay plus jitter.
func (p Policy) DelayFor(attempt int) time.Duration {
	b := p.NewBackOff()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
