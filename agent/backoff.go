package agent

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// reconnectPolicy yields reconnect delays: doubling from min up to max, never
// giving up. Jitter is disabled so consecutive delays never decrease.
type reconnectPolicy struct {
	b   *backoff.ExponentialBackOff
	max time.Duration
}

func newReconnectPolicy(minDelay, maxDelay time.Duration) *reconnectPolicy {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = minDelay
	b.MaxInterval = maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	return &reconnectPolicy{b: b, max: maxDelay}
}

func (p *reconnectPolicy) Next() time.Duration {
	d := p.b.NextBackOff()
	if d == backoff.Stop || d > p.max {
		return p.max
	}
	return d
}

// Reset puts the next delay back to the minimum.
func (p *reconnectPolicy) Reset() {
	p.b.Reset()
}
