package fetch

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMinInterval keeps aggregate traffic at or below ten requests per
// second, which is the registry's published fair-access ceiling.
const DefaultMinInterval = 100 * time.Millisecond

// Gate is the shared throttle every registry request passes through. A single
// Gate must be handed to all clients and workers that talk to the same host so
// the interval holds in aggregate rather than per caller.
type Gate struct {
	limiter  *rate.Limiter
	interval time.Duration
}

// NewGate returns a gate admitting one request per minInterval. Non-positive
// values fall back to DefaultMinInterval.
func NewGate(minInterval time.Duration) *Gate {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	return &Gate{
		limiter:  rate.NewLimiter(rate.Every(minInterval), 1),
		interval: minInterval,
	}
}

// Wait blocks until the next request slot or until ctx is done.
// A nil gate never blocks.
func (g *Gate) Wait(ctx context.Context) error {
	if g == nil {
		return nil
	}
	return g.limiter.Wait(ctx)
}

// Interval reports the enforced spacing between requests.
func (g *Gate) Interval() time.Duration {
	if g == nil {
		return 0
	}
	return g.interval
}
