// Package backoff provides the pre-poll delay controller applied after the
// relay signals rate limiting.
package backoff

import (
	"context"
	"sync"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"

	"relay-transcript-monitor/internal/clock"
)

const (
	// DefaultFloor is the first delay applied after a rate-limit response.
	DefaultFloor = 2 * time.Second
	// DefaultCeiling caps the delay.
	DefaultCeiling = 30 * time.Second
)

// Controller tracks an exponentially growing delay that persists only across
// consecutive rate-limited cycles.
//
// Delay sequence from zero: floor, 2*floor, 4*floor, ... capped at ceiling.
// OnSuccess returns the delay to zero regardless of magnitude.
type Controller struct {
	mu      sync.Mutex
	clock   clock.Clock
	policy  *cbackoff.ExponentialBackOff
	current time.Duration
}

// New creates a controller with the default 2s floor and 30s ceiling.
func New(c clock.Clock) *Controller {
	return NewWithLimits(c, DefaultFloor, DefaultCeiling)
}

// NewWithLimits creates a controller with custom floor and ceiling.
func NewWithLimits(c clock.Clock, floor, ceiling time.Duration) *Controller {
	if c == nil {
		c = clock.Real()
	}
	if floor <= 0 {
		floor = DefaultFloor
	}
	if ceiling < floor {
		ceiling = floor
	}

	p := cbackoff.NewExponentialBackOff()
	p.InitialInterval = floor
	p.RandomizationFactor = 0
	p.Multiplier = 2
	p.MaxInterval = ceiling
	p.MaxElapsedTime = 0
	p.Reset()

	return &Controller{clock: c, policy: p}
}

// Delay returns the delay the next Wait will apply.
func (c *Controller) Delay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Wait suspends for the current delay. It returns ctx.Err() if the context
// is cancelled first.
func (c *Controller) Wait(ctx context.Context) error {
	d := c.Delay()
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clock.After(d):
		return nil
	}
}

// OnRateLimited escalates the delay and returns the new value.
func (c *Controller) OnRateLimited() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.policy.NextBackOff()
	return c.current
}

// OnSuccess resets the delay to zero. Returns true if a non-zero delay was cleared.
func (c *Controller) OnSuccess() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cleared := c.current > 0
	c.current = 0
	c.policy.Reset()
	return cleared
}
