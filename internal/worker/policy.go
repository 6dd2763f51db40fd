package worker

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy groups every delay and retry knob of the worker loop so tests can
// run it with short or zero delays.
type Policy struct {
	// PollInterval is the pause between loop iterations
	PollInterval time.Duration

	// BatchWindow is the minimum time between two batch fetches of one job
	BatchWindow time.Duration

	AdoptionBackoffMin time.Duration
	AdoptionBackoffMax time.Duration

	// MaxConsecutiveFailures makes Run return once that many iterations in a
	// row failed. Zero disables the limit.
	MaxConsecutiveFailures int

	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter func(min, max time.Duration) time.Duration
}

// DefaultPolicy returns the production loop policy
func DefaultPolicy() Policy {
	return Policy{
		PollInterval:           2 * time.Second,
		BatchWindow:            time.Second,
		AdoptionBackoffMin:     100 * time.Millisecond,
		AdoptionBackoffMax:     time.Second,
		MaxConsecutiveFailures: 10,
		Sleep:                  sleep,
		Jitter:                 jitter,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.PollInterval <= 0 {
		p.PollInterval = d.PollInterval
	}
	if p.BatchWindow <= 0 {
		p.BatchWindow = d.BatchWindow
	}
	if p.AdoptionBackoffMax < p.AdoptionBackoffMin {
		p.AdoptionBackoffMax = p.AdoptionBackoffMin
	}
	if p.Sleep == nil {
		p.Sleep = sleep
	}
	if p.Jitter == nil {
		p.Jitter = jitter
	}
	return p
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
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

// jitter returns a uniformly random duration in [min, max]
func jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + rand.N(max-min+1)
}
