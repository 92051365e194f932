// Package retry provides the backoff policy shared by lock acquisition and job
// rescheduling.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	"claimwatch/internal/errs"
)

// Policy is an exponential backoff schedule. Attempt numbers start at 1.
type Policy struct {
	Base        time.Duration `yaml:"base" json:"base"`
	Multiplier  float64       `yaml:"multiplier" json:"multiplier"`
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	// Jitter is the randomization factor in [0,1). Zero keeps delays deterministic.
	Jitter float64       `yaml:"jitter" json:"jitter"`
	Max    time.Duration `yaml:"max" json:"max"`
}

// Default matches the lock contention schedule: 200ms doubling, five attempts.
func Default() Policy {
	return Policy{
		Base:        200 * time.Millisecond,
		Multiplier:  2,
		MaxAttempts: 5,
		Jitter:      0.1,
		Max:         5 * time.Second,
	}
}

func (p Policy) normalized() Policy {
	if p.Base <= 0 {
		p.Base = 200 * time.Millisecond
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter >= 1 {
		p.Jitter = 0.99
	}
	return p
}

// Delay returns the wait before retry number attempt.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}
	if p.Jitter > 0 {
		delta := p.Jitter * d
		d = d - delta + rand.Float64()*2*delta
	}
	return time.Duration(d)
}

// NewBackOff builds a cenkalti backoff limited to MaxAttempts-1 retries, so
// the operation runs at most MaxAttempts times.
func (p Policy) NewBackOff(ctx context.Context) backoff.BackOff {
	p = p.normalized()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.Base
	bo.Multiplier = p.Multiplier
	bo.RandomizationFactor = p.Jitter
	bo.MaxElapsedTime = 0
	if p.Max > 0 {
		bo.MaxInterval = p.Max
	}
	bo.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.MaxAttempts-1)), ctx)
}

// Do runs op under the policy. Errors wrapped with backoff.Permanent stop early.
func (p Policy) Do(ctx context.Context, op func() error) error {
	return backoff.Retry(op, p.NewBackOff(ctx))
}

// DoTransient is Do limited to errors errs.Transient reports as retryable.
func (p Policy) DoTransient(ctx context.Context, op func() error) error {
	return p.Do(ctx, func() error {
		err := op()
		if err != nil && !errs.Transient(err) {
			return backoff.Permanent(err)
		}
		return err
	})
}
