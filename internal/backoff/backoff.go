// Package backoff provides retry delay strategies for the delivery executor.
// Strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Strategy computes the delay before retry attempt n (1-indexed, attempt 1 is
// the first retry after the initial failure).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant always returns the same delay.
type Constant struct {
	Interval time.Duration
}

func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Exponential doubles the delay each attempt, Initial * 2^(attempt-1) capped
// at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func NewExponential(initial, max time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: max}
}

func (e *Exponential) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// ExponentialWithJitter draws a random delay in [base/2, base] where base is
// the exponential delay. The jitter spreads out retries that failed at the
// same instant, eg when the relay was briefly down.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

func NewExponentialWithJitter(initial, max time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: max}
}

func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := (&Exponential{Initial: e.Initial, Max: e.Max}).Delay(attempt)
	half := base / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
