package router

import (
	"math"
	"time"
)

// RetryPolicy controls how transient dispatch failures are retried with
// exponential backoff. MaxRetries counts retries, not attempts: a policy
// with MaxRetries 2 allows three attempts in total.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy returns the policy used when configuration does not
// override it: 2 retries, 500ms initial backoff, 2x multiplier, 10s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     2,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
	}
}

// Backoff returns the delay before the given retry (1-indexed), growing
// geometrically and capped at MaxBackoff.
func (p RetryPolicy) Backoff(retry int) time.Duration {
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	delay := float64(p.InitialBackoff) * math.Pow(multiplier, float64(retry-1))
	if delay > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(delay)
}
