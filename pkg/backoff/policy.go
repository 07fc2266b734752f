// Package backoff computes retry delays shared by the executor and the
// scheduler.
package backoff

import (
	"fmt"
	"math/rand"
	"strconv"
	"time"
)

const (
	// DefaultBaseDelay is the first retry delay for upstream failures
	DefaultBaseDelay = 5 * time.Second

	// DefaultMaxDelay caps the exponential growth
	DefaultMaxDelay = 5 * time.Minute

	// DefaultMaxAttempts is the default terminal-failure attempt count
	DefaultMaxAttempts = 3

	// MaxAttemptsCap is the hard upper bound on configured max attempts
	MaxAttemptsCap = 5

	// DefaultJitterFraction spreads delays by +/-20%
	DefaultJitterFraction = 0.2
)

// Policy computes exponential backoff with jitter.
type Policy struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	JitterFraction float64

	// rng is swappable for deterministic tests
	rng func() float64
}

// NewPolicy returns a policy with defaults applied and bounds enforced.
func NewPolicy(base, max time.Duration, maxAttempts int, jitter float64) *Policy {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if maxAttempts > MaxAttemptsCap {
		maxAttempts = MaxAttemptsCap
	}
	if jitter < 0 || jitter >= 1 {
		jitter = DefaultJitterFraction
	}

	return &Policy{
		BaseDelay:      base,
		MaxDelay:       max,
		MaxAttempts:    maxAttempts,
		JitterFraction: jitter,
		rng:            rand.Float64,
	}
}

// Delay returns the backoff delay before the given attempt (1-based).
// Delays double each attempt, capped at MaxDelay, spread by the jitter band.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.JitterFraction > 0 {
		// Uniform in [1-j, 1+j]
		factor := 1 + p.JitterFraction*(2*p.rng()-1)
		delay = time.Duration(float64(delay) * factor)
	}

	return delay
}

// Exhausted reports whether attempt has consumed the retry budget.
func (p *Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// ParseRetryAfter parses a Retry-After header value, either delta-seconds
// or an HTTP date.
func ParseRetryAfter(value string) (time.Duration, error) {
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}

	if t, err := time.Parse(time.RFC1123, value); err == nil {
		return time.Until(t), nil
	}

	return 0, fmt.Errorf("invalid Retry-After value: %s", value)
}

// Jitter returns a uniformly random duration in [0, fraction*d]. The
// scheduler uses it to de-synchronize poll intervals across connections.
func Jitter(d time.Duration, fraction float64, rng func() float64) time.Duration {
	if fraction <= 0 || d <= 0 {
		return 0
	}
	if rng == nil {
		rng = rand.Float64
	}
	return time.Duration(float64(d) * fraction * rng())
}
