package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedRNG(v float64) func() float64 {
	return func() float64 { return v }
}

func TestPolicy_DelayDoublesPerAttempt(t *testing.T) {
	p := NewPolicy(time.Second, time.Minute, 5, 0.2)
	p.rng = fixedRNG(0.5) // factor of exactly 1.0

	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 8*time.Second, p.Delay(4))
}

func TestPolicy_DelayCapsAtMax(t *testing.T) {
	p := NewPolicy(time.Second, 5*time.Second, 5, 0.2)
	p.rng = fixedRNG(0.5)

	assert.Equal(t, 5*time.Second, p.Delay(4))
	assert.Equal(t, 5*time.Second, p.Delay(10))
}

func TestPolicy_JitterStaysInBand(t *testing.T) {
	p := NewPolicy(10*time.Second, time.Minute, 3, 0.2)

	p.rng = fixedRNG(0)
	assert.Equal(t, 8*time.Second, p.Delay(1))

	p.rng = fixedRNG(1)
	assert.Equal(t, 12*time.Second, p.Delay(1))
}

func TestPolicy_MaxAttemptsCapped(t *testing.T) {
	p := NewPolicy(time.Second, time.Minute, 10, 0.2)
	assert.Equal(t, MaxAttemptsCap, p.MaxAttempts)

	p = NewPolicy(time.Second, time.Minute, 0, 0.2)
	assert.Equal(t, DefaultMaxAttempts, p.MaxAttempts)
}

func TestPolicy_Exhausted(t *testing.T) {
	p := NewPolicy(time.Second, time.Minute, 3, 0.2)

	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))
}

func TestParseRetryAfter_Seconds(t *testing.T) {
	d, err := ParseRetryAfter("30")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)
}

func TestParseRetryAfter_HTTPDate(t *testing.T) {
	future := time.Now().Add(45 * time.Second).UTC().Format(time.RFC1123)
	d, err := ParseRetryAfter(future)
	require.NoError(t, err)
	assert.InDelta(t, (45 * time.Second).Seconds(), d.Seconds(), 2)
}

func TestParseRetryAfter_Invalid(t *testing.T) {
	_, err := ParseRetryAfter("soon")
	require.Error(t, err)
}

func TestJitter_Bounds(t *testing.T) {
	assert.Equal(t, time.Duration(0), Jitter(time.Minute, 0, nil))
	assert.Equal(t, time.Duration(0), Jitter(time.Minute, 0.2, fixedRNG(0)))
	assert.Equal(t, 12*time.Second, Jitter(time.Minute, 0.2, fixedRNG(1)))
}
