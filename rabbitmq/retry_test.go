package rabbitmq

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyNormalizeDefaults(t *testing.T) {
	policy := RetryPolicy{}.normalize()

	assert.Equal(t, defaultRetryMaxAttempts, policy.MaxAttempts)
	assert.Equal(t, defaultRetryBackoffBase, policy.BackoffBase)
	assert.Equal(t, defaultDelayTiers(), policy.DelayTiers)
}

func TestRetryPolicyShouldRetry(t *testing.T) {
	permanent := errors.New("schema mismatch")

	policy := RetryPolicy{
		MaxAttempts:  3,
		NonRetryable: func(err error) bool { return errors.Is(err, permanent) },
	}.normalize()

	assert.False(t, policy.ShouldRetry(1, nil))
	assert.False(t, policy.ShouldRetry(1, permanent))
	assert.True(t, policy.ShouldRetry(1, errors.New("transient")))
	assert.True(t, policy.ShouldRetry(2, errors.New("transient")))
	assert.False(t, policy.ShouldRetry(3, errors.New("transient")))
}

func TestRetryPolicyDelayCurve(t *testing.T) {
	policy := DefaultRetryPolicy()

	// Exponential region: 2s, 4s, 8s for the first three failed attempts.
	assert.Equal(t, 2*time.Second, policy.Delay(1))
	assert.Equal(t, 4*time.Second, policy.Delay(2))
	assert.Equal(t, 8*time.Second, policy.Delay(3))

	// Delayed tiers afterwards.
	assert.Equal(t, 5*time.Minute, policy.Delay(4))
	assert.Equal(t, 15*time.Minute, policy.Delay(5))
	assert.Equal(t, 30*time.Minute, policy.Delay(6))
	assert.Equal(t, time.Hour, policy.Delay(7))

	// The last tier repeats beyond the configured tiers.
	assert.Equal(t, time.Hour, policy.Delay(12))
}

func TestRetryPolicyDelayClampsLowAttempts(t *testing.T) {
	policy := DefaultRetryPolicy()

	assert.Equal(t, policy.Delay(1), policy.Delay(0))
	assert.Equal(t, policy.Delay(1), policy.Delay(-3))
}

func TestRetryPolicyExponentialCeiling(t *testing.T) {
	policy := RetryPolicy{
		BackoffBase:         30 * time.Second,
		ExponentialAttempts: 5,
	}.normalize()

	assert.LessOrEqual(t, policy.Delay(5), defaultRetryExponentialCeiling)
}
