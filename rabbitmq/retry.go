package rabbitmq

import (
	"time"

	"github.com/novair/lib-eventflow/backoff"
)

const (
	defaultRetryMaxAttempts        = 7
	defaultRetryBackoffBase        = 2 * time.Second
	defaultRetryExponentialBudget  = 3
	defaultRetryExponentialCeiling = time.Minute
)

func defaultDelayTiers() []time.Duration {
	return []time.Duration{
		5 * time.Minute,
		15 * time.Minute,
		30 * time.Minute,
		time.Hour,
	}
}

// RetryPolicy makes redelivery behavior explicit and inspectable without a
// broker: bounded attempts, an exponential region for quick retries, then
// fixed delayed tiers for failures that need real time to clear.
type RetryPolicy struct {
	// MaxAttempts is the total delivery budget, first attempt included.
	MaxAttempts int

	// BackoffBase seeds the exponential region.
	BackoffBase time.Duration

	// ExponentialAttempts is how many retries use exponential backoff
	// before the policy switches to DelayTiers.
	ExponentialAttempts int

	// DelayTiers are the fixed delays applied after the exponential
	// region, in order; the last tier repeats for any further attempts.
	DelayTiers []time.Duration

	// NonRetryable short-circuits redelivery entirely. A nil predicate
	// means every failure is retryable up to MaxAttempts.
	NonRetryable func(error) bool
}

// DefaultRetryPolicy returns the stock policy: 7 attempts, 3 exponential
// retries from a 2s base, then 5m/15m/30m/1h tiers.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         defaultRetryMaxAttempts,
		BackoffBase:         defaultRetryBackoffBase,
		ExponentialAttempts: defaultRetryExponentialBudget,
		DelayTiers:          defaultDelayTiers(),
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultRetryMaxAttempts
	}

	if p.BackoffBase <= 0 {
		p.BackoffBase = defaultRetryBackoffBase
	}

	if p.ExponentialAttempts < 0 {
		p.ExponentialAttempts = defaultRetryExponentialBudget
	}

	if len(p.DelayTiers) == 0 {
		p.DelayTiers = defaultDelayTiers()
	}

	return p
}

// ShouldRetry reports whether the delivery that just failed attempt
// (1-based) may be redelivered under this policy.
func (p RetryPolicy) ShouldRetry(attempt int, err error) bool {
	if err == nil {
		return false
	}

	if p.NonRetryable != nil && p.NonRetryable(err) {
		return false
	}

	return attempt < p.MaxAttempts
}

// Delay returns the wait before redelivering after the given failed attempt
// (1-based). Attempts within the exponential region back off from
// BackoffBase; later attempts walk the delay tiers.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	if attempt <= p.ExponentialAttempts {
		delay := backoff.Exponential(p.BackoffBase, attempt-1)
		if delay > defaultRetryExponentialCeiling {
			delay = defaultRetryExponentialCeiling
		}

		return delay
	}

	if len(p.DelayTiers) == 0 {
		return defaultRetryExponentialCeiling
	}

	tier := attempt - p.ExponentialAttempts - 1
	if tier >= len(p.DelayTiers) {
		tier = len(p.DelayTiers) - 1
	}

	return p.DelayTiers[tier]
}
