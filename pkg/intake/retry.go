package intake

import (
	"time"
)

// DecisionKind is the outcome of a retry policy consultation.
type DecisionKind int

const (
	// GiveUp stops retrying and moves the job to FAILED.
	GiveUp DecisionKind = iota
	// RetryNow re-executes the stage immediately.
	RetryNow
	// RetryAfter re-executes the stage after Decision.Delay.
	RetryAfter
)

// Decision is the retry policy's answer for one failure.
type Decision struct {
	Kind  DecisionKind
	Delay time.Duration
}

// RetryPolicy decides what to do after a stage failure. Implementations must
// be pure: the same inputs always yield the same decision, so the policy is
// testable without a real external call.
type RetryPolicy interface {
	Decide(stage Stage, attempt int, err error) Decision
}

// BackoffPolicy is the default retry policy: transient failures back off
// exponentially up to a delay cap and an attempt ceiling, throttled failures
// use a longer base delay, and permanent failures give up immediately.
type BackoffPolicy struct {
	// MaxAttempts is the ceiling on attempts per stage before giving up.
	MaxAttempts int

	// BaseDelay is the first retry delay for transient failures. A zero
	// BaseDelay retries immediately.
	BaseDelay time.Duration

	// ThrottledBaseDelay is the first retry delay after rate limiting.
	ThrottledBaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
}

// DefaultBackoffPolicy mirrors the production defaults: up to 5 attempts,
// delay doubling from 2s, capped at 1m, rate limits starting from 10s.
func DefaultBackoffPolicy() *BackoffPolicy {
	return &BackoffPolicy{
		MaxAttempts:        5,
		BaseDelay:          2 * time.Second,
		ThrottledBaseDelay: 10 * time.Second,
		MaxDelay:           time.Minute,
	}
}

// Decide implements RetryPolicy. attempt is the number of attempts already
// made for the current stage, including the one that just failed.
func (p *BackoffPolicy) Decide(_ Stage, attempt int, err error) Decision {
	if !IsRetryable(err) {
		return Decision{Kind: GiveUp}
	}

	if attempt >= p.MaxAttempts {
		return Decision{Kind: GiveUp}
	}

	base := p.BaseDelay
	if IsThrottled(err) {
		base = p.ThrottledBaseDelay
	}
	if base <= 0 {
		return Decision{Kind: RetryNow}
	}

	// Exponential backoff: base * 2^(attempt-1), capped at MaxDelay.
	delay := base
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

	return Decision{Kind: RetryAfter, Delay: delay}
}
