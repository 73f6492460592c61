package queue

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// OverflowPolicy decides what Enqueue does when the queue is full.
type OverflowPolicy uint8

const (
	// OverflowBlock makes Enqueue wait for a free slot.
	OverflowBlock OverflowPolicy = iota
	// OverflowFailFast makes Enqueue return ErrSaturated immediately.
	OverflowFailFast
)

// String returns the configuration name of the policy.
func (p OverflowPolicy) String() string {
	switch p {
	case OverflowBlock:
		return "block"
	case OverflowFailFast:
		return "fail-fast"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// ParseOverflowPolicy parses "block" or "fail-fast". The empty string is
// OverflowBlock.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "block":
		return OverflowBlock, nil
	case "fail-fast", "failfast":
		return OverflowFailFast, nil
	default:
		return 0, fmt.Errorf("unknown overflow policy %q", s)
	}
}

// RetryPolicy bounds redelivery of transient failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of Send calls per message, including
	// the first. Values below 1 are treated as 1.
	MaxAttempts int

	InitialInterval time.Duration
	MaxInterval     time.Duration

	// MaxElapsed caps the time from the first failure to the last retry.
	// Zero means no cap.
	MaxElapsed time.Duration
}

// DefaultRetryPolicy returns 5 attempts with 500ms to 30s jittered
// exponential backoff, giving up after 2 minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxElapsed:      2 * time.Minute,
	}
}

// newBackOff builds the per-message schedule. It is created at the first
// transient failure, so MaxElapsed counts from there.
func (p RetryPolicy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = p.MaxElapsed
	b.Reset()

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(b, uint64(retries))
}
