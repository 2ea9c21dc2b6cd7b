// Package retry holds the per-request retry state machine.
//
// A Policy is owned by a single request and mutated by the network worker
// that processes it: every retryable failure bumps the attempt counter and
// stretches the timeout by the backoff multiplier until attempts run out.
package retry

import "time"

const (
	// DefaultTimeout is the initial per-attempt timeout
	DefaultTimeout = 2500 * time.Millisecond

	// DefaultMaxRetries is the default number of retries after the first attempt
	DefaultMaxRetries = 0

	// DefaultBackoffMultiplier is the default backoff multiplier
	DefaultBackoffMultiplier = 1.0
)

// Policy decides whether a failed attempt should be retried.
// Implementations are not safe for concurrent use; a policy belongs to
// exactly one request.
type Policy interface {
	// CurrentTimeout returns the timeout to use for the next attempt
	CurrentTimeout() time.Duration

	// CurrentRetryCount returns the number of retries performed so far
	CurrentRetryCount() int

	// Retry records a failed attempt. It returns nil if another attempt
	// may be made, or err itself once attempts are exhausted.
	Retry(err error) error
}

// DefaultPolicy implements Policy with exponential timeout backoff
type DefaultPolicy struct {
	currentTimeout    time.Duration
	currentRetryCount int
	maxRetries        int
	backoffMultiplier float64
}

// NewDefaultPolicy creates a policy with the default timeout, zero retries
// and a multiplier of 1
func NewDefaultPolicy() *DefaultPolicy {
	return NewPolicy(DefaultTimeout, DefaultMaxRetries, DefaultBackoffMultiplier)
}

// NewPolicy creates a policy with the given initial timeout, maximum number
// of retries and backoff multiplier
func NewPolicy(initialTimeout time.Duration, maxRetries int, backoffMultiplier float64) *DefaultPolicy {
	return &DefaultPolicy{
		currentTimeout:    initialTimeout,
		maxRetries:        maxRetries,
		backoffMultiplier: backoffMultiplier,
	}
}

// CurrentTimeout returns the timeout to use for the next attempt
func (p *DefaultPolicy) CurrentTimeout() time.Duration {
	return p.currentTimeout
}

// CurrentRetryCount returns the number of retries performed so far
func (p *DefaultPolicy) CurrentRetryCount() int {
	return p.currentRetryCount
}

// MaxRetries returns the configured maximum number of retries
func (p *DefaultPolicy) MaxRetries() int {
	return p.maxRetries
}

// BackoffMultiplier returns the configured backoff multiplier
func (p *DefaultPolicy) BackoffMultiplier() float64 {
	return p.backoffMultiplier
}

// Retry prepares for the next attempt by applying backoff to the timeout.
// The timeout grows even on the final, rejected attempt so that callers
// inspecting the policy afterwards see the full backoff progression.
func (p *DefaultPolicy) Retry(err error) error {
	p.currentRetryCount++
	p.currentTimeout += time.Duration(float64(p.currentTimeout) * p.backoffMultiplier)
	if !p.hasAttemptRemaining() {
		return err
	}
	return nil
}

func (p *DefaultPolicy) hasAttemptRemaining() bool {
	return p.currentRetryCount <= p.maxRetries
}
