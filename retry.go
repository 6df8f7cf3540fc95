package steward

import "time"

// RetryBuilder provides a fluent way to construct the retry policy of a
// workflow for use with FlowBuilder.Retry.
type RetryBuilder struct {
	maxRetries int
	backoff    BackoffPolicy
}

// Retry creates a RetryBuilder allowing maxRetries retries across the whole
// execution.
//
// maxRetries <= 0 disables retries: the first retryable failure fails the
// execution.
func Retry(maxRetries int) RetryBuilder {
	if maxRetries <= 0 {
		maxRetries = -1
	}
	return RetryBuilder{maxRetries: maxRetries}
}

// WithBackoff configures exponential backoff:
//
//   - initial is the delay before the first retry.
//   - max caps the delay.
//
// The delay doubles per retry and full jitter is applied on top. Zero
// values fall back to the engine defaults.
//
// Example:
//
//	Retry(5).WithBackoff(10*time.Second, 10*time.Minute)
func (r RetryBuilder) WithBackoff(initial, max time.Duration) RetryBuilder {
	r.backoff = BackoffPolicy{Initial: initial, Max: max}
	return r
}

// WithConstantBackoff waits roughly delay before every retry.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	r.backoff = BackoffPolicy{Initial: delay, Max: delay}
	return r
}

// MaxRetries returns the value stored in WorkflowDefinition.MaxRetries.
func (r RetryBuilder) MaxRetries() int {
	return r.maxRetries
}

// Backoff returns the configured BackoffPolicy.
func (r RetryBuilder) Backoff() BackoffPolicy {
	return r.backoff
}
