package conduit

import "time"

// RetryBuilder provides a fluent way to construct RetryPolicy values
// for use with WithRetry and FlowBuilder.StepWithRetry.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry creates a RetryBuilder with the given maxAttempts, starting from
// the engine defaults for the delays.
//
// maxAttempts <= 0 is treated as 1 (no retries).
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	p := DefaultRetryPolicy()
	p.MaxAttempts = maxAttempts
	return RetryBuilder{policy: p}
}

// WithExponentialBackoff configures exponential backoff:
//
//   - base is the delay before the first retry.
//   - multiplier grows the delay each attempt (default 2.0 if <= 0).
//   - max caps the delay; if <= 0, there is no cap.
//
// Example:
//
//	Retry(3).WithExponentialBackoff(100*time.Millisecond, 2.0, 2*time.Second)
func (r RetryBuilder) WithExponentialBackoff(base time.Duration, multiplier float64, max time.Duration) RetryBuilder {
	p := r.policy
	p.BaseDelay = base
	if max < 0 {
		max = 0
	}
	p.MaxDelay = max
	if multiplier <= 0 {
		multiplier = 2.0
	}
	p.ExponentialBase = multiplier
	return RetryBuilder{policy: p}
}

// WithConstantBackoff waits delay between every pair of attempts.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	p := r.policy
	p.BaseDelay = delay
	p.MaxDelay = 0
	p.ExponentialBase = 1.0
	return RetryBuilder{policy: p}
}

// WithJitter randomises each delay by up to ±fraction. Values outside
// [0, 1) are clamped.
func (r RetryBuilder) WithJitter(fraction float64) RetryBuilder {
	p := r.policy
	switch {
	case fraction < 0:
		fraction = 0
	case fraction >= 1:
		fraction = 0.99
	}
	p.Jitter = fraction
	return RetryBuilder{policy: p}
}

// Immediate disables any sleep between retries.
// Retries will still respect MaxAttempts.
func (r RetryBuilder) Immediate() RetryBuilder {
	p := r.policy
	p.BaseDelay = 0
	p.MaxDelay = 0
	p.ExponentialBase = 1.0
	p.Jitter = 0
	return RetryBuilder{policy: p}
}

// Policy returns the underlying RetryPolicy.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}
