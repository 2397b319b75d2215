package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a step failure for the retry policy.
type ErrorKind string

const (
	// KindTransient failures (timeouts, 5xx, rate limiting) may be retried.
	KindTransient ErrorKind = "TRANSIENT"
	// KindPermanent failures (auth, malformed input, 4xx rejections) are
	// never retried.
	KindPermanent ErrorKind = "PERMANENT"
)

var (
	// ErrDuplicateInFlight is returned in fail-fast mode when another
	// instance holds the claim for the same idempotency key.
	ErrDuplicateInFlight = errors.New("duplicate in flight")

	// ErrRateLimitExceeded is the failure recorded when a step waited
	// longer than the configured ceiling for rate-limit tokens.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrStepTimeout is the failure recorded when an attempt outlives the
	// step timeout.
	ErrStepTimeout = errors.New("step timed out")

	// ErrCircuitOpen is the failure recorded when the integration's
	// circuit breaker rejects an attempt.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrRecordNotFound is returned by IdempotencyStore.Get when no
	// completed record exists for a key.
	ErrRecordNotFound = errors.New("idempotency record not found")

	// ErrClaimLost is returned when an owner tries to renew, release or
	// complete a claim it no longer holds.
	ErrClaimLost = errors.New("idempotency claim lost")

	// ErrEntryNotFound is returned by DeadLetterQueue.GetEntry and Ack.
	ErrEntryNotFound = errors.New("dead letter entry not found")

	// ErrInstanceNotFound is returned by InstanceArchive.GetInstance.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrNotAccepted is returned when waiting on a receipt that carries no
	// execution.
	ErrNotAccepted = errors.New("instance not accepted")

	// ErrEngineClosed is returned by Submit after Close.
	ErrEngineClosed = errors.New("engine closed")

	// ErrInstanceCancelled is the cause attached to an instance stopped
	// through Execution.Cancel.
	ErrInstanceCancelled = errors.New("instance cancelled")
)

// StepError attaches an ErrorKind to an error returned by a step.
type StepError struct {
	Kind ErrorKind
	Err  error
}

func (e *StepError) Error() string {
	return strings.ToLower(string(e.Kind)) + ": " + e.Err.Error()
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Kind: KindTransient, Err: err}
}

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Kind: KindPermanent, Err: err}
}

// Permanentf is Permanent(fmt.Errorf(format, args...)).
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// Transientf is Transient(fmt.Errorf(format, args...)).
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

// KindOf classifies err. Errors without an explicit kind are transient.
func KindOf(err error) ErrorKind {
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}

// IsPermanent reports whether err is classified as permanent.
func IsPermanent(err error) bool {
	return err != nil && KindOf(err) == KindPermanent
}

// IsCancellation reports whether err stems from the caller's context
// rather than from the step.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// ConfigError reports an invalid registration or definition. It is only
// ever returned at registration time.
type ConfigError struct {
	Workflow string
	Reason   string
}

func (e *ConfigError) Error() string {
	if e.Workflow == "" {
		return "config error: " + e.Reason
	}
	return fmt.Sprintf("config error: workflow %q: %s", e.Workflow, e.Reason)
}

// IsConfigError reports whether err is or wraps a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// StepFailure is returned by the step executor once a step has exhausted
// its retries (or failed permanently).
type StepFailure struct {
	Step     string
	Attempts int
	State    RetryState
	Err      error
}

func (e *StepFailure) Error() string {
	return fmt.Sprintf("step %q failed after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
}

func (e *StepFailure) Unwrap() error {
	return e.Err
}
