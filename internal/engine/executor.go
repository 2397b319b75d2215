package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/conduit/pkg/api"
)

// runStep runs one step until it succeeds or its retry policy says stop.
// Failures come back as *api.StepFailure.
func (e *Engine) runStep(ctx context.Context, inst *api.WorkflowInstance, idx int, step api.StepDefinition, input any) (any, error) {
	policy := e.retry
	if step.Retry != nil {
		policy = *step.Retry
	}
	timeout := step.Timeout
	if timeout == 0 {
		timeout = e.stepTimeout
	}

	var state api.RetryState
	for attempt := 1; ; attempt++ {
		// A cancelled instance never starts another attempt.
		if err := ctx.Err(); err != nil {
			return nil, &api.StepFailure{Step: step.Name, Attempts: attempt - 1, State: state, Err: err}
		}
		inst.Attempts = attempt

		out, err := e.attempt(ctx, inst, idx, step, input, attempt, timeout)
		if err == nil {
			return out, nil
		}

		state = api.RetryState{Attempt: attempt, LastError: err, LastKind: api.KindOf(err)}
		if ctx.Err() != nil {
			return nil, &api.StepFailure{Step: step.Name, Attempts: attempt, State: state, Err: err}
		}

		delay, retry := policy.NextDelay(attempt, state.LastKind)
		if !retry {
			return nil, &api.StepFailure{Step: step.Name, Attempts: attempt, State: state, Err: err}
		}
		state.NextEligibleAt = e.now().Add(delay)

		e.observer.OnStepRetry(ctx, inst, step.Name, idx, attempt, err, delay)
		if serr := e.sleep(ctx, delay); serr != nil {
			return nil, &api.StepFailure{Step: step.Name, Attempts: attempt, State: state, Err: serr}
		}
	}
}

// attempt makes a single call of step.Fn, gated by the integration's breaker
// and rate limit.
func (e *Engine) attempt(ctx context.Context, inst *api.WorkflowInstance, idx int, step api.StepDefinition, input any, attempt int, timeout time.Duration) (any, error) {
	guarded := step.Integration != "" && e.breakers != nil
	if guarded {
		if err := e.breakers.Allow(step.Integration); err != nil {
			return nil, api.Transient(fmt.Errorf("%w: %s", api.ErrCircuitOpen, step.Integration))
		}
	}

	err := e.awaitTokens(ctx, step.Integration)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		if guarded {
			e.breakers.Release(step.Integration)
		}
		return nil, err
	}

	info := api.StepInfo{
		InstanceID:     inst.ID,
		WorkflowName:   inst.WorkflowName,
		IdempotencyKey: inst.IdempotencyKey,
		StepName:       step.Name,
		StepIndex:      idx,
		Attempt:        attempt,
		Event:          inst.Event,
		Outputs:        inst.Context,
	}

	e.observer.OnStepStart(ctx, inst, step.Name, idx, attempt)
	start := e.now()
	out, err := e.invoke(ctx, step, input, info, timeout)
	e.observer.OnStepCompleted(ctx, inst, step.Name, idx, attempt, err, e.now().Sub(start))

	if guarded {
		switch {
		case err == nil:
			e.breakers.Success(step.Integration)
		case ctx.Err() != nil:
			e.breakers.Release(step.Integration)
		case api.KindOf(err) == api.KindTransient:
			e.breakers.Failure(step.Integration)
		default:
			// A permanent rejection still means the integration answered.
			e.breakers.Success(step.Integration)
		}
	}
	return out, err
}

// awaitTokens suspends until the integration's bucket grants a token. A wait
// that would end past the ceiling fails with api.ErrRateLimitExceeded.
func (e *Engine) awaitTokens(ctx context.Context, integration string) error {
	if integration == "" || e.limiter == nil {
		return nil
	}

	deadline := e.now().Add(e.waitCeiling)
	for {
		d, err := e.limiter.Acquire(integration, 1)
		if err != nil {
			return api.Permanent(err)
		}
		if d.Granted {
			return nil
		}
		if d.WaitUntil.After(deadline) {
			return api.Transient(fmt.Errorf("%w: %s has no tokens until %s",
				api.ErrRateLimitExceeded, integration, d.WaitUntil.Format(time.RFC3339Nano)))
		}
		if err := e.sleep(ctx, d.WaitUntil.Sub(e.now())); err != nil {
			return err
		}
	}
}

type stepResult struct {
	out any
	err error
}

// invoke calls step.Fn bounded by timeout. A step that ignores its context
// is abandoned when the timeout fires; its goroutine finishes on its own.
func (e *Engine) invoke(ctx context.Context, step api.StepDefinition, input any, info api.StepInfo, timeout time.Duration) (any, error) {
	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()
	attemptCtx = api.WithStepInfo(attemptCtx, info)

	done := make(chan stepResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- stepResult{err: api.Permanentf("step %q panicked: %v", step.Name, r)}
			}
		}()
		out, err := step.Fn(attemptCtx, input)
		done <- stepResult{out: out, err: err}
	}()

	select {
	case r := <-done:
		return e.settle(ctx, attemptCtx, step.Name, timeout, r)
	case <-attemptCtx.Done():
		select {
		case r := <-done:
			return e.settle(ctx, attemptCtx, step.Name, timeout, r)
		default:
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, stepTimeout(step.Name, timeout)
	}
}

// settle maps a deadline error caused by the attempt timeout to
// api.ErrStepTimeout.
func (e *Engine) settle(ctx, attemptCtx context.Context, name string, timeout time.Duration, r stepResult) (any, error) {
	if r.err != nil && ctx.Err() == nil &&
		errors.Is(attemptCtx.Err(), context.DeadlineExceeded) &&
		errors.Is(r.err, context.DeadlineExceeded) {
		return nil, stepTimeout(name, timeout)
	}
	return r.out, r.err
}

func stepTimeout(name string, timeout time.Duration) error {
	return api.Transient(fmt.Errorf("%w: %q after %s", api.ErrStepTimeout, name, timeout))
}
