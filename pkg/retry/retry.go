// Package retry wraps failsafe-go with the retry policies used across the engine.
package retry

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// Policy defines how to retry an operation.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is a sensible default for vendor and store calls.
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// IsTransientFunc reports whether an error is transient and worth retrying.
type IsTransientFunc func(error) bool

// Do executes fn with jittered-backoff retries according to the policy.
// Non-transient errors return immediately; context cancellation aborts the wait.
func Do(ctx context.Context, policy Policy, isTransient IsTransientFunc, fn func() error) error {
	rp := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return err != nil && isTransient(err)
		}).
		WithBackoff(policy.InitialBackoff, policy.MaxBackoff).
		WithJitterFactor(0.25).
		WithMaxRetries(policy.MaxAttempts - 1).
		Build()

	return failsafe.With[any](rp).WithContext(ctx).Run(fn)
}

// Get executes fn with retries and returns its value.
func Get[R any](ctx context.Context, policy Policy, isTransient IsTransientFunc, fn func() (R, error)) (R, error) {
	rp := retrypolicy.NewBuilder[R]().
		HandleIf(func(_ R, err error) bool {
			return err != nil && isTransient(err)
		}).
		WithBackoff(policy.InitialBackoff, policy.MaxBackoff).
		WithJitterFactor(0.25).
		WithMaxRetries(policy.MaxAttempts - 1).
		Build()

	return failsafe.With[R](rp).WithContext(ctx).Get(fn)
}
