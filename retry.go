package extask

import (
	"time"

	"github.com/petrijr/extask/pkg/api"
)

// FailureBuilder provides a fluent way to construct failure outcomes.
//
// Without WithRetries the worker computes the remaining retries itself from
// the task's retry count; without WithRetryTimeout it uses the configured
// RetryTimeout.
//
// Example:
//
//	return extask.Fail("payment gateway unavailable").
//	    Details(err.Error()).
//	    WithRetryTimeout(time.Minute).
//	    Outcome(), nil
type FailureBuilder struct {
	outcome api.FailureOutcome
}

// Fail creates a FailureBuilder with the given error message.
func Fail(message string) FailureBuilder {
	return FailureBuilder{outcome: api.FailureOutcome{ErrorMessage: message}}
}

// Details sets the error details, typically a stack trace or error chain.
func (f FailureBuilder) Details(details string) FailureBuilder {
	f.outcome.ErrorDetails = details
	return f
}

// WithRetries overrides the remaining retries reported to the engine.
// Negative values are treated as 0.
func (f FailureBuilder) WithRetries(n int) FailureBuilder {
	if n < 0 {
		n = 0
	}
	f.outcome.Retries = &n
	return f
}

// WithRetryTimeout overrides the delay before the task is retried.
// Negative values are treated as 0.
func (f FailureBuilder) WithRetryTimeout(d time.Duration) FailureBuilder {
	if d < 0 {
		d = 0
	}
	f.outcome.RetryTimeout = &d
	return f
}

// NoRetry reports zero remaining retries, so the engine raises an incident.
func (f FailureBuilder) NoRetry() FailureBuilder {
	return f.WithRetries(0)
}

// Outcome returns the failure outcome to be returned from a Handler.
func (f FailureBuilder) Outcome() Outcome {
	o := f.outcome
	if o.Retries != nil {
		n := *o.Retries
		o.Retries = &n
	}
	if o.RetryTimeout != nil {
		d := *o.RetryTimeout
		o.RetryTimeout = &d
	}
	return o
}
