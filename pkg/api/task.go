package api

import (
	"context"
	"fmt"
	"time"
)

// ExternalTask is one unit of work currently locked by a worker.
//
// A task is owned by the single handler invocation that receives it. It is
// never shared between workers and must not be retained after the handler
// returns.
type ExternalTask struct {
	ID        string
	WorkerID  string
	TopicName string

	// Variables holds the engine-supplied payload, already decoded to Go
	// values (string, bool, int64, float64, map[string]any, []any, nil).
	Variables map[string]any

	// DecodeError is set by the transport when Variables could not be
	// decoded. The worker reports such a task as failed without running its
	// handler.
	DecodeError error

	// Retries is the engine's remaining retry count for this task, or nil
	// if the task has never failed.
	Retries *int

	LockExpirationTime time.Time

	BusinessKey          string
	ProcessInstanceID    string
	ProcessDefinitionKey string
	ActivityID           string
	Priority             int64

	// ErrorMessage and ErrorDetails carry the last failure reported for this
	// task, if any.
	ErrorMessage string
	ErrorDetails string
}

// Variable returns the named variable and whether it was present.
func (t *ExternalTask) Variable(name string) (any, bool) {
	v, ok := t.Variables[name]
	return v, ok
}

// StringVariable returns the named variable formatted as a string, or ""
// when absent or nil.
func (t *ExternalTask) StringVariable(name string) string {
	v, ok := t.Variables[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Complete builds a CompleteOutcome carrying vars.
func (t *ExternalTask) Complete(vars map[string]any) Outcome {
	return CompleteOutcome{Variables: vars}
}

// Failure builds a FailureOutcome whose retry count and retry timeout are
// computed by the worker.
func (t *ExternalTask) Failure(message, details string) Outcome {
	return FailureOutcome{ErrorMessage: message, ErrorDetails: details}
}

// FailureWithRetries builds a FailureOutcome that overrides the worker's
// retry bookkeeping.
func (t *ExternalTask) FailureWithRetries(message, details string, retries int, retryTimeout time.Duration) Outcome {
	return FailureOutcome{
		ErrorMessage: message,
		ErrorDetails: details,
		Retries:      &retries,
		RetryTimeout: &retryTimeout,
	}
}

// BpmnError builds a BpmnErrorOutcome.
func (t *ExternalTask) BpmnError(code, message string) Outcome {
	return BpmnErrorOutcome{ErrorCode: code, ErrorMessage: message}
}

func (t *ExternalTask) String() string {
	return fmt.Sprintf("ExternalTask{ID: %s, Topic: %s, Worker: %s}", t.ID, t.TopicName, t.WorkerID)
}

// Handler processes one task and returns exactly one Outcome.
//
// A non-nil error, a panic, or a nil Outcome are treated as a handler fault:
// the worker reports a failure on the handler's behalf.
type Handler func(ctx context.Context, task *ExternalTask) (Outcome, error)

// Subscription binds a topic to a handler, with optional overrides of the
// pool-wide Config.
type Subscription struct {
	Topic   string
	Handler Handler
	Options []ConfigOption
}

// TaskState is the worker-side lifecycle state of a task.
type TaskState string

// Only the terminal states are exported; an Outcome reports one of them.
const (
	stateFetched           TaskState = "FETCHED"
	stateDispatched        TaskState = "DISPATCHED"
	StateCompleted         TaskState = "COMPLETED"
	StateFailureReported   TaskState = "FAILURE_REPORTED"
	StateBpmnErrorReported TaskState = "BPMN_ERROR_REPORTED"
)

// Terminal reports whether no transition leaves s.
func (s TaskState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailureReported, StateBpmnErrorReported:
		return true
	}
	return false
}
