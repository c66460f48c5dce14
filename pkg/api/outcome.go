package api

import "time"

// Outcome is the result of handling one task. It is one of
// CompleteOutcome, FailureOutcome or BpmnErrorOutcome.
type Outcome interface {
	// State is the terminal state reached once the outcome is reported.
	State() TaskState

	outcome()
}

// CompleteOutcome completes the task with optional result variables.
type CompleteOutcome struct {
	Variables      map[string]any
	LocalVariables map[string]any
}

// FailureOutcome reports a technical failure.
//
// Nil Retries and RetryTimeout let the worker fill them in: retries become
// (task.Retries or Config.DefaultRetries) - 1, floored at 0, and the retry
// timeout becomes Config.RetryTimeout.
type FailureOutcome struct {
	ErrorMessage string
	ErrorDetails string
	Retries      *int
	RetryTimeout *time.Duration
}

// BpmnErrorOutcome signals a modeled business error to the engine.
type BpmnErrorOutcome struct {
	ErrorCode    string
	ErrorMessage string
	Variables    map[string]any
}

func (CompleteOutcome) State() TaskState  { return StateCompleted }
func (FailureOutcome) State() TaskState   { return StateFailureReported }
func (BpmnErrorOutcome) State() TaskState { return StateBpmnErrorReported }

func (CompleteOutcome) outcome()  {}
func (FailureOutcome) outcome()   {}
func (BpmnErrorOutcome) outcome() {}

// Complete returns a CompleteOutcome for vars.
func Complete(vars map[string]any) Outcome {
	return CompleteOutcome{Variables: vars}
}

// BpmnError returns a BpmnErrorOutcome.
func BpmnError(code, message string) Outcome {
	return BpmnErrorOutcome{ErrorCode: code, ErrorMessage: message}
}

// RemainingRetries computes the retry count reported for a failure of t
// when the handler did not choose one: (t.Retries or defaultRetries) - 1,
// floored at 0.
func RemainingRetries(t *ExternalTask, defaultRetries int) int {
	base := defaultRetries
	if t != nil && t.Retries != nil {
		base = *t.Retries
	}
	if base-1 < 0 {
		return 0
	}
	return base - 1
}
