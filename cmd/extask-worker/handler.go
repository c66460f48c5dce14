package main

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/petrijr/extask/pkg/api"
)

// outcomeVariable names the process variable that steers the generic handler.
const outcomeVariable = "outcome"

// errMissingOutcome is returned for a task without an outcome variable.
var errMissingOutcome = errors.New("generic handler: outcome variable is missing")

// genericHandler returns a handler that decides the task outcome from the
// "outcome" process variable: values containing "bpmn_error" raise a BPMN
// error, values containing "success" complete the task, and anything else
// fails it without retries. A missing or null outcome is a handler fault,
// reported by the worker with the normal retry countdown.
func genericHandler(log *zap.Logger, retryTimeout time.Duration) api.Handler {
	return func(ctx context.Context, task *api.ExternalTask) (api.Outcome, error) {
		if v, ok := task.Variable(outcomeVariable); !ok || v == nil {
			log.Warn("generic task handler got no outcome variable",
				zap.String("worker_id", task.WorkerID),
				zap.String("task_id", task.ID),
				zap.String("topic", task.TopicName),
			)
			return nil, errMissingOutcome
		}
		outcome := task.StringVariable(outcomeVariable)
		log.Info("executing generic task handler",
			zap.String("worker_id", task.WorkerID),
			zap.String("task_id", task.ID),
			zap.String("topic", task.TopicName),
			zap.String(outcomeVariable, outcome),
		)

		switch {
		case strings.Contains(outcome, "bpmn_error"):
			return task.BpmnError("BPMN_ERROR", "BPMN Error occurred"), nil
		case strings.Contains(outcome, "success"):
			return task.Complete(map[string]any{}), nil
		default:
			return task.FailureWithRetries("Task failed", "Task failed", 0, retryTimeout), nil
		}
	}
}
